// Package session implements the client-facing side of a node: the
// accept loop, per-connection read loop, first-frame classification, and
// the AUTH gate.
package session

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/command"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/metrics"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/pubsub"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

// Client is the in-memory record for one live connection: an owned,
// mutex-guarded write handle, a classification, and an authenticated
// username populated only after a successful AUTH.
type Client struct {
	Addr  string
	Class command.Classification

	mu            sync.Mutex
	conn          net.Conn
	authenticated bool
	username      string
}

// Write sends a reply/publish frame on the client's own write handle,
// serialized so concurrent fan-out deliveries and this client's own
// replies never interleave mid-frame.
func (c *Client) Write(v wire.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("session: client %s has no write handle", c.Addr)
	}
	return wire.WriteValue(c.conn, v)
}

// WriteLine sends a bare control line, used to deliver a publish payload
// to a bridge/LLM connection speaking the plain-line bridge protocol.
func (c *Client) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("session: client %s has no write handle", c.Addr)
	}
	return wire.WriteLine(c.conn, line)
}

// Table is the mutex-guarded map of active-client-address -> *Client,
// plus a small alias table so the reserved "notifications" pseudo-address
// the executor writes into the subscription registry resolves to whichever
// real connection most recently classified as the bridge.
type Table struct {
	mu      sync.RWMutex
	clients map[string]*Client
	aliases map[string]string
}

func NewTable() *Table {
	return &Table{clients: make(map[string]*Client), aliases: make(map[string]string)}
}

func (t *Table) Put(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.Addr] = c
}

func (t *Table) Remove(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, addr)
}

func (t *Table) SetAlias(alias, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases[alias] = target
}

func (t *Table) Get(addr string) (*Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.clients[addr]; ok {
		return c, true
	}
	if real, ok := t.aliases[addr]; ok {
		c, ok := t.clients[real]
		return c, ok
	}
	return nil, false
}

// Deliver looks up addr (resolving the notifications alias) and writes
// payload as a bare line, the shape every publish in this system's bridge
// and subscriber protocol uses.
func (t *Table) Deliver(addr, payload string) error {
	c, ok := t.Get(addr)
	if !ok {
		return fmt.Errorf("session: unknown subscriber %s", addr)
	}
	return c.WriteLine(payload)
}

// Router is the subset of cluster.Router a session needs: resolving a
// key's ownership before handing the command to the executor.
type Router interface {
	Resolve(key string) (local bool, slot int, ask wire.Value)
}

// Mesh is the subset of cluster.Mesh a session needs: fanning a locally
// applied write to this node's replicas.
type Mesh interface {
	BroadcastCommand(raw []byte)
}

// Guard is the subset of resource.Guard a session needs: admission control
// on the accept loop and rate limiting on publish fan-out. A nil Guard
// disables both.
type Guard interface {
	ShouldAcceptConnection() (accept bool, reason string)
	ConnOpened()
	ConnClosed()
	AllowBroadcast() bool
}

// Manager wires together everything a connection handler needs: the
// shared executor, subscription registry, router, mesh broadcaster, the
// client table, and logging.
type Manager struct {
	Executor *command.Executor
	Subs     *pubsub.Registry
	Router   Router
	Mesh     Mesh
	Clients  *Table
	Log      zerolog.Logger

	// Guard, when set, gates connection admission and publish fan-out.
	Guard Guard

	// OnMutated, when set, runs after a mutating command is applied
	// locally; the node wires it to the persistence snapshot rewrite and
	// the audit sink.
	OnMutated func(cmd *wire.Command, class command.Classification)
}

func NewManager(exec *command.Executor, subs *pubsub.Registry, router Router, mesh Mesh, log zerolog.Logger) *Manager {
	return &Manager{Executor: exec, Subs: subs, Router: router, Mesh: mesh, Clients: NewTable(), Log: log}
}

// Serve runs the client-port accept loop, one acceptor goroutine per
// listening socket.
func (m *Manager) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			m.Log.Warn().Err(err).Msg("client accept failed")
			return
		}
		if m.Guard != nil {
			if accept, reason := m.Guard.ShouldAcceptConnection(); !accept {
				m.Log.Warn().Str("addr", conn.RemoteAddr().String()).Str("reason", reason).
					Msg("connection rejected by resource guard")
				_ = wire.WriteValue(conn, wire.ErrVal("ERR server at capacity"))
				_ = conn.Close()
				continue
			}
		}
		go m.handle(conn)
	}
}

// handle is the per-connection read loop. The first frame classifies the
// connection (bridge, LLM adapter, or ordinary client); every frame
// thereafter is routed then dispatched.
func (m *Manager) handle(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	client := &Client{Addr: addr, conn: conn}
	reader := wire.NewReader(conn)

	if m.Guard != nil {
		m.Guard.ConnOpened()
	}
	defer m.cleanup(client)

	cmd, line, err := reader.ReadFrame()
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "microservicio":
		client.Class = command.ClassMicroservice
		m.Clients.Put(client)
		m.Clients.SetAlias(pubsub.ChannelNotifications, client.Addr)
		m.autoSubscribeBridge(client)
	case "llm_microservice":
		client.Class = command.ClassLLMMicroservice
		m.Clients.Put(client)
		_ = m.Subs.Subscribe(pubsub.ChannelLLMRequests, client.Addr)
	default:
		client.Class = command.ClassClient
		m.Clients.Put(client)
		if cmd != nil {
			m.process(client, cmd)
		}
	}

	for {
		cmd, _, err := reader.ReadFrame()
		if err != nil {
			return
		}
		if cmd != nil {
			m.process(client, cmd)
		}
	}
}

// autoSubscribeBridge implements the bridge's implicit subscription to
// every key the master already owns at handshake time, and pushes the
// existing keyspace down as DOC lines so the bridge can materialize its
// mirror before any further edit arrives.
func (m *Manager) autoSubscribeBridge(client *Client) {
	for i, key := range m.Executor.Store.Keys() {
		m.Executor.Subs.EnsureKey(key)
		_ = m.Executor.Subs.Subscribe(key, client.Addr)

		d, ok := m.Executor.Store.Get(key)
		if !ok {
			continue
		}
		// Snapshots can contain spaces and newlines; the DOC frame is
		// whitespace-delimited, so the content travels sentinel-encoded.
		line := fmt.Sprintf("DOC %s %s %d", key, document.EncodeLine(d.Snapshot()), i)
		_ = client.WriteLine(line)
	}
}

// process runs one parsed command through the shard router then the
// executor, writes the reply, and performs the publish/replication side
// effects.
func (m *Manager) process(client *Client, cmd *wire.Command) {
	metrics.CommandsTotal.WithLabelValues(strings.ToUpper(cmd.Name)).Inc()

	// Reserved channels are per-node, not sharded; routing them by slot
	// would ASK-redirect every llm_requests publish away from the node the
	// adapter is actually connected to.
	if cmd.Key != "" && cmd.Key != pubsub.ChannelNotifications && cmd.Key != pubsub.ChannelLLMRequests {
		if local, _, ask := m.Router.Resolve(cmd.Key); !local {
			metrics.AskRedirectsTotal.Inc()
			_ = client.Write(ask)
			return
		}
	}

	client.mu.Lock()
	authed := client.authenticated
	client.mu.Unlock()

	result := m.Executor.Execute(cmd, client.Class, authed)

	name := strings.ToUpper(cmd.Name)
	switch name {
	case "AUTH":
		if result.Reply.Kind != wire.KindError {
			client.mu.Lock()
			client.authenticated = true
			client.username = cmd.Key
			client.mu.Unlock()
		}
	case "SUBSCRIBE":
		if result.Reply.Kind != wire.KindError {
			if err := m.Subs.Subscribe(cmd.Key, client.Addr); err != nil {
				result.Reply = wire.ErrVal(fmt.Sprintf("ERR %s", err))
			} else {
				m.sendCatchUp(client, cmd.Key)
			}
		}
	case "UNSUBSCRIBE":
		m.Subs.Unsubscribe(cmd.Key, client.Addr)
	case "PUBLISH":
		delivered := m.Subs.Publish(cmd.Key, m.deliverFunc(result.Notification))
		result.Reply = wire.Integer(int64(delivered))
	}

	_ = client.Write(result.Reply)

	if result.ShouldPublish && name != "PUBLISH" {
		if m.Guard == nil || m.Guard.AllowBroadcast() {
			m.Subs.Publish(result.Key, m.deliverFunc(result.Notification))
		} else {
			m.Log.Warn().Str("key", result.Key).Msg("publish fan-out rate limited, dropped")
		}
	}

	if command.Mutating[name] && result.Reply.Kind != wire.KindError {
		m.Mesh.BroadcastCommand(cmd.Raw)
		if m.OnMutated != nil {
			m.OnMutated(cmd, client.Class)
		}
	}
}

// deliverFunc wraps the client table's write path with delivery metrics; a
// failed write is counted and skipped, never aborting fan-out to the
// remaining subscribers.
func (m *Manager) deliverFunc(payload string) func(addr string) error {
	return func(addr string) error {
		if err := m.Clients.Deliver(addr, payload); err != nil {
			metrics.PublishFailuresTotal.Inc()
			m.Log.Warn().Err(err).Str("addr", addr).Msg("publish delivery failed, skipping subscriber")
			return err
		}
		metrics.PublishDeliveriesTotal.Inc()
		return nil
	}
}

// sendCatchUp delivers a STATUS publish carrying the document's current
// snapshot so a new subscriber catches up before the subscribe reply
// lands.
func (m *Manager) sendCatchUp(client *Client, key string) {
	d, ok := m.Executor.Store.Get(key)
	snapshot := ""
	if ok {
		snapshot = d.Snapshot()
	}
	line := fmt.Sprintf("STATUS %s %s %s", key, client.Addr, snapshot)
	_ = client.WriteLine(line)
}

func (m *Manager) cleanup(client *Client) {
	m.Clients.Remove(client.Addr)
	m.Subs.RemoveClient(client.Addr)
	if m.Guard != nil {
		m.Guard.ConnClosed()
	}
	m.Log.Debug().Str("addr", client.Addr).Msg("client disconnected, cleaned up")
}
