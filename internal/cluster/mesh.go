package cluster

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/command"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/metrics"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/pubsub"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/store"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

const (
	heartbeatInterval = 3 * time.Second
	heartbeatTimeout  = 50 * time.Second
)

// Mesh handles handshake, gossip, state replication, heartbeat liveness
// and witness-confirmed failover between cluster nodes.
type Mesh struct {
	Local    *LocalNode
	Peers    *PeerTable
	Store    *store.Store
	Subs     *pubsub.Registry
	Executor *command.Executor
	Log      zerolog.Logger

	// Host is advertised in peer dial addresses ("127.0.0.1" in the
	// original single-machine topology).
	Host string

	// OnApplied is invoked after a replicated command is applied locally.
	OnApplied func()

	// OnPromoted is invoked after this node promotes itself to master,
	// with the former master's port; the node wires it to the audit sink.
	OnPromoted func(formerMaster int)

	// Deliver writes a publish payload to a locally-connected client's
	// write handle; wired up by the node's session manager so a replica's
	// own subscribers (if any) still see replicated writes.
	Deliver func(addr, payload string) error
}

func NewMesh(local *LocalNode, peers *PeerTable, st *store.Store, subs *pubsub.Registry, exec *command.Executor, log zerolog.Logger, host string) *Mesh {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Mesh{Local: local, Peers: peers, Store: st, Subs: subs, Executor: exec, Log: log, Host: host}
}

// ServePeers runs the peer-port accept loop. Every accepted connection
// gets its own read-loop goroutine.
func (m *Mesh) ServePeers(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			m.Log.Warn().Err(err).Msg("peer accept failed")
			return
		}
		go m.handleConn(conn)
	}
}

// ConnectTo dials a peer's peer-facing port and sends the first handshake
// frame.
func (m *Mesh) ConnectTo(peerPeerPort int) {
	addr := fmt.Sprintf("%s:%d", m.Host, peerPeerPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		m.Log.Warn().Err(err).Str("addr", addr).Msg("failed to connect to peer")
		return
	}
	go m.handleConn(conn)
	m.sendHandshake(conn)
}

func (m *Mesh) sendHandshake(conn net.Conn) {
	snap := m.Local.Snapshot()
	line := fmt.Sprintf("NODE %d %s %d %d\n", snap.PeerPort, snap.Role.String(), snap.RangeLo, snap.RangeHi)
	_, _ = conn.Write([]byte(line))
}

// handleConn is the per-peer-connection read loop. It multiplexes bare
// control lines with the raw RESP bytes of a replicated command, using a
// saving flag flipped by the START/END_REPLICA_COMMAND brackets.
func (m *Mesh) handleConn(conn net.Conn) {
	br := bufio.NewReader(conn)
	var peer *Peer
	var saving bool
	var cmdBuf bytes.Buffer

	defer func() {
		if peer != nil {
			m.Peers.SetInactive(peer.Addr)
		}
		_ = conn.Close()
	}()

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")

		if saving {
			if strings.EqualFold(trimmed, "END_REPLICA_COMMAND") {
				saving = false
				m.applyReplicated(cmdBuf.Bytes())
				cmdBuf.Reset()
				continue
			}
			cmdBuf.WriteString(trimmed)
			cmdBuf.WriteString("\r\n")
			continue
		}

		word, rest := splitFirstWord(trimmed)
		if word == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		switch strings.ToUpper(word) {
		case "NODE":
			peer = m.handleNodeHandshake(conn, fields)
		case "SYNC_REQUEST":
			if peer != nil {
				m.handleSyncRequest(peer)
			}
		case "START_REPLICA_COMMAND":
			saving = true
			cmdBuf.Reset()
		case "PING":
			if peer != nil {
				peer.SendLine("PONG")
			}
		case "PONG":
			if peer != nil {
				peer.NotifyPong()
			}
		case "CONFIRM_MASTER_DOWN":
			m.handleConfirmMasterDown(peer, fields)
		case "INITIALIZE_REPLICA_PROMOTION":
			m.handlePromotion()
		case "INACTIVE_NODE":
			m.handleInactiveNode(fields)
		case "SERIALIZE_HASHMAP":
			LoadSerializedSet(m.Store, rest)
		case "SERIALIZE_VEC":
			LoadSerializedDoc(m.Store, rest)
		case "END_SERIALIZE_HASHMAP", "END_SERIALIZE_VEC":
			// Markers only; this implementation applies each
			// SERIALIZE_* line as it arrives rather than buffering a
			// batch, so there is nothing left to flush here.
		default:
			m.Log.Debug().Str("frame", trimmed).Msg("unrecognized peer control frame")
		}
	}
}

func (m *Mesh) handleNodeHandshake(conn net.Conn, fields []string) *Peer {
	if len(fields) < 5 {
		return nil
	}
	port, err1 := strconv.Atoi(fields[1])
	lo, err2 := strconv.Atoi(fields[3])
	hi, err3 := strconv.Atoi(fields[4])
	if err1 != nil || err2 != nil || err3 != nil {
		m.Log.Warn().Strs("fields", fields).Msg("malformed NODE handshake")
		return nil
	}
	role := ParseRole(strings.ToLower(fields[2]))
	addr := fmt.Sprintf("%s:%d", m.Host, port)

	existing, known := m.Peers.Get(addr)
	var peer *Peer
	if known {
		existing.Role = role
		existing.RangeLo, existing.RangeHi = lo, hi
		existing.State = StateActive
		peer = existing
	} else {
		peer = newPeer(addr, conn, role, lo, hi, port)
		m.Peers.Put(peer)
	}

	snap := m.Local.Snapshot()
	if lo == snap.RangeLo {
		if role != snap.Role {
			if snap.Role == RoleMaster {
				m.Local.AddReplica(port)
			} else {
				m.Local.SetMaster(port)
				peer.SendLine("SYNC_REQUEST %d", snap.PeerPort)
				go m.heartbeat(peer)
			}
		} else {
			m.Local.AddReplica(port)
		}
	}

	if !known {
		peer.SendLine("NODE %d %s %d %d", snap.PeerPort, snap.Role.String(), snap.RangeLo, snap.RangeHi)
	}
	return peer
}

// handleSyncRequest streams the master's current state to a newly
// connected replica: the set registry, then the document store, each
// terminated by its END_ marker.
func (m *Mesh) handleSyncRequest(peer *Peer) {
	for _, key := range m.Store.SetKeys() {
		members := m.Store.SMembers(key)
		peer.SendLine("SERIALIZE_HASHMAP %s:%s", key, strings.Join(members, ","))
	}
	peer.SendLine("END_SERIALIZE_HASHMAP")

	for _, key := range m.Store.Keys() {
		d, ok := m.Store.Get(key)
		if !ok {
			continue
		}
		peer.SendLine("SERIALIZE_VEC %s:%s", key, strings.Join(d.Cells, ","))
	}
	peer.SendLine("END_SERIALIZE_VEC")
}

// applyReplicated reconstructs and replays a command a master forwarded
// between START_REPLICA_COMMAND/END_REPLICA_COMMAND, through the
// executor's restricted replica path.
func (m *Mesh) applyReplicated(raw []byte) {
	r := wire.NewReader(bytes.NewReader(raw))
	cmd, _, err := r.ReadFrame()
	if err != nil || cmd == nil {
		m.Log.Warn().Err(err).Msg("failed to parse replicated command")
		return
	}
	if !command.Allowed(RoleReplica.String(), cmd.Name) {
		m.Log.Warn().Str("command", cmd.Name).Msg("replica refused to replay disallowed command")
		return
	}
	result := m.Executor.Execute(cmd, command.ClassClient, true)
	if result.ShouldPublish && m.Deliver != nil {
		m.Subs.Publish(result.Key, func(addr string) error {
			return m.Deliver(addr, result.Notification)
		})
	}
	if m.OnApplied != nil {
		m.OnApplied()
	}
}

// BroadcastCommand fans a just-applied master-side write to every replica
// of the local node's range, the exact wire bytes wrapped in
// START/END_REPLICA_COMMAND framing.
func (m *Mesh) BroadcastCommand(raw []byte) {
	snap := m.Local.Snapshot()
	if snap.Role != RoleMaster {
		return
	}
	var buf bytes.Buffer
	buf.WriteString("START_REPLICA_COMMAND\n")
	buf.Write(raw)
	buf.WriteString("END_REPLICA_COMMAND\n")
	framed := buf.Bytes()

	for _, p := range m.Peers.ReplicasOf(snap.RangeLo, snap.RangeHi) {
		if p.Role == RoleReplica {
			p.Send(framed)
			metrics.ReplicaBroadcastsTotal.Inc()
		}
	}
}

// heartbeat pings this node's master every 3 seconds and waits at most 50
// seconds for each PONG. It runs for the life of the connection to the
// master.
func (m *Mesh) heartbeat(master *Peer) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		master.SendLine("PING")
		select {
		case <-master.pong:
			// alive
		case <-time.After(heartbeatTimeout):
			m.onMasterDown(master)
			return
		}
	}
}

// onMasterDown runs when this replica's PING times out: it marks the
// master's peer record Inactive and asks every other replica of the same
// range to confirm.
func (m *Mesh) onMasterDown(master *Peer) {
	metrics.HeartbeatMissesTotal.Inc()
	m.Peers.SetInactive(master.Addr)
	snap := m.Local.Snapshot()
	m.Log.Warn().Str("master", master.Addr).Msg("master heartbeat timed out, requesting witness confirmation")
	for _, p := range m.Peers.ReplicasOf(snap.RangeLo, snap.RangeHi) {
		p.SendLine("CONFIRM_MASTER_DOWN %d", master.Port)
	}
}

// handleConfirmMasterDown implements the witness side of failover: this
// replica runs its own local check (does it also consider the named
// master Inactive?) and, if so, tells the asker to promote itself.
func (m *Mesh) handleConfirmMasterDown(sender *Peer, fields []string) {
	if sender == nil || len(fields) < 2 {
		return
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	masterPeer := m.Peers.ByPort(port)
	if masterPeer != nil && masterPeer.State == StateInactive {
		sender.SendLine("INITIALIZE_REPLICA_PROMOTION")
	}
}

// handlePromotion completes a failover: this node becomes Master for its
// existing range, broadcasts a fresh NODE handshake and INACTIVE_NODE for
// its former master to every known peer.
func (m *Mesh) handlePromotion() {
	formerMaster := m.Local.PromoteToMaster()
	metrics.FailoversTotal.Inc()
	snap := m.Local.Snapshot()
	m.Log.Info().Int("former_master", formerMaster).Msg("promoted to master")

	for _, p := range m.Peers.All() {
		p.SendLine("NODE %d %s %d %d", snap.PeerPort, snap.Role.String(), snap.RangeLo, snap.RangeHi)
		p.SendLine("INACTIVE_NODE %d", formerMaster)
	}
	if mp := m.Peers.ByPort(formerMaster); mp != nil {
		mp.State = StateInactive
	}
	if m.OnPromoted != nil {
		m.OnPromoted(formerMaster)
	}
}

func (m *Mesh) handleInactiveNode(fields []string) {
	if len(fields) < 2 {
		return
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	if p := m.Peers.ByPort(port); p != nil {
		p.State = StateInactive
	}
}

// splitFirstWord splits s into its leading whitespace-delimited token and
// the untouched remainder, preserving internal spaces in the remainder
// (document content can itself contain spaces, so a blanket
// strings.Fields split would corrupt it).
func splitFirstWord(s string) (word, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " \t")
}

// LoadSerializedSet installs a "key:v,v,v" SERIALIZE_HASHMAP line into the
// store, used by a replica bootstrapping from its master's sync dump.
func LoadSerializedSet(st *store.Store, line string) {
	key, rest, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	var members []string
	if rest != "" {
		members = strings.Split(rest, ",")
	}
	st.LoadSet(key, members)
}

// LoadSerializedDoc installs a "key:cell,cell" SERIALIZE_VEC line into the
// store.
func LoadSerializedDoc(st *store.Store, line string) {
	key, rest, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	d := document.New(key)
	if rest != "" {
		d.Cells = strings.Split(rest, ",")
	}
	st.LoadDoc(key, d)
}
