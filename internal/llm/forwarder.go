// Package llm implements the serialized single-socket gateway
// between the cluster and the external LLM endpoint. It attaches to every
// cluster node as an llm_microservice client, receives REQUEST-FILE and
// PROMPT publishes off the llm_requests channel, forwards each prompt as
// one newline-terminated line on a single long-lived upstream connection,
// and fans each response back to the cluster as a PUBLISH on the
// originating document's channel.
package llm

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/bridge"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

// DefaultReconnectBackoff is the wait between upstream dial attempts.
const DefaultReconnectBackoff = 15 * time.Second

// request is one prompt in flight: what to send upstream plus the framing
// metadata its response needs when published back.
type request struct {
	document string
	line     string
	offset   string
	mode     string // "whole-file" or "cursor"
	prompt   string
}

// nodeConn is one live connection to a cluster node's client port.
type nodeConn struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

func (n *nodeConn) publish(key string, args ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.conn.Write(wire.EncodeCommand("PUBLISH", key, args...))
	return err
}

// Forwarder owns the single upstream connection and the fan-in/fan-out
// around it.
type Forwarder struct {
	UpstreamAddr string
	Backoff      time.Duration
	Log          zerolog.Logger

	// prompts is the channel the single upstream writer drains.
	prompts chan request

	mu    sync.Mutex
	nodes []*nodeConn
}

func NewForwarder(upstreamAddr string, backoff time.Duration, log zerolog.Logger) *Forwarder {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	return &Forwarder{
		UpstreamAddr: upstreamAddr,
		Backoff:      backoff,
		Log:          log,
		prompts:      make(chan request, 64),
	}
}

// ConnectNodes dials every cluster node, classifies each connection as
// llm_microservice, and starts a read loop that turns llm_requests
// publishes into queued prompts.
func (f *Forwarder) ConnectNodes(addrs []string) {
	for _, addr := range addrs {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			f.Log.Warn().Err(err).Str("addr", addr).Msg("llm: failed to connect to node")
			continue
		}
		if err := wire.WriteLine(conn, "llm_microservice"); err != nil {
			f.Log.Warn().Err(err).Str("addr", addr).Msg("llm: classification handshake failed")
			conn.Close()
			continue
		}
		nc := &nodeConn{addr: addr, conn: conn}
		f.mu.Lock()
		f.nodes = append(f.nodes, nc)
		f.mu.Unlock()
		go f.nodeReadLoop(nc)
	}
}

// nodeReadLoop consumes llm_requests publishes pushed down this node
// connection and enqueues a request for each.
func (f *Forwarder) nodeReadLoop(nc *nodeConn) {
	reader := bufio.NewReader(nc.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			f.Log.Warn().Err(err).Str("addr", nc.addr).Msg("llm: node connection closed")
			return
		}
		msg := bridge.ParseMessage(strings.TrimRight(line, "\r\n"))
		switch msg.Kind {
		case bridge.KindRequestFile:
			f.enqueue(request{document: msg.Document, mode: "whole-file", prompt: flatten(msg.Prompt)})
		case bridge.KindPrompt:
			f.enqueue(request{
				document: msg.Document, line: msg.Line, offset: msg.Offset,
				mode: msg.SelectionMode, prompt: flatten(msg.Prompt),
			})
		}
	}
}

// flatten keeps a prompt on one wire line; the upstream protocol pairs
// exactly one newline-terminated prompt with one response line.
func flatten(prompt string) string {
	return strings.ReplaceAll(prompt, "\n", " ")
}

func (f *Forwarder) enqueue(req request) {
	select {
	case f.prompts <- req:
	default:
		f.Log.Warn().Str("document", req.document).Msg("llm: prompt queue full, dropping request")
	}
}

// Run dials the upstream endpoint and serves prompt/response pairs until
// stop is closed. Reconnect is unbounded with Backoff between attempts.
func (f *Forwarder) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, err := net.Dial("tcp", f.UpstreamAddr)
		if err != nil {
			f.Log.Warn().Err(err).Str("addr", f.UpstreamAddr).Dur("backoff", f.Backoff).
				Msg("llm: upstream dial failed, backing off")
			select {
			case <-stop:
				return
			case <-time.After(f.Backoff):
			}
			continue
		}

		f.Log.Info().Str("addr", f.UpstreamAddr).Msg("llm: connected to upstream")
		f.serveUpstream(conn, stop)
		_ = conn.Close()
	}
}

// serveUpstream runs the writer/reader pair over one upstream connection.
// The writer drains the prompt channel; the reader consumes exactly one
// response line per prompt, preserving strict 1:1 ordering via the pending
// queue between them. Returns when either side hits a transport error.
func (f *Forwarder) serveUpstream(conn net.Conn, stop <-chan struct{}) {
	pending := make(chan request, cap(f.prompts))
	errc := make(chan error, 2)

	go func() {
		for {
			select {
			case <-stop:
				close(pending)
				errc <- nil
				return
			case req := <-f.prompts:
				if _, err := fmt.Fprintf(conn, "%s\n", req.prompt); err != nil {
					// Requeue so the prompt survives the reconnect.
					f.enqueue(req)
					close(pending)
					errc <- err
					return
				}
				pending <- req
			}
		}
	}()

	go func() {
		reader := bufio.NewReader(conn)
		for req := range pending {
			line, err := reader.ReadString('\n')
			if err != nil {
				errc <- err
				return
			}
			f.publishResponse(req, strings.TrimRight(line, "\r\n"))
		}
		errc <- nil
	}()

	if err := <-errc; err != nil {
		f.Log.Warn().Err(err).Msg("llm: upstream connection failed")
	}
}

// publishResponse re-frames one upstream response line as the
// LLM-RESPONSE publish the bridge expects and fans it to every connected
// cluster node. The response body is sentinel-encoded into a single
// whitespace-free token so it survives the space-delimited publish frame.
func (f *Forwarder) publishResponse(req request, response string) {
	args := ResponseArgs(req.document, req.line, req.offset, req.mode, response)

	f.mu.Lock()
	nodes := append([]*nodeConn(nil), f.nodes...)
	f.mu.Unlock()

	for _, nc := range nodes {
		if err := nc.publish(req.document, args...); err != nil {
			f.Log.Warn().Err(err).Str("addr", nc.addr).Str("document", req.document).
				Msg("llm: failed to publish response")
		}
	}
}

// ResponseArgs builds the PUBLISH payload tokens for one response:
// `LLM-RESPONSE <doc> <content>` for a whole-file request,
// `LLM-RESPONSE <doc> linea:<line>:<offset> <content>` for a cursor one.
func ResponseArgs(doc, line, offset, mode, response string) []string {
	content := document.EncodeLine(response)
	if mode == "cursor" {
		return []string{"LLM-RESPONSE", doc, fmt.Sprintf("linea:%s:%s", line, offset), content}
	}
	return []string{"LLM-RESPONSE", doc, content}
}

// Close tears down every node connection.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, nc := range f.nodes {
		_ = nc.conn.Close()
	}
}
