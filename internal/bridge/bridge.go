package bridge

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/metrics"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/store"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

// writeBackInterval is how often the bridge rewrites every mirrored
// document back to the cluster, so an LLM-applied edit gets persisted
// like any other write.
const writeBackInterval = 3 * time.Second

// nodeConn is one live connection from the bridge to a cluster node's
// client port, classified "microservicio" at connect time.
type nodeConn struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

func (n *nodeConn) writeCommand(name, key string, args ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.conn.Write(wire.EncodeCommand(name, key, args...))
	return err
}

func (n *nodeConn) close() { n.conn.Close() }

// Bridge is the always-on client that mirrors every document on the
// cluster, relays editor-issued prompts to the LLM gateway by publishing
// on llm_requests, applies LLM-RESPONSE edits to its mirror, and writes
// the mirror back to the cluster on a timer.
type Bridge struct {
	Mirror *store.Store
	Dedup  *dedupCache
	Log    zerolog.Logger

	// Interval is the write-back cadence; defaults to writeBackInterval.
	Interval time.Duration

	mu    sync.Mutex
	conns []*nodeConn
}

func New(log zerolog.Logger) *Bridge {
	return &Bridge{Mirror: store.New(), Dedup: newDedupCache(), Log: log, Interval: writeBackInterval}
}

// Connect dials every address in addrs, classifies the connection as the
// bridge, and starts a per-connection read-loop goroutine. One node
// connection per cluster node keeps the bridge's mirror current across
// every shard, not just the one it happened to dial first.
func (b *Bridge) Connect(addrs []string) {
	for _, addr := range addrs {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			b.Log.Warn().Err(err).Str("addr", addr).Msg("bridge: failed to connect to node")
			continue
		}
		if err := wire.WriteLine(conn, "microservicio"); err != nil {
			b.Log.Warn().Err(err).Str("addr", addr).Msg("bridge: classification handshake failed")
			conn.Close()
			continue
		}
		nc := &nodeConn{addr: addr, conn: conn}
		b.mu.Lock()
		b.conns = append(b.conns, nc)
		b.mu.Unlock()
		go b.readLoop(nc)
	}
}

// Run starts the periodic write-back loop and blocks until stop is closed.
func (b *Bridge) Run(stop <-chan struct{}) {
	interval := b.Interval
	if interval <= 0 {
		interval = writeBackInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.writeBackAll()
		}
	}
}

// Close tears down every node connection, unblocking their read loops.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, nc := range b.conns {
		nc.close()
	}
}

// readLoop consumes every line a node pushes to this bridge connection:
// the initial DOC dump, live WRITE/SET notifications, and LLM-RESPONSE
// publishes relayed through the notifications channel.
func (b *Bridge) readLoop(nc *nodeConn) {
	reader := bufio.NewReader(nc.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			b.Log.Warn().Err(err).Str("addr", nc.addr).Msg("bridge: node connection closed")
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		b.handleLine(nc, line)
	}
}

func (b *Bridge) handleLine(nc *nodeConn, line string) {
	msg := ParseMessage(line)
	switch msg.Kind {
	case KindDoc:
		b.applyDoc(msg.Document, msg.Content)
	case KindWrite:
		b.applyWrite(msg)
	case KindPromptResponse:
		b.applyLLMResponse(msg)
	case KindRequestFile:
		b.RequestFile(msg.Document, b.promptWithContext(msg.Document, msg.Prompt))
	case KindPrompt:
		b.forwardPrompt(msg)
	case KindClientSubscribed, KindUnknown, KindError:
		b.Log.Debug().Str("line", line).Msg("bridge: received control line")
	}
}

// promptWithContext appends the mirrored document's current content to a
// whole-file prompt, so the LLM sees the text it is being asked about
// (a whole-file request carries document content and prompt together).
func (b *Bridge) promptWithContext(key, prompt string) string {
	d, ok := b.Mirror.Get(key)
	if !ok {
		return prompt
	}
	return prompt + "\n" + d.Snapshot()
}

// forwardPrompt relays an editor's cursor-scoped prompt onto llm_requests.
func (b *Bridge) forwardPrompt(msg Message) {
	line, err := strconv.Atoi(msg.Line)
	if err != nil || line < 0 {
		b.Log.Warn().Str("line", msg.Line).Msg("bridge: malformed prompt line")
		return
	}
	offset, err := strconv.Atoi(msg.Offset)
	if err != nil || offset < 0 {
		offset = 0
	}
	b.RequestPromptAtCursor(msg.Document, msg.Prompt, line, offset, msg.SelectionMode)
}

// applyDoc materializes a DOC push (the auto-subscribe dump and every
// subsequent SET notification): the mirror's whole document becomes the
// snapshot content the node serialized with Document.Snapshot, which
// travels sentinel-encoded so it survives the whitespace-delimited frame.
// SetWhole stores it as a single cell either way, which is fine because
// the mirror only ever needs to round-trip through Snapshot again for the
// write-back SET.
func (b *Bridge) applyDoc(key, content string) {
	b.Mirror.Mutate(key, func(d *document.Document) {
		d.SetWhole(document.DecodeLine(content))
	})
}

func (b *Bridge) applyWrite(msg Message) {
	index, err := strconv.Atoi(msg.Index)
	if err != nil || index < 0 {
		b.Log.Warn().Str("index", msg.Index).Msg("bridge: malformed WRITE index")
		return
	}
	b.Mirror.Mutate(msg.Document, func(d *document.Document) {
		d.WriteAt(index, msg.Content)
	})
}

// applyLLMResponse dedups a response by its
// document-content-selection_mode-line-offset identity, then applies it
// per selection_mode.
func (b *Bridge) applyLLMResponse(msg Message) {
	responseID := strings.Join([]string{msg.Document, msg.Content, msg.SelectionMode, msg.Line, msg.Offset}, "-")
	if b.Dedup.SeenOrMark(responseID) {
		metrics.DedupDropsTotal.Inc()
		b.Log.Debug().Str("response_id", responseID).Msg("bridge: duplicate LLM response ignored")
		return
	}

	switch msg.SelectionMode {
	case "cursor":
		b.applyCursorResponse(msg)
	default: // "whole-file" and anything unrecognized fall back to replace
		b.Mirror.Mutate(msg.Document, func(d *document.Document) {
			d.SetWhole(msg.Content)
		})
	}
}

// applyCursorResponse splices the LLM's response into the target line at
// the recorded offset, surrounded by a space on each side unless one is
// already there, then re-encodes the line through EncodeLine so it
// round-trips the same sentinel-token form as any other edit.
func (b *Bridge) applyCursorResponse(msg Message) {
	line, err := strconv.Atoi(msg.Line)
	if err != nil || line < 0 {
		b.Log.Warn().Str("line", msg.Line).Msg("bridge: malformed cursor response line")
		return
	}
	offset, err := strconv.Atoi(msg.Offset)
	if err != nil || offset < 0 {
		offset = 0
	}

	b.Mirror.Mutate(msg.Document, func(d *document.Document) {
		if line >= len(d.Cells) {
			b.Log.Warn().Int("line", line).Str("document", msg.Document).Msg("bridge: cursor response line out of range")
			return
		}
		original := document.DecodeLine(d.Cells[line])
		if offset > len(original) {
			offset = len(original)
		}
		prefix, suffix := original[:offset], original[offset:]

		var sb strings.Builder
		sb.WriteString(prefix)
		if !strings.HasSuffix(prefix, " ") && prefix != "" {
			sb.WriteString(" ")
		}
		sb.WriteString(document.DecodeLine(msg.Content))
		if !strings.HasPrefix(suffix, " ") && suffix != "" {
			sb.WriteString(" ")
		}
		sb.WriteString(suffix)

		d.Cells[line] = document.EncodeLine(sb.String())
	})
}

// RequestFile publishes a whole-file LLM request on llm_requests as
// `REQUEST-FILE <doc> <prompt>`. The prompt is sentinel-encoded so it
// survives as one whitespace-free token.
func (b *Bridge) RequestFile(key, prompt string) {
	b.publish("llm_requests", "REQUEST-FILE", key, document.EncodeLine(prompt))
}

// RequestPromptAtCursor publishes a cursor-scoped LLM request as
// `PROMPT <line> <doc> <prompt> <offset> <mode>`.
func (b *Bridge) RequestPromptAtCursor(key, prompt string, line, offset int, mode string) {
	b.publish("llm_requests", "PROMPT", strconv.Itoa(line), key, document.EncodeLine(prompt), strconv.Itoa(offset), mode)
}

func (b *Bridge) publish(channel string, parts ...string) {
	payload := wire.EncodeCommand("PUBLISH", channel, parts...)

	b.mu.Lock()
	conns := append([]*nodeConn(nil), b.conns...)
	b.mu.Unlock()

	for _, nc := range conns {
		nc.mu.Lock()
		_, err := nc.conn.Write(payload)
		nc.mu.Unlock()
		if err != nil {
			b.Log.Warn().Err(err).Str("addr", nc.addr).Strs("parts", parts).Msg("bridge: failed to publish to llm_requests")
		}
	}
}

// writeBackAll rewrites every mirrored document to every connected node
// via SET, producing the authoritative snapshot masters persist.
func (b *Bridge) writeBackAll() {
	keys := b.Mirror.Keys()

	b.mu.Lock()
	conns := append([]*nodeConn(nil), b.conns...)
	b.mu.Unlock()

	for _, key := range keys {
		d, ok := b.Mirror.Get(key)
		if !ok {
			continue
		}
		content := d.Snapshot()
		for _, nc := range conns {
			if err := nc.writeCommand("SET", key, content); err != nil {
				b.Log.Warn().Err(err).Str("addr", nc.addr).Str("document", key).Msg("bridge: write-back failed")
				continue
			}
			metrics.MirrorWriteBacksTotal.Inc()
		}
	}
}
