package session

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/command"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/pubsub"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/store"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

// allowAllRouter serves every key locally, so session tests exercise
// execution rather than redirection.
type allowAllRouter struct{}

func (allowAllRouter) Resolve(string) (bool, int, wire.Value) { return true, 0, wire.Value{} }

type recordingMesh struct {
	mu     sync.Mutex
	frames [][]byte
}

func (m *recordingMesh) BroadcastCommand(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	m.frames = append(m.frames, cp)
}

func (m *recordingMesh) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func startManager(t *testing.T) (*Manager, *recordingMesh, net.Addr) {
	t.Helper()
	st := store.New()
	subs := pubsub.New()
	exec := command.New(st, subs, command.DefaultCredentials(), "master")
	mesh := &recordingMesh{}
	m := NewManager(exec, subs, allowAllRouter{}, mesh, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go m.Serve(ln)
	return m, mesh, ln.Addr()
}

func dial(t *testing.T, addr net.Addr) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, name, key string, args ...string) {
	t.Helper()
	if _, err := conn.Write(wire.EncodeCommand(name, key, args...)); err != nil {
		t.Fatal(err)
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestAuthGateRejectsBeforeAuth(t *testing.T) {
	_, _, addr := startManager(t)
	conn, r := dial(t, addr)

	send(t, conn, "GET", "doc.txt")
	if got := readLine(t, r); got != "-ERR not authenticated" {
		t.Fatalf("reply = %q, want not-authenticated error", got)
	}

	send(t, conn, "AUTH", "cami", "123")
	if got := readLine(t, r); got != "+OK" {
		t.Fatalf("AUTH reply = %q", got)
	}

	send(t, conn, "GET", "doc.txt")
	if got := readLine(t, r); got != "$-1" {
		t.Fatalf("GET after auth = %q, want null", got)
	}
}

func TestSubscribeCatchUpPrecedesReply(t *testing.T) {
	_, _, addr := startManager(t)
	conn, r := dial(t, addr)

	send(t, conn, "AUTH", "cami", "123")
	readLine(t, r)

	send(t, conn, "SET", "doc.txt", "hello")
	if got := readLine(t, r); got != "+OK" {
		t.Fatalf("SET reply = %q", got)
	}

	send(t, conn, "SUBSCRIBE", "doc.txt")
	status := readLine(t, r)
	if !strings.HasPrefix(status, "STATUS doc.txt ") || !strings.HasSuffix(status, " hello") {
		t.Fatalf("catch-up line = %q", status)
	}
	if got := readLine(t, r); got != "+Subscribed to doc.txt" {
		t.Fatalf("SUBSCRIBE reply = %q", got)
	}
}

func TestWriteFanOutReachesSubscribers(t *testing.T) {
	_, mesh, addr := startManager(t)

	c1, r1 := dial(t, addr)
	send(t, c1, "AUTH", "cami", "123")
	readLine(t, r1)
	send(t, c1, "SET", "doc.txt", "line0")
	readLine(t, r1)
	send(t, c1, "SUBSCRIBE", "doc.txt")
	readLine(t, r1) // STATUS catch-up
	readLine(t, r1) // +Subscribed

	c2, r2 := dial(t, addr)
	send(t, c2, "AUTH", "rama", "123")
	readLine(t, r2)
	send(t, c2, "SUBSCRIBE", "doc.txt")
	readLine(t, r2)
	readLine(t, r2)

	send(t, c1, "WRITE", "doc.txt", "3", "line4", "1700000000")

	// The issuing client sees its reply first, then the fan-out publish.
	if got := readLine(t, r1); got != "+OK" {
		t.Fatalf("WRITE reply = %q", got)
	}
	want := "WRITE 3 line4 1700000000 doc.txt"
	if got := readLine(t, r1); got != want {
		t.Fatalf("c1 publish = %q, want %q", got, want)
	}
	if got := readLine(t, r2); got != want {
		t.Fatalf("c2 publish = %q, want %q", got, want)
	}

	// SET + WRITE were both broadcast to replicas.
	if mesh.count() != 2 {
		t.Fatalf("replica broadcasts = %d, want 2", mesh.count())
	}
}

func TestBridgeClassificationReceivesDocDump(t *testing.T) {
	m, _, addr := startManager(t)

	seeder, rs := dial(t, addr)
	send(t, seeder, "AUTH", "cami", "123")
	readLine(t, rs)
	send(t, seeder, "SET", "doc.txt", "contenido")
	readLine(t, rs)

	bridgeConn, rb := dial(t, addr)
	if err := wire.WriteLine(bridgeConn, "microservicio"); err != nil {
		t.Fatal(err)
	}

	dump := readLine(t, rb)
	if !strings.HasPrefix(dump, "DOC doc.txt contenido ") {
		t.Fatalf("bridge dump = %q", dump)
	}

	// The bridge must now be a subscriber of the existing key.
	found := false
	for _, s := range m.Subs.Subscribers("doc.txt") {
		if s == bridgeConn.LocalAddr().String() {
			found = true
		}
	}
	if !found {
		t.Fatalf("bridge not auto-subscribed: %v", m.Subs.Subscribers("doc.txt"))
	}
}

func TestDisconnectCleansSubscriberLists(t *testing.T) {
	m, _, addr := startManager(t)

	conn, r := dial(t, addr)
	send(t, conn, "AUTH", "cami", "123")
	readLine(t, r)
	send(t, conn, "SET", "doc.txt", "x")
	readLine(t, r)
	send(t, conn, "SUBSCRIBE", "doc.txt")
	readLine(t, r)
	readLine(t, r)

	clientAddr := conn.LocalAddr().String()
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.Subs.Subscribers("doc.txt")) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// SET subscribed the notifications alias; only the client is removed.
	if subs := m.Subs.Subscribers("doc.txt"); len(subs) != 1 || subs[0] != pubsub.ChannelNotifications {
		t.Fatalf("subscribers after disconnect = %v", subs)
	}
	if _, ok := m.Clients.Get(clientAddr); ok {
		t.Fatal("client record should be removed on disconnect")
	}
}

// rejectingGuard refuses every connection, for testing admission control.
type rejectingGuard struct{}

func (rejectingGuard) ShouldAcceptConnection() (bool, string) { return false, "at max connections" }
func (rejectingGuard) ConnOpened()                            {}
func (rejectingGuard) ConnClosed()                            {}
func (rejectingGuard) AllowBroadcast() bool                   { return true }

func TestGuardRejectsConnection(t *testing.T) {
	st := store.New()
	subs := pubsub.New()
	exec := command.New(st, subs, command.DefaultCredentials(), "master")
	m := NewManager(exec, subs, allowAllRouter{}, &recordingMesh{}, zerolog.Nop())
	m.Guard = rejectingGuard{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go m.Serve(ln)

	conn, r := dial(t, ln.Addr())
	_ = conn
	if got := readLine(t, r); got != "-ERR server at capacity" {
		t.Fatalf("reply = %q, want capacity error", got)
	}
}

func TestClientWriteWithoutHandleErrors(t *testing.T) {
	c := &Client{Addr: "x"}
	if err := c.Write(wire.Simple("OK")); err == nil {
		t.Fatal("expected explicit error for missing write handle")
	}
}
