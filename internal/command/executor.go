package command

import (
	"fmt"
	"strings"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/hashing"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/pubsub"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/store"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

// Classification identifies how a connection announced itself in its
// first frame.
type Classification int

const (
	ClassClient Classification = iota
	ClassMicroservice
	ClassLLMMicroservice
)

// Credentials is the in-process table AUTH checks against: usernames
// mapped to the CRC-16 slot of their expected password. Slot-hashing is
// not a cryptographic hash; it is deliberately weak and kept only for
// wire compatibility with existing clients.
type Credentials map[string]int

// DefaultCredentials is the built-in four-user table, every one of them
// sharing the password "123".
func DefaultCredentials() Credentials {
	defaultSlot := hashing.Slot("123")
	return Credentials{
		"valen": defaultSlot,
		"rama":  defaultSlot,
		"cami":  defaultSlot,
		"fran":  defaultSlot,
	}
}

// Executor dispatches commands against the store and subscription registry.
// One Executor is shared by every connection on a node.
type Executor struct {
	Store *store.Store
	Subs  *pubsub.Registry
	Creds Credentials

	// Role is this node's replication role, recorded at construction.
	// Execute does not consult it; replayed commands are checked against
	// the replica set with the package-level Allowed.
	Role string
}

func New(s *store.Store, subs *pubsub.Registry, creds Credentials, role string) *Executor {
	return &Executor{Store: s, Subs: subs, Creds: creds, Role: role}
}

// replicated names the commands a replica replays verbatim from its
// master; Allowed reports membership in this set.
var replicated = map[string]bool{
	"SET": true, "WRITE": true, "SADD": true, "SREM": true, "GET": true,
}

// Mutating names the commands a session broadcasts to replicas after
// applying locally. GET is replica-replayable but never itself broadcast,
// since it has no side effect to mirror.
var Mutating = map[string]bool{
	"SET": true, "WRITE": true, "SADD": true, "SREM": true,
}

// Execute dispatches one parsed command for a connection with the given
// classification and authentication state. authenticated is ignored for
// Microservice/LLMMicroservice connections, which bypass the AUTH gate
// entirely by classification.
func (e *Executor) Execute(cmd *wire.Command, class Classification, authenticated bool) Result {
	name := strings.ToUpper(cmd.Name)

	if class == ClassClient && !authenticated && name != "AUTH" {
		return errf("ERR not authenticated")
	}

	switch name {
	case "AUTH":
		return e.auth(cmd)
	case "GET":
		return e.get(cmd)
	case "SET":
		return e.set(cmd)
	case "WRITE":
		return e.write(cmd)
	case "SUBSCRIBE":
		return e.subscribe(cmd)
	case "UNSUBSCRIBE":
		return e.unsubscribe(cmd)
	case "PUBLISH":
		return e.publish(cmd)
	case "SADD":
		return e.sadd(cmd)
	case "SREM":
		return e.srem(cmd)
	case "SCARD":
		return e.scard(cmd)
	case "SMEMBERS":
		return e.smembers(cmd)
	default:
		return errf("ERR unknown command %q", cmd.Name)
	}
}

// Allowed reports whether name may run on a replica node at all: replicas
// only replay the restricted write set, mirrored verbatim from their
// master's replication stream.
func Allowed(role, name string) bool {
	if strings.EqualFold(role, "replica") {
		return replicated[strings.ToUpper(name)]
	}
	return true
}

func (e *Executor) auth(cmd *wire.Command) Result {
	username := cmd.Key
	if username == "" || len(cmd.Args) != 1 {
		return errf("ERR usage: AUTH <username> <password>")
	}
	password := cmd.Args[0]

	expected, known := e.Creds[username]
	if !known || expected != hashing.Slot(password) {
		return errf("ERR Credenciales invalidas")
	}
	return ok()
}

func (e *Executor) get(cmd *wire.Command) Result {
	if cmd.Key == "" {
		return errf("ERR wrong number of arguments for GET")
	}
	d, ok := e.Store.Get(cmd.Key)
	if !ok {
		return Result{Reply: wire.Null()}
	}
	return Result{Reply: wire.Bulk(d.Snapshot())}
}

func (e *Executor) set(cmd *wire.Command) Result {
	if cmd.Key == "" || len(cmd.Args) == 0 {
		return errf("ERR wrong number of arguments for SET")
	}
	content := strings.Join(cmd.Args, " ")

	e.Subs.EnsureKey(cmd.Key)
	_, _ = e.Store.Mutate(cmd.Key, func(d *document.Document) {
		d.SetWhole(content)
	})

	// The bridge follows every key created on this node, so the
	// notifications channel joins the subscriber list on key creation
	// regardless of who issued the SET.
	_ = e.Subs.Subscribe(cmd.Key, pubsub.ChannelNotifications)

	notification := fmt.Sprintf("DOC %s %s 0", cmd.Key, document.EncodeLine(content))
	return Result{Reply: wire.Simple("OK"), ShouldPublish: true, Notification: notification, Key: cmd.Key}
}

// write implements the editor's indexed line update:
// `WRITE <file> <index> <content> [timestamp]`. The republished
// notification uses the space-delimited
// `WRITE <index> <content> <timestamp> <file>` shape the bridge's message
// parser reads out of fixed token positions.
func (e *Executor) write(cmd *wire.Command) Result {
	if cmd.Key == "" || len(cmd.Args) < 2 {
		return errf("ERR usage: WRITE <document> <index> <content> [timestamp]")
	}
	index, err := parseIndex(cmd.Args[0])
	if err != nil {
		return errf("ERR invalid index %q", cmd.Args[0])
	}
	content := cmd.Args[1]
	timestamp := ""
	if len(cmd.Args) > 2 {
		timestamp = cmd.Args[2]
	}

	e.Subs.EnsureKey(cmd.Key)
	_, _ = e.Store.Mutate(cmd.Key, func(d *document.Document) {
		d.WriteAt(index, content)
	})

	notification := fmt.Sprintf("WRITE %d %s %s %s", index, content, timestamp, cmd.Key)
	return Result{Reply: wire.Simple("OK"), ShouldPublish: true, Notification: notification, Key: cmd.Key}
}

func (e *Executor) subscribe(cmd *wire.Command) Result {
	if cmd.Key == "" {
		return errf("ERR usage: SUBSCRIBE <key>")
	}
	return Result{Reply: wire.Simple(fmt.Sprintf("Subscribed to %s", cmd.Key)), Key: cmd.Key}
}

func (e *Executor) unsubscribe(cmd *wire.Command) Result {
	if cmd.Key == "" {
		return errf("ERR usage: UNSUBSCRIBE <key>")
	}
	return Result{Reply: wire.Simple(fmt.Sprintf("Unsubscribed from %s", cmd.Key)), Key: cmd.Key}
}

func (e *Executor) publish(cmd *wire.Command) Result {
	if cmd.Key == "" || len(cmd.Args) == 0 {
		return errf("ERR usage: PUBLISH <channel> <message>")
	}
	return Result{
		Reply:         wire.Integer(0), // caller fills in the real delivered count after fanning out
		ShouldPublish: true,
		Notification:  strings.Join(cmd.Args, " "),
		Key:           cmd.Key,
	}
}

func (e *Executor) sadd(cmd *wire.Command) Result {
	if cmd.Key == "" || len(cmd.Args) == 0 {
		return errf("ERR usage: SADD <key> <member...>")
	}
	added := 0
	for _, m := range cmd.Args {
		if e.Store.SAdd(cmd.Key, m) {
			added++
		}
	}
	return Result{Reply: wire.Integer(int64(added))}
}

func (e *Executor) srem(cmd *wire.Command) Result {
	if cmd.Key == "" || len(cmd.Args) == 0 {
		return errf("ERR usage: SREM <key> <member...>")
	}
	removed := 0
	for _, m := range cmd.Args {
		if e.Store.SRem(cmd.Key, m) {
			removed++
		}
	}
	return Result{Reply: wire.Integer(int64(removed))}
}

func (e *Executor) scard(cmd *wire.Command) Result {
	if cmd.Key == "" {
		return errf("ERR usage: SCARD <key>")
	}
	return Result{Reply: wire.Integer(int64(e.Store.SCard(cmd.Key)))}
}

func (e *Executor) smembers(cmd *wire.Command) Result {
	if cmd.Key == "" {
		return errf("ERR usage: SMEMBERS <key>")
	}
	members := e.Store.SMembers(cmd.Key)
	vals := make([]wire.Value, len(members))
	for i, m := range members {
		vals[i] = wire.Bulk(m)
	}
	return Result{Reply: wire.Array(vals...)}
}

func parseIndex(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid index")
	}
	return n, nil
}
