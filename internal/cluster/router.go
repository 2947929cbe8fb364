package cluster

import (
	"strconv"
	"sync"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/hashing"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/wire"
)

// Router decides, for every command, whether this node may serve the
// key's slot locally or must hand back an ASK redirect.
type Router struct {
	local *LocalNode
	peers *PeerTable
	host  string // host this node advertises in ASK targets, typically "127.0.0.1"
}

func NewRouter(local *LocalNode, peers *PeerTable, host string) *Router {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Router{local: local, peers: peers, host: host}
}

// Resolve returns (true, slot, wire.Value{}) when this node owns the
// key's slot locally and the caller should proceed to execution.
// Otherwise it returns (false, slot, ask) where ask is the three- or
// two-element ASK array: the target element is omitted when no Active
// Master is known for that slot.
func (r *Router) Resolve(key string) (local bool, slot int, ask wire.Value) {
	slot = hashing.Slot(key)
	if r.local.OwnsSlot(slot) {
		return true, slot, wire.Value{}
	}

	slotStr := strconv.Itoa(slot)
	if target := r.peers.MasterFor(slot); target != nil {
		return false, slot, wire.Array(
			wire.Bulk("ASK"),
			wire.Bulk(slotStr),
			wire.Bulk(target.ClientAddr(r.host)),
		)
	}
	return false, slot, wire.Array(
		wire.Bulk("ASK"),
		wire.Bulk(slotStr),
	)
}

// PeerTable is the mutex-guarded map of peer-address -> *Peer, shared
// between the router (reads, to pick ASK targets) and the mesh (writes,
// on handshake/liveness updates).
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*Peer)}
}

func (t *PeerTable) Put(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[p.Addr] = p
}

func (t *PeerTable) Get(addr string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[addr]
	return p, ok
}

// All returns a snapshot slice of every known peer.
func (t *PeerTable) All() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// MasterFor returns the first known Active Master peer whose range
// contains slot, or nil.
func (t *PeerTable) MasterFor(slot int) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.Role == RoleMaster && p.State == StateActive && slot >= p.RangeLo && slot < p.RangeHi {
			return p
		}
	}
	return nil
}

// ByPort finds a peer by its peer-facing port, used to resolve the
// target of CONFIRM_MASTER_DOWN/INACTIVE_NODE frames that carry a bare
// port rather than a full address.
func (t *PeerTable) ByPort(port int) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.Port == port {
			return p
		}
	}
	return nil
}

// SetInactive marks the peer at addr Inactive, a no-op if unknown.
func (t *PeerTable) SetInactive(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		p.State = StateInactive
	}
}

// ReplicasOf returns every known peer sharing role Replica and the given
// range, used when fanning CONFIRM_MASTER_DOWN or broadcasting an applied
// write to replicas.
func (t *PeerTable) ReplicasOf(lo, hi int) []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Peer
	for _, p := range t.peers {
		if p.Role == RoleReplica && p.RangeLo == lo && p.RangeHi == hi {
			out = append(out, p)
		}
	}
	return out
}
