// Package store holds the in-memory key/value mapping owned by a single
// cluster node: documents and the parallel set registry used by
// SADD/SREM/SCARD/SMEMBERS.
package store

import (
	"sync"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
)

// Store is the shared, mutex-guarded map[key]*document.Document plus the
// set registry. It is safe for concurrent use from every connection
// goroutine.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*document.Document
	sets map[string]map[string]struct{}
}

func New() *Store {
	return &Store{
		docs: make(map[string]*document.Document),
		sets: make(map[string]map[string]struct{}),
	}
}

// Get returns the document at key and whether it exists.
func (s *Store) Get(key string) (*document.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[key]
	return d, ok
}

// Keys returns a snapshot of every key currently in the store.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for k := range s.docs {
		out = append(out, k)
	}
	return out
}

// Exists reports whether key has ever been created in this store.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[key]
	return ok
}

// Mutate runs fn against the document at key under the write lock,
// creating it via document.New(key) first if absent. This is the single
// entry point mutating commands use so "read current state, apply, write
// back" is atomic with respect to other commands on the same key, and so
// every key present in the store also exists the moment a subscription
// registry entry needs to be seeded for it.
func (s *Store) Mutate(key string, fn func(*document.Document)) (d *document.Document, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		doc = document.New(key)
		s.docs[key] = doc
		created = true
	}
	fn(doc)
	return doc, created
}

// SAdd adds member to the set at key. Returns true if it was newly added.
func (s *Store) SAdd(key, member string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	_, existed := set[member]
	set[member] = struct{}{}
	return !existed
}

// SRem removes member from the set at key. Returns true if it was present.
func (s *Store) SRem(key, member string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return false
	}
	_, existed := set[member]
	delete(set, member)
	return existed
}

// SCard returns the cardinality of the set at key.
func (s *Store) SCard(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[key])
}

// SMembers returns a snapshot of the set at key.
func (s *Store) SMembers(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

// SetKeys returns a snapshot of every key holding a set, used when
// serializing the set registry for a replica sync dump.
func (s *Store) SetKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sets))
	for k := range s.sets {
		out = append(out, k)
	}
	return out
}

// LoadSet installs a fully-formed set at key, used when deserializing a
// SERIALIZE_HASHMAP replication stream.
func (s *Store) LoadSet(key string, members []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	s.sets[key] = set
}

// LoadDoc installs a fully-formed document at key, used when
// deserializing a SERIALIZE_VEC replication stream or an .rdb snapshot.
func (s *Store) LoadDoc(key string, d *document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = d
}
