package server

import (
	"sort"
	"sync"
	"time"

	"github.com/dylanconnolly/shop-gateway/auth"
	"github.com/pkg/errors"
)

// UnknownDisplayName is used when formatting a message for a connection that
// has already left the registry.
const UnknownDisplayName = "unknown"

var ErrAlreadyRegistered = errors.New("connection already registered")

// ConnID identifies one live connection. It is assigned on accept and never
// reused.
type ConnID string

// Entry is one authenticated connection.
type Entry struct {
	ConnID   ConnID
	Identity auth.Identity
	JoinedAt time.Time
	seq      uint64
}

// ClientSummary is the per-connection item of a clients-updated payload.
type ClientSummary struct {
	ConnID   ConnID `json:"connId"`
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

// Registry tracks the identity behind every authenticated connection. All
// methods are short critical sections and safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[ConnID]*Entry
	seq     uint64
	clock   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ConnID]*Entry),
		clock:   time.Now,
	}
}

// Register inserts the entry for id. An id is registered at most once; a
// second attempt leaves the existing entry untouched and returns
// ErrAlreadyRegistered.
func (r *Registry) Register(id ConnID, identity auth.Identity) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return Entry{}, errors.Wrapf(ErrAlreadyRegistered, "conn %s", id)
	}
	r.seq++
	e := &Entry{
		ConnID:   id,
		Identity: identity,
		JoinedAt: r.clock(),
		seq:      r.seq,
	}
	r.entries[id] = e
	return *e, nil
}

// Remove deletes the entry for id and reports whether one existed. Removing
// an absent id is a no-op.
func (r *Registry) Remove(id ConnID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	return *e, true
}

// Snapshot returns the registered connections in registration order.
func (r *Registry) Snapshot() []ClientSummary {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]ClientSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, ClientSummary{
			ConnID:   e.ConnID,
			ID:       e.Identity.ID,
			FullName: e.Identity.DisplayName,
		})
	}
	return out
}

// DisplayNameFor returns the display name registered for id, or
// UnknownDisplayName.
func (r *Registry) DisplayNameFor(id ConnID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[id]; ok && e.Identity.DisplayName != "" {
		return e.Identity.DisplayName
	}
	return UnknownDisplayName
}

func (r *Registry) Lookup(id ConnID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
