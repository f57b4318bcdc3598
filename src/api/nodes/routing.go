package nodes

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/synergy/src/api/protocol"
	"github.com/danmuck/synergy/src/api/transport"
	"github.com/danmuck/synergy/src/key_store"
)

// CoordinatorState is the hub's view of a coordinator, refreshed by Sync.
type CoordinatorState struct {
	Registered bool
	Enabled    bool
	Attributes []string
	Resources  map[string]int32
	Servers    []protocol.Server
	LastSync   time.Time
}

// CoordinatorEntry pairs a registered coordinator with its current channel.
type CoordinatorEntry struct {
	key_store.KeyStore

	mu    sync.Mutex
	conn  *transport.Conn
	state CoordinatorState
}

func (e *CoordinatorEntry) Conn() *transport.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// bind makes c the current channel and reports whether it replaced
// another one.
func (e *CoordinatorEntry) bind(c *transport.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == c {
		return false
	}
	e.conn = c
	return true
}

// unbind clears the channel if c is still current.
func (e *CoordinatorEntry) unbind(c *transport.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != c {
		return false
	}
	e.conn = nil
	e.state.Registered = false
	return true
}

func (e *CoordinatorEntry) markRegistered() {
	e.mu.Lock()
	e.state.Registered = true
	e.mu.Unlock()
}

func (e *CoordinatorEntry) update(s *protocol.Sync) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Enabled = s.Enabled
	e.state.Attributes = append([]string(nil), s.Attributes...)
	e.state.Resources = s.ResourceMap()
	e.state.Servers = append([]protocol.Server(nil), s.Servers...)
	e.state.LastSync = time.Now()
}

// State returns a copy of the current view.
func (e *CoordinatorEntry) State() CoordinatorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	s.Attributes = append([]string(nil), e.state.Attributes...)
	s.Servers = append([]protocol.Server(nil), e.state.Servers...)
	s.Resources = make(map[string]int32, len(e.state.Resources))
	for k, v := range e.state.Resources {
		s.Resources[k] = v
	}
	return s
}

// CoordinatorTable maps coordinator ids to entries.
type CoordinatorTable struct {
	entries map[string]*CoordinatorEntry
	mu      sync.Mutex
}

func NewCoordinatorTable(pool *key_store.Pool) (*CoordinatorTable, error) {
	t := &CoordinatorTable{
		entries: make(map[string]*CoordinatorEntry),
	}
	if pool == nil {
		return t, nil
	}
	for _, ks := range pool.All() {
		if err := t.Insert(ks); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *CoordinatorTable) Insert(ks key_store.KeyStore) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[ks.ID]; exists {
		return fmt.Errorf("%w: %s", ErrCoordinatorExists, ks.ID)
	}
	t.entries[ks.ID] = &CoordinatorEntry{KeyStore: ks}
	return nil
}

func (t *CoordinatorTable) Remove(id string) (*CoordinatorEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCoordinatorNotFound, id)
	}
	delete(t.entries, id)
	return e, nil
}

func (t *CoordinatorTable) Lookup(id string) (*CoordinatorEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[id]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrCoordinatorNotFound, id)
	}
	return e, nil
}

// Each calls fn for every entry in id order. fn runs without the table
// lock held.
func (t *CoordinatorTable) Each(fn func(e *CoordinatorEntry)) {
	t.mu.Lock()
	entries := make([]*CoordinatorEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	for _, e := range entries {
		fn(e)
	}
}

func (t *CoordinatorTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
