package peers

import (
	"sort"
	"sync"
	"time"
)

// Peer is one participant's record within the session.
type Peer struct {
	ID        string
	Role      Role
	State     ConnState
	LastSeen  time.Time
	Attempts  int
	LastError string
}

// Table stores peer records by ID. The connection manager is the sole
// writer; readers get value copies.
type Table struct {
	mu    sync.RWMutex
	items map[string]Peer
}

func NewTable() *Table {
	return &Table{items: make(map[string]Peer)}
}

func (t *Table) Upsert(p Peer) {
	if p.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[p.ID] = p
}

func (t *Table) Get(id string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.items[id]
	return p, ok
}

func (t *Table) Remove(id string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	return p, ok
}

// SetState moves one peer to a new connection state and returns the
// updated record along with the state it left.
func (t *Table) SetState(id string, s ConnState) (Peer, ConnState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if !ok {
		return Peer{}, StateIdle, false
	}
	from := p.State
	p.State = s
	t.items[id] = p
	return p, from, true
}

// SetRole reassigns a peer's role, used during host election.
func (t *Table) SetRole(id string, role Role) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if !ok {
		return Peer{}, false
	}
	p.Role = role
	t.items[id] = p
	return p, true
}

// Touch refreshes the liveness timestamp for a peer.
func (t *Table) Touch(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if !ok {
		return
	}
	p.LastSeen = at
	t.items[id] = p
}

// MarkAttempt records a dial attempt and its failure, if any.
func (t *Table) MarkAttempt(id string, attempt int, lastErr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if !ok {
		return
	}
	p.Attempts = attempt
	p.LastError = lastErr
	t.items[id] = p
}

func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// List returns every record ordered by peer ID.
func (t *Table) List() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.items))
	for _, p := range t.items {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connected returns the IDs of peers currently in StateConnected, ordered.
func (t *Table) Connected() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.items))
	for id, p := range t.items {
		if p.State == StateConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Host returns the record currently holding the host role.
func (t *Table) Host() (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.items {
		if p.Role == RoleHost {
			return p, true
		}
	}
	return Peer{}, false
}
