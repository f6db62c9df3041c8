// Package ring owns the authoritative in-memory membership view and
// derives the ring topology from it, per spec.md §4.3.
package ring

import (
	"sort"
	"sync"
	"time"
)

// Peer is a snapshot of one cluster member. Copies are safe to hand out;
// the Manager never exposes its internal pointers.
type Peer struct {
	ID              string
	IP              string
	Port            int
	IsLeader        bool
	LastHeartbeatAt time.Time
}

// Manager is the single owner of cluster membership. All mutation goes
// through its methods, which are serialized by the embedded mutex; after
// every mutation of the id set, neighbors are recomputed from a sort of
// the member ids, so the ring order is a pure function of that set.
type Manager struct {
	sync.Mutex

	selfID  string
	members map[string]*Peer
	order   []string

	leftID, rightID string
	hasLeft         bool
	hasRight        bool
}

// New creates a manager whose own id is already a member of its view,
// per spec.md §3's invariant.
func New(selfID, selfIP string, selfPort int) *Manager {
	m := &Manager{
		selfID:  selfID,
		members: make(map[string]*Peer),
	}
	m.members[selfID] = &Peer{ID: selfID, IP: selfIP, Port: selfPort}
	m.rebuild()
	return m
}

// Add inserts a peer if its id is unknown; idempotent on repeat id.
// Returns true if the peer was newly added.
func (m *Manager) Add(id, ip string, port int, isLeader bool) bool {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.members[id]; ok {
		return false
	}
	m.members[id] = &Peer{ID: id, IP: ip, Port: port, IsLeader: isLeader}
	m.rebuild()
	return true
}

// Remove deletes a peer from the view, if present.
func (m *Manager) Remove(id string) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.members[id]; !ok {
		return
	}
	delete(m.members, id)
	m.rebuild()
}

// SetLeader clears the leader flag on every other member before setting
// it on id, preserving the single-leader invariant atomically.
func (m *Manager) SetLeader(id string) bool {
	m.Lock()
	defer m.Unlock()

	target, ok := m.members[id]
	if !ok {
		return false
	}
	for _, p := range m.members {
		p.IsLeader = false
	}
	target.IsLeader = true
	return true
}

// GetLeader returns the current leader, if any.
func (m *Manager) GetLeader() (Peer, bool) {
	m.Lock()
	defer m.Unlock()

	for _, p := range m.members {
		if p.IsLeader {
			return *p, true
		}
	}
	return Peer{}, false
}

// IsLeader reports whether id is the current leader.
func (m *Manager) IsLeader(id string) bool {
	m.Lock()
	defer m.Unlock()

	p, ok := m.members[id]
	return ok && p.IsLeader
}

// Get returns a snapshot of a single member.
func (m *Manager) Get(id string) (Peer, bool) {
	m.Lock()
	defer m.Unlock()

	p, ok := m.members[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// TouchHeartbeat stamps a member's LastHeartbeatAt.
func (m *Manager) TouchHeartbeat(id string, at time.Time) {
	m.Lock()
	defer m.Unlock()

	if p, ok := m.members[id]; ok {
		p.LastHeartbeatAt = at
	}
}

// RightNeighbor returns the successor of self in ring order. With a
// single member, neighbors are undefined.
func (m *Manager) RightNeighbor() (Peer, bool) {
	m.Lock()
	defer m.Unlock()

	if !m.hasRight {
		return Peer{}, false
	}
	return *m.members[m.rightID], true
}

// LeftNeighbor returns the predecessor of self in ring order.
func (m *Manager) LeftNeighbor() (Peer, bool) {
	m.Lock()
	defer m.Unlock()

	if !m.hasLeft {
		return Peer{}, false
	}
	return *m.members[m.leftID], true
}

// Topology returns every member in canonical ring order.
func (m *Manager) Topology() []Peer {
	m.Lock()
	defer m.Unlock()

	out := make([]Peer, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.members[id])
	}
	return out
}

// Size returns the number of members currently in the view.
func (m *Manager) Size() int {
	m.Lock()
	defer m.Unlock()

	return len(m.members)
}

// rebuild recomputes ring order and neighbors. Must be called with the
// lock held.
func (m *Manager) rebuild() {
	order := make([]string, 0, len(m.members))
	for id := range m.members {
		order = append(order, id)
	}
	sort.Strings(order)
	m.order = order

	ownIdx := -1
	for i, id := range order {
		if id == m.selfID {
			ownIdx = i
			break
		}
	}

	if ownIdx == -1 || len(order) == 1 {
		m.hasLeft, m.hasRight = false, false
		return
	}

	n := len(order)
	m.leftID = order[(ownIdx-1+n)%n]
	m.rightID = order[(ownIdx+1)%n]
	m.hasLeft, m.hasRight = true, true
}
