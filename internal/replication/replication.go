// Package replication routes client chat messages to the leader, fans
// them out from the leader to every peer, and maintains the bounded
// history buffer delivered to newly joined clients, per spec.md §4.6.
package replication

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/krezaiguia-a11y/Ring-chat/internal/ring"
	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

// HistoryBuffer is an append-only, FIFO-bounded log of accepted chat
// messages, owned exclusively by the replication engine.
type HistoryBuffer struct {
	mu    sync.Mutex
	cap   int
	items []*wire.ChatMessage
}

// NewHistoryBuffer creates a buffer bounded at capacity entries.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	return &HistoryBuffer{cap: capacity}
}

// Append adds msg, evicting the oldest entry first on overflow.
func (h *HistoryBuffer) Append(msg *wire.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, msg)
	if len(h.items) > h.cap {
		overflow := len(h.items) - h.cap
		h.items = h.items[overflow:]
	}
}

// Tail returns (a copy of) at most the last n entries, oldest first.
func (h *HistoryBuffer) Tail(n int) []*wire.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > len(h.items) {
		n = len(h.items)
	}
	start := len(h.items) - n
	out := make([]*wire.ChatMessage, n)
	copy(out, h.items[start:])
	return out
}

// Len returns the current number of buffered entries.
func (h *HistoryBuffer) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// RingView is the subset of *ring.Manager the replication engine needs.
type RingView interface {
	GetLeader() (ring.Peer, bool)
	IsLeader(id string) bool
	Topology() []ring.Peer
}

// PeerSender delivers a record to a single peer by id.
type PeerSender interface {
	SendToPeer(id string, rec wire.Record) error
}

// ClientSink delivers an accepted chat message to every locally connected
// client.
type ClientSink interface {
	DeliverLocal(msg *wire.ChatMessage)
}

// Engine is the per-node replication component.
type Engine struct {
	selfID  string
	ring    RingView
	sender  PeerSender
	clients ClientSink
	history *HistoryBuffer
	log     *logrus.Entry
}

// New constructs a replication engine for selfID, sharing history with
// the caller so it can also be read for diagnostics.
func New(selfID string, ring RingView, sender PeerSender, clients ClientSink, history *HistoryBuffer, log *logrus.Entry) *Engine {
	return &Engine{selfID: selfID, ring: ring, sender: sender, clients: clients, history: history, log: log}
}

// OnClientMessage handles a CHAT_MESSAGE accepted from a locally attached
// client: the leader path appends/delivers/fans out directly; the
// non-leader path forwards to the known leader.
func (e *Engine) OnClientMessage(msg *wire.ChatMessage) {
	if e.ring.IsLeader(e.selfID) {
		e.acceptAsLeader(msg)
		return
	}

	leader, ok := e.ring.GetLeader()
	if !ok {
		e.log.Error("no known leader, dropping client message")
		return
	}
	if leader.ID == e.selfID {
		// ring_manager disagrees with our own identity check; should
		// never happen since both derive from the same SetLeader call.
		e.log.Error("ring reports self as leader but IsLeader check disagreed, dropping message")
		return
	}

	fwd := wire.NewForwardMessage(msg, e.selfID)
	if err := e.sender.SendToPeer(leader.ID, fwd); err != nil {
		e.log.WithError(err).Error("failed to forward message to leader")
	}
}

// OnForwardMessage handles an inbound FORWARD_MESSAGE from a peer. This
// explicitly distinguishes the two cases spec.md §9's open question asks
// for: a leader accepting a client-originated forward from acceptAsLeader,
// versus a non-leader applying the leader's broadcast via
// applyDistributedUpdate — never the same recursive branch.
func (e *Engine) OnForwardMessage(fwd *wire.ForwardMessage) {
	if e.ring.IsLeader(e.selfID) {
		e.acceptAsLeader(fwd.Original)
		return
	}
	e.applyDistributedUpdate(fwd.Original)
}

// acceptAsLeader appends to history, delivers to local clients, and fans
// out to every other peer. Only the leader ever calls this.
func (e *Engine) acceptAsLeader(msg *wire.ChatMessage) {
	e.history.Append(msg)
	e.clients.DeliverLocal(msg)

	for _, p := range e.ring.Topology() {
		if p.ID == e.selfID {
			continue
		}
		fwd := wire.NewForwardMessage(msg, e.selfID)
		if err := e.sender.SendToPeer(p.ID, fwd); err != nil {
			e.log.WithError(err).Warn("failed to fan out message to peer")
		}
	}
}

// applyDistributedUpdate appends to history and delivers locally, without
// re-forwarding: a non-leader only ever relays a leader's own fan-out.
func (e *Engine) applyDistributedUpdate(msg *wire.ChatMessage) {
	e.history.Append(msg)
	e.clients.DeliverLocal(msg)
}

// History returns up to the last n entries for a newly joined client.
func (e *Engine) History(n int) []*wire.ChatMessage {
	return e.history.Tail(n)
}
