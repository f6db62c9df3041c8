// Package election implements the Chang-Roberts ring leader election
// state machine, per spec.md §4.4. Callback webs from the original are
// replaced by the three narrow interfaces below, injected at construction
// (spec.md §9's "callback webs -> interface contracts" redesign note).
package election

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krezaiguia-a11y/Ring-chat/internal/ring"
	"github.com/krezaiguia-a11y/Ring-chat/internal/ringchat"
	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

// RingView is the subset of *ring.Manager the election engine needs.
type RingView interface {
	RightNeighbor() (ring.Peer, bool)
	SetLeader(id string) bool
	Topology() []ring.Peer
}

// PeerSender delivers a record to a single peer by id, dialing/caching
// the underlying connection as needed.
type PeerSender interface {
	SendToPeer(id string, rec wire.Record) error
}

// LeaderSink is notified whenever a leader is accepted, win or
// announcement, so the caller can surface a LEADER_CHANGED notification.
type LeaderSink interface {
	OnLeaderElected(leaderID string)
}

// Engine is the per-node Chang-Roberts state machine.
type Engine struct {
	sync.Mutex

	selfID string
	ring   RingView
	sender PeerSender
	sink   LeaderSink
	log    *logrus.Entry

	inProgress bool
	electionID string
	originator string
	candidate  string

	timer      *time.Timer
	generation int
}

// New constructs an election engine for selfID.
func New(selfID string, ring RingView, sender PeerSender, sink LeaderSink, log *logrus.Entry) *Engine {
	return &Engine{
		selfID: selfID,
		ring:   ring,
		sender: sender,
		sink:   sink,
		log:    log,
	}
}

// Start triggers a new election, per spec.md §4.4's local-trigger rule:
// with no right neighbor, self-declare immediately; otherwise enter
// in-progress and forward ELECTION to the right neighbor.
func (e *Engine) Start(reason string) {
	if _, ok := e.ring.RightNeighbor(); !ok {
		e.selfDeclare()
		return
	}

	e.Lock()
	if e.inProgress {
		e.Unlock()
		e.log.WithField("reason", reason).Warn("election already in progress, ignoring start request")
		return
	}

	msg := wire.NewElection(e.selfID, e.selfID, 0)
	e.inProgress = true
	e.electionID = msg.MessageID
	e.candidate = e.selfID
	e.originator = e.selfID
	e.armTimerLocked()
	e.Unlock()

	e.log.WithFields(logrus.Fields{"reason": reason, "election_id": msg.MessageID}).Info("starting election")
	go e.pace(func() {
		right, ok := e.ring.RightNeighbor()
		if !ok {
			return
		}
		if err := e.sender.SendToPeer(right.ID, msg); err != nil {
			e.log.WithError(err).Warn("failed to send initial election message")
		}
	})
}

// HandleElection processes an inbound ELECTION record.
func (e *Engine) HandleElection(msg *wire.Election) {
	if _, ok := e.ring.RightNeighbor(); !ok {
		go e.parkElection(msg, false)
		return
	}

	e.Lock()
	if !e.inProgress {
		e.log.Info("received election message, joining election")
		e.inProgress = true
		e.electionID = msg.MessageID
		e.originator = msg.OriginatorID
		e.candidate = msg.CandidateID
		e.armTimerLocked()
	}

	if msg.OriginatorID == e.selfID {
		e.inProgress = false
		e.stopTimerLocked()
		e.Unlock()

		e.log.WithField("winner", msg.CandidateID).Info("election traversal complete")
		e.ring.SetLeader(msg.CandidateID)
		e.sink.OnLeaderElected(msg.CandidateID)
		e.announce(msg.CandidateID)
		return
	}

	nextCandidate := msg.CandidateID
	if !(msg.CandidateID > e.selfID) {
		// candidate < self, or the (unexpected) candidate == self case:
		// both are forwarded with self substituted as candidate.
		nextCandidate = e.selfID
	}
	e.Unlock()

	e.forward(nextCandidate, msg.OriginatorID, msg.HopCount+1)
}

// HandleLeaderAnnouncement processes an inbound LEADER_ANNOUNCEMENT.
func (e *Engine) HandleLeaderAnnouncement(msg *wire.LeaderAnnouncement) {
	e.Lock()
	e.inProgress = false
	e.stopTimerLocked()
	e.Unlock()

	e.log.WithField("leader", msg.LeaderID).Info("leader announced")
	e.ring.SetLeader(msg.LeaderID)
	e.sink.OnLeaderElected(msg.LeaderID)

	if msg.LeaderID != e.selfID {
		// The originator (the leader itself, or whoever completed the
		// traversal) does not re-forward; every other node does, exactly
		// once, to push the announcement the rest of the way around.
		go e.pace(func() { e.announce(msg.LeaderID) })
	}
}

// InProgress reports whether an election is currently running.
func (e *Engine) InProgress() bool {
	e.Lock()
	defer e.Unlock()
	return e.inProgress
}

// State returns a snapshot of the current election bookkeeping, mirroring
// spec.md §3's ElectionState record; mainly useful for tests and
// diagnostics.
func (e *Engine) State() (electionID, originator, candidate string, inProgress bool) {
	e.Lock()
	defer e.Unlock()
	return e.electionID, e.originator, e.candidate, e.inProgress
}

func (e *Engine) selfDeclare() {
	e.Lock()
	e.inProgress = false
	e.stopTimerLocked()
	e.Unlock()

	e.log.Info("no neighbors in ring, declaring self leader")
	e.ring.SetLeader(e.selfID)
	e.sink.OnLeaderElected(e.selfID)
}

func (e *Engine) announce(leaderID string) {
	right, ok := e.ring.RightNeighbor()
	if !ok {
		e.log.Warn("no right neighbor for leader announcement")
		return
	}
	rec := wire.NewLeaderAnnouncement(leaderID, toTopologyEntries(e.ring.Topology()))
	if err := e.sender.SendToPeer(right.ID, rec); err != nil {
		e.log.WithError(err).Warn("failed to send leader announcement")
	}
}

func (e *Engine) forward(candidate, originator string, hop int) {
	go e.pace(func() {
		rec := wire.NewElection(candidate, originator, hop)
		right, ok := e.ring.RightNeighbor()
		if !ok {
			return
		}
		if err := e.sender.SendToPeer(right.ID, rec); err != nil {
			e.log.WithError(err).Warn("failed to forward election message")
		}
	})
}

// parkElection retries a forward once after RingNotReadyRetryDelay if the
// right neighbor was missing, then drops it, per spec.md §4.4/§7.
func (e *Engine) parkElection(msg *wire.Election, retried bool) {
	if retried {
		e.log.Error("ring still not ready after retry, dropping election message")
		return
	}
	time.Sleep(ringchat.RingNotReadyRetryDelay)
	if _, ok := e.ring.RightNeighbor(); ok {
		e.HandleElection(msg)
		return
	}
	e.parkElection(msg, true)
}

// pace sleeps the forwarding pacing delay before running fn, matching
// spec.md §4.4's ELECTION_MESSAGE_DELAY on every ELECTION send and every
// re-forwarded announcement. The announcement sent on election completion
// goes out without this delay.
func (e *Engine) pace(fn func()) {
	time.Sleep(ringchat.ElectionMessageDelay)
	fn()
}

// armTimerLocked (re)starts the election timeout. Must hold the lock.
func (e *Engine) armTimerLocked() {
	e.stopTimerLocked()
	gen := e.generation
	e.timer = time.AfterFunc(ringchat.ElectionTimeout, func() { e.onTimeout(gen) })
}

// stopTimerLocked cancels any running timer. Must hold the lock.
func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
}

func (e *Engine) onTimeout(gen int) {
	e.Lock()
	if gen != e.generation {
		// Stale timer: already cancelled by a newer transition.
		e.Unlock()
		return
	}
	e.inProgress = false
	e.generation++
	e.Unlock()

	e.log.Error("election timeout")

	if _, ok := e.ring.RightNeighbor(); !ok {
		e.log.Warn("no neighbors - declaring self leader instead of restarting")
		e.ring.SetLeader(e.selfID)
		e.sink.OnLeaderElected(e.selfID)
		return
	}

	time.Sleep(ringchat.ElectionRestartBackoff)
	e.Start("election timeout")
}

func toTopologyEntries(peers []ring.Peer) []wire.TopologyEntry {
	out := make([]wire.TopologyEntry, 0, len(peers))
	for _, p := range peers {
		out = append(out, wire.TopologyEntry{ID: p.ID, IP: p.IP, Port: p.Port, IsLeader: p.IsLeader})
	}
	return out
}
