// Package failuredetector implements the heartbeat emitter and
// timeout-based crash detector described in spec.md §4.5.
package failuredetector

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krezaiguia-a11y/Ring-chat/internal/ring"
	"github.com/krezaiguia-a11y/Ring-chat/internal/ringchat"
	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

// RingView is the subset of *ring.Manager the detector needs.
type RingView interface {
	RightNeighbor() (ring.Peer, bool)
	Topology() []ring.Peer
	IsLeader(id string) bool
	Remove(id string)
}

// PeerSender delivers a heartbeat to the right neighbor.
type PeerSender interface {
	SendToPeer(id string, rec wire.Record) error
}

// PeerEvictor drops any cached outbound socket to a crashed peer.
type PeerEvictor interface {
	EvictPeer(id string)
}

// ElectionStarter restarts leader election after a leader crash.
type ElectionStarter interface {
	Start(reason string)
}

// Detector fuses the heartbeat emitter and the crash-sweep into one loop,
// per the teacher's pingPeer pattern, while preserving the spec's
// first-sighting grace period.
type Detector struct {
	selfID   string
	ring     RingView
	sender   PeerSender
	evictor  PeerEvictor
	election ElectionStarter
	log      *logrus.Entry

	mu            sync.Mutex
	lastHeartbeat map[string]time.Time
}

// New constructs a failure detector for selfID.
func New(selfID string, ring RingView, sender PeerSender, evictor PeerEvictor, election ElectionStarter, log *logrus.Entry) *Detector {
	return &Detector{
		selfID:        selfID,
		ring:          ring,
		sender:        sender,
		evictor:       evictor,
		election:      election,
		log:           log,
		lastHeartbeat: make(map[string]time.Time),
	}
}

// OnHeartbeat records that a heartbeat was just received from peer.
func (d *Detector) OnHeartbeat(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeartbeat[peer] = time.Now()
}

// Run drives the heartbeat-interval loop until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(ringchat.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.emitHeartbeat()
			d.sweep()
		}
	}
}

func (d *Detector) emitHeartbeat() {
	right, ok := d.ring.RightNeighbor()
	if !ok {
		// Alone in the ring: nothing to heartbeat.
		return
	}
	rec := wire.NewHeartbeat(d.selfID, d.ring.IsLeader(d.selfID))
	if err := d.sender.SendToPeer(right.ID, rec); err != nil {
		d.log.WithError(err).Warn("failed to send heartbeat")
	}
}

func (d *Detector) sweep() {
	now := time.Now()

	var crashed []string
	d.mu.Lock()
	for _, p := range d.ring.Topology() {
		if p.ID == d.selfID {
			continue
		}
		last, ok := d.lastHeartbeat[p.ID]
		if !ok {
			// Grace period: first-ever sighting never triggers an
			// immediate crash.
			d.lastHeartbeat[p.ID] = now
			continue
		}
		if now.Sub(last) > ringchat.HeartbeatTimeout {
			crashed = append(crashed, p.ID)
		}
	}
	d.mu.Unlock()

	for _, id := range crashed {
		d.handleCrash(id)
	}
}

func (d *Detector) handleCrash(id string) {
	d.log.WithField("peer", id).Warn("peer heartbeat timed out, declaring crashed")

	wasLeader := d.ring.IsLeader(id)
	d.ring.Remove(id)
	d.evictor.EvictPeer(id)

	d.mu.Lock()
	delete(d.lastHeartbeat, id)
	d.mu.Unlock()

	if wasLeader {
		go func() {
			time.Sleep(ringchat.LeaderCrashBackoff)
			d.election.Start("leader crashed")
		}()
	}
}
