package failuredetector

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krezaiguia-a11y/Ring-chat/internal/ring"
	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

type fakeRing struct {
	mu       sync.Mutex
	right    *ring.Peer
	topology []ring.Peer
	leader   string
	removed  []string
}

func (f *fakeRing) RightNeighbor() (ring.Peer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.right == nil {
		return ring.Peer{}, false
	}
	return *f.right, true
}

func (f *fakeRing) Topology() []ring.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ring.Peer(nil), f.topology...)
}

func (f *fakeRing) IsLeader(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader == id
}

func (f *fakeRing) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func (f *fakeRing) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeSender struct {
	mu  sync.Mutex
	out []wire.Record
}

func (s *fakeSender) SendToPeer(id string, rec wire.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, rec)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

type fakeEvictor struct {
	mu      sync.Mutex
	evicted []string
}

func (e *fakeEvictor) EvictPeer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, id)
}

func (e *fakeEvictor) evictedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.evicted...)
}

type fakeElection struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeElection) Start(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeElection) startedFor() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return logrus.NewEntry(l)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestFirstSightingGrantsGracePeriod(t *testing.T) {
	r := &fakeRing{topology: []ring.Peer{{ID: "server-8001"}, {ID: "server-8002"}}}
	s := &fakeSender{}
	ev := &fakeEvictor{}
	el := &fakeElection{}
	d := New("server-8001", r, s, ev, el, discardLog())

	d.sweep()

	assert.Empty(t, r.removedIDs())
	assert.Empty(t, ev.evictedIDs())
}

func TestStaleHeartbeatDeclaresCrash(t *testing.T) {
	r := &fakeRing{topology: []ring.Peer{{ID: "server-8001"}, {ID: "server-8002"}}}
	s := &fakeSender{}
	ev := &fakeEvictor{}
	el := &fakeElection{}
	d := New("server-8001", r, s, ev, el, discardLog())

	d.mu.Lock()
	d.lastHeartbeat["server-8002"] = time.Now().Add(-1 * time.Hour)
	d.mu.Unlock()

	d.sweep()

	require.Eventually(t, func() bool { return len(r.removedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"server-8002"}, r.removedIDs())
	assert.Equal(t, []string{"server-8002"}, ev.evictedIDs())
}

func TestCrashedLeaderTriggersElectionRestart(t *testing.T) {
	r := &fakeRing{topology: []ring.Peer{{ID: "server-8001"}, {ID: "server-8003"}}, leader: "server-8003"}
	s := &fakeSender{}
	ev := &fakeEvictor{}
	el := &fakeElection{}
	d := New("server-8001", r, s, ev, el, discardLog())

	d.mu.Lock()
	d.lastHeartbeat["server-8003"] = time.Now().Add(-1 * time.Hour)
	d.mu.Unlock()

	d.sweep()

	require.Eventually(t, func() bool { return len(el.startedFor()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "leader crashed", el.startedFor()[0])
}

func TestEmitHeartbeatSkippedWhenAlone(t *testing.T) {
	r := &fakeRing{}
	s := &fakeSender{}
	ev := &fakeEvictor{}
	el := &fakeElection{}
	d := New("server-8001", r, s, ev, el, discardLog())

	d.emitHeartbeat()

	assert.Equal(t, 0, s.count())
}

func TestEmitHeartbeatSendsToRightNeighbor(t *testing.T) {
	r := &fakeRing{right: &ring.Peer{ID: "server-8002"}, leader: "server-8001"}
	s := &fakeSender{}
	ev := &fakeEvictor{}
	el := &fakeElection{}
	d := New("server-8001", r, s, ev, el, discardLog())

	d.emitHeartbeat()

	require.Equal(t, 1, s.count())
	hb, ok := s.out[0].(*wire.Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "server-8001", hb.ServerID)
	assert.True(t, hb.IsLeader)
}
