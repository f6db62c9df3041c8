package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	seen map[string][2]interface{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(map[string][2]interface{})}
}

func (r *recordingSink) OnDiscovered(id, ip string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[id] = [2]interface{}{ip, port}
}

func (r *recordingSink) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return logrus.NewEntry(l)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestStartTwiceOnSameHostSucceeds verifies SO_REUSEADDR is actually set on
// the multicast receiver (spec.md §6): two Service instances both binding
// ringchat.MulticastPort on the same host, exactly as two node processes
// on one machine must for every multi-node scenario in spec.md §8, must
// both succeed rather than the second returning "address already in use".
func TestStartTwiceOnSameHostSucceeds(t *testing.T) {
	a := New("server-8001", "127.0.0.1", 8001, newRecordingSink(), discardLog())
	require.NoError(t, a.Start())
	defer a.Close()

	b := New("server-8002", "127.0.0.1", 8002, newRecordingSink(), discardLog())
	require.NoError(t, b.Start())
	defer b.Close()
}

// TestDuplicateAnnounceFiresOnce replays inline, on s.seen, the first-seen
// check that listen() applies before firing OnDiscovered: the first
// sighting of an id finds it unknown, a repeat finds it known. It does not
// run listen() itself and is not a substitute for
// TestStartTwiceOnSameHostSucceeds above.
func TestDuplicateAnnounceFiresOnce(t *testing.T) {
	sink := newRecordingSink()
	s := New("server-8001", "10.0.0.1", 8001, sink, discardLog())

	s.seenMu.Lock()
	_, known := s.seen["server-8002"]
	s.seen["server-8002"] = time.Now()
	s.seenMu.Unlock()
	require.False(t, known)
	sink.OnDiscovered("server-8002", "10.0.0.2", 8002)

	s.seenMu.Lock()
	_, known = s.seen["server-8002"]
	s.seenMu.Unlock()
	require.True(t, known)
	assert.True(t, sink.has("server-8002"))
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New("server-8001", "10.0.0.1", 8001, newRecordingSink(), discardLog())
	s.terminated = true
	// Close on an already-terminated, never-started service must not panic.
	s.Close()
}
