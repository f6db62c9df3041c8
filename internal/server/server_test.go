package server

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return logrus.NewEntry(l)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestClientTableBroadcastEvictsFailedWriter(t *testing.T) {
	tbl := newClientTable()
	good := &recordingConn{}
	bad := &failingConn{}
	tbl.register("c1", "alice", good)
	tbl.register("c2", "bob", bad)

	tbl.broadcast(wire.NewChatMessage("alice", "hi", "c1"), discardLog())

	assert.Equal(t, 1, tbl.size())
	assert.Len(t, good.writes, 1)
}

type recordingConn struct {
	writes [][]byte
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

type failingConn struct{}

func (failingConn) Write(p []byte) (int, error) { return 0, net.ErrClosed }

// TestClientSessionHandshake exercises the real connection-layer handshake
// end to end over an in-memory net.Pipe: a CLIENT_JOIN first frame must
// produce a WELCOME, then a USER_JOINED notification, then a
// MESSAGE_HISTORY, matching spec.md §4.7.
func TestClientSessionHandshake(t *testing.T) {
	s := New("server-8001", "127.0.0.1", 8001, discardLog())
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(serverSide)
		close(done)
	}()

	join := wire.NewClientJoin("client-1", "alice")
	b, err := wire.Encode(join)
	require.NoError(t, err)
	_, err = clientSide.Write(b)
	require.NoError(t, err)

	reader := bufio.NewReader(clientSide)

	welcomeLine, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	welcomeRec, err := wire.Decode(welcomeLine[:len(welcomeLine)-1])
	require.NoError(t, err)
	welcome, ok := welcomeRec.(*wire.Welcome)
	require.True(t, ok)
	assert.Equal(t, "server-8001", welcome.ServerID)

	notifyLine, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	notifyRec, err := wire.Decode(notifyLine[:len(notifyLine)-1])
	require.NoError(t, err)
	notify, ok := notifyRec.(*wire.Notification)
	require.True(t, ok)
	assert.Equal(t, wire.NotifyUserJoined, notify.NotificationType)

	historyLine, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	historyRec, err := wire.Decode(historyLine[:len(historyLine)-1])
	require.NoError(t, err)
	_, ok = historyRec.(*wire.MessageHistory)
	require.True(t, ok)

	clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return after client disconnect")
	}
}

// TestOnDiscoveredAddsToRingAndStartsElection wires two real Server
// instances over loopback TCP and verifies that discovering a second
// member drives a full Chang-Roberts traversal to convergence on the
// larger id, per spec.md §8 scenario 2. It calls OnDiscovered directly
// rather than going through discovery.Start: that keeps the test
// scoped to ring/election/TCP wiring, independent of the UDP multicast
// beacon exercised separately in package discovery.
func TestOnDiscoveredAddsToRingAndStartsElection(t *testing.T) {
	a := New("server-18001", "127.0.0.1", 18001, discardLog())
	b := New("server-18002", "127.0.0.1", 18002, discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startListenerOnly(t, ctx, a)
	startListenerOnly(t, ctx, b)

	a.OnDiscovered("server-18002", "127.0.0.1", 18002)
	b.OnDiscovered("server-18001", "127.0.0.1", 18001)

	require.Eventually(t, func() bool {
		la, okA := a.ring.GetLeader()
		lb, okB := b.ring.GetLeader()
		return okA && okB && la.ID == "server-18002" && lb.ID == "server-18002"
	}, 5*time.Second, 20*time.Millisecond)
}

// startListenerOnly binds s's real TCP listener and accept loop without
// starting UDP discovery.
func startListenerOnly(t *testing.T, ctx context.Context, s *Server) {
	t.Helper()
	ln, err := net.Listen("tcp", net.JoinHostPort(s.ip, strconv.Itoa(s.port)))
	require.NoError(t, err)
	s.listener = ln.(*net.TCPListener)
	go s.acceptLoop(ctx)
	t.Cleanup(func() { s.listener.Close() })
}

func TestOnDiscoveredDuplicateIsNoop(t *testing.T) {
	s := New("server-8001", "127.0.0.1", 8001, discardLog())
	s.OnDiscovered("server-8002", "127.0.0.1", 8002)

	require.Eventually(t, func() bool { return s.ring.Size() == 2 }, 2*time.Second, 10*time.Millisecond)

	s.OnDiscovered("server-8002", "127.0.0.1", 8002)
	assert.Equal(t, 2, s.ring.Size())
}
