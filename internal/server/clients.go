package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

// clientSession is one locally attached chat user, per spec.md §3's
// ClientSession record.
type clientSession struct {
	conn     writeFlusher
	clientID string
	username string
}

// writeFlusher is the subset of a connection the client table needs to
// deliver a record; satisfied by *net.TCPConn in production and a plain
// net.Conn in tests.
type writeFlusher interface {
	Write(p []byte) (int, error)
}

// clientTable is the connection layer's exclusive owner of locally
// connected client sessions, guarded by its own lock per spec.md §5.
type clientTable struct {
	mu       sync.Mutex
	sessions map[string]*clientSession
}

func newClientTable() *clientTable {
	return &clientTable{sessions: make(map[string]*clientSession)}
}

func (t *clientTable) register(id, username string, conn writeFlusher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = &clientSession{conn: conn, clientID: id, username: username}
}

func (t *clientTable) remove(id string) (username string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return "", false
	}
	delete(t.sessions, id)
	return s.username, true
}

func (t *clientTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// broadcast serializes rec once and writes it to every session, evicting
// any session whose write fails, per spec.md §4.7.
func (t *clientTable) broadcast(rec wire.Record, log *logrus.Entry) {
	b, err := wire.Encode(rec)
	if err != nil {
		log.WithError(err).Error("failed to encode record for client broadcast")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, s := range t.sessions {
		if _, err := s.conn.Write(b); err != nil {
			log.WithField("client_id", id).WithError(err).Warn("client write failed, evicting session")
			delete(t.sessions, id)
		}
	}
}
