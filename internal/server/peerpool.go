package server

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/krezaiguia-a11y/Ring-chat/internal/ring"
	"github.com/krezaiguia-a11y/Ring-chat/internal/ringchat"
	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

// peerLocator resolves a peer id to its dial address; satisfied by
// *ring.Manager.
type peerLocator interface {
	Get(id string) (ring.Peer, bool)
}

// peerPool is a lazy, one-socket-per-peer outbound TCP cache, grounded on
// the teacher's peer.go connect/disconnect/send cycle but dialing plain
// net.Conn instead of a ZeroMQ DEALER socket.
type peerPool struct {
	mu    sync.Mutex
	conns map[string]net.Conn

	ring peerLocator
	log  *logrus.Entry
}

func newPeerPool(ring peerLocator, log *logrus.Entry) *peerPool {
	return &peerPool{conns: make(map[string]net.Conn), ring: ring, log: log}
}

// SendToPeer encodes rec and writes it to id's cached connection, dialing
// one if none exists. On a write failure the cached connection is evicted
// so the failure detector can observe the loss through heartbeat timeout.
func (p *peerPool) SendToPeer(id string, rec wire.Record) error {
	b, err := wire.Encode(rec)
	if err != nil {
		return errors.Wrap(err, "encode outbound record")
	}

	conn, err := p.dial(id)
	if err != nil {
		return err
	}

	if _, err := conn.Write(b); err != nil {
		p.EvictPeer(id)
		return errors.Wrapf(err, "write to peer %s", id)
	}
	return nil
}

func (p *peerPool) dial(id string) (net.Conn, error) {
	p.mu.Lock()
	if conn, ok := p.conns[id]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	peer, ok := p.ring.Get(id)
	if !ok {
		return nil, errors.Errorf("unknown peer %s", id)
	}

	addr := net.JoinHostPort(peer.IP, strconv.Itoa(peer.Port))
	conn, err := net.DialTimeout("tcp", addr, ringchat.OutboundConnectTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial peer %s at %s", id, addr)
	}

	p.mu.Lock()
	p.conns[id] = conn
	p.mu.Unlock()
	return conn, nil
}

// EvictPeer closes and forgets any cached outbound connection to id.
func (p *peerPool) EvictPeer(id string) {
	p.mu.Lock()
	conn, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// closeAll tears down every cached connection, used on shutdown.
func (p *peerPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		conn.Close()
		delete(p.conns, id)
	}
}
