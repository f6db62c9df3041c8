// Package server is the connection layer: it accepts inbound TCP,
// classifies each new socket as a client or peer session, owns the
// outbound peer socket cache and the local client table, and wires the
// six control-plane components together, per spec.md §4.7.
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/krezaiguia-a11y/Ring-chat/internal/discovery"
	"github.com/krezaiguia-a11y/Ring-chat/internal/election"
	"github.com/krezaiguia-a11y/Ring-chat/internal/failuredetector"
	"github.com/krezaiguia-a11y/Ring-chat/internal/replication"
	"github.com/krezaiguia-a11y/Ring-chat/internal/ring"
	"github.com/krezaiguia-a11y/Ring-chat/internal/ringchat"
	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

// Server is a single chat node: TCP acceptor plus the wired control plane.
type Server struct {
	selfID string
	ip     string
	port   int
	log    *logrus.Entry

	ring        *ring.Manager
	election    *election.Engine
	detector    *failuredetector.Detector
	discovery   *discovery.Service
	replication *replication.Engine
	history     *replication.HistoryBuffer

	peers   *peerPool
	clients *clientTable

	listener *net.TCPListener
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New wires every component for selfID listening on ip:port.
func New(selfID, ip string, port int, log *logrus.Entry) *Server {
	s := &Server{
		selfID:  selfID,
		ip:      ip,
		port:    port,
		log:     log,
		clients: newClientTable(),
		history: replication.NewHistoryBuffer(ringchat.MaxHistory),
	}

	s.ring = ring.New(selfID, ip, port)
	s.peers = newPeerPool(s.ring, log.WithField("component", "peers"))
	s.election = election.New(selfID, s.ring, s.peers, s, log.WithField("component", "election"))
	s.detector = failuredetector.New(selfID, s.ring, s.peers, s.peers, s.election, log.WithField("component", "failuredetector"))
	s.replication = replication.New(selfID, s.ring, s.peers, s, s.history, log.WithField("component", "replication"))
	s.discovery = discovery.New(selfID, ip, port, s, log.WithField("component", "discovery"))

	return s
}

// Start binds the TCP listener, joins multicast discovery, and spawns
// every long-lived loop. ctx governs cooperative shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.ip, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "bind tcp listener")
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.New("unexpected listener type")
	}
	s.listener = tcpLn

	if err := s.discovery.Start(); err != nil {
		s.listener.Close()
		return errors.Wrap(err, "start discovery")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.detector.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop(runCtx)
	}()

	s.log.WithFields(logrus.Fields{"id": s.selfID, "addr": addr}).Info("server started")
	return nil
}

// Shutdown stops every loop and releases sockets, mirroring the teacher's
// wake-then-wait shutdown idiom from node.go's Disconnect.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.discovery.Close()
	s.wg.Wait()
	s.peers.closeAll()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.listener.SetDeadline(time.Now().Add(ringchat.AcceptTimeout))
		conn, err := s.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.log.WithError(err).Warn("accept failed")
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads the first framed record and classifies the connection
// as a client session or a peer session, per spec.md §4.7.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(ringchat.ClientJoinTimeout))
	dec := wire.NewDecoder(conn, s.log)
	first, err := dec.ReadRecord()
	if err != nil {
		s.log.WithError(err).Debug("connection closed before a first record arrived")
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch rec := first.(type) {
	case *wire.ClientJoin:
		s.handleClientSession(conn, dec, rec)
	case *wire.Heartbeat, *wire.Election, *wire.LeaderAnnouncement, *wire.ForwardMessage:
		s.dispatchPeerRecord(rec)
		s.handlePeerSession(dec)
	default:
		s.log.WithField("type", first.GetHeader().Type).Warn("unexpected first record, closing connection")
	}
}

func (s *Server) handleClientSession(conn net.Conn, dec *wire.Decoder, join *wire.ClientJoin) {
	s.clients.register(join.ClientID, join.Username, conn)
	defer func() {
		if username, ok := s.clients.remove(join.ClientID); ok {
			s.broadcastNotification(wire.NotifyUserLeft, username, "")
		}
	}()

	s.sendTo(conn, wire.NewWelcome("welcome to the ring", s.selfID))
	s.broadcastNotification(wire.NotifyUserJoined, join.Username, "")
	s.sendTo(conn, wire.NewMessageHistory(s.replication.History(ringchat.HistoryPageSize)))

	for {
		rec, err := dec.ReadRecord()
		if err != nil {
			return
		}
		switch msg := rec.(type) {
		case *wire.ChatMessage:
			s.replication.OnClientMessage(msg)
		case *wire.ClientLeave:
			return
		default:
			s.log.WithField("type", rec.GetHeader().Type).Debug("ignoring unexpected record on client session")
		}
	}
}

func (s *Server) handlePeerSession(dec *wire.Decoder) {
	for {
		rec, err := dec.ReadRecord()
		if err != nil {
			return
		}
		s.dispatchPeerRecord(rec)
	}
}

func (s *Server) dispatchPeerRecord(rec wire.Record) {
	switch msg := rec.(type) {
	case *wire.Heartbeat:
		s.detector.OnHeartbeat(msg.ServerID)
		s.ring.TouchHeartbeat(msg.ServerID, time.Now())
	case *wire.Election:
		s.election.HandleElection(msg)
	case *wire.LeaderAnnouncement:
		s.election.HandleLeaderAnnouncement(msg)
	case *wire.ForwardMessage:
		s.replication.OnForwardMessage(msg)
	default:
		s.log.WithField("type", rec.GetHeader().Type).Debug("dropping unrecognized peer record")
	}
}

func (s *Server) sendTo(conn net.Conn, rec wire.Record) {
	b, err := wire.Encode(rec)
	if err != nil {
		s.log.WithError(err).Error("failed to encode record for client")
		return
	}
	if _, err := conn.Write(b); err != nil {
		s.log.WithError(err).Warn("failed to write record to client")
	}
}

func (s *Server) broadcastNotification(kind, username, leaderID string) {
	n := wire.NewNotification(kind)
	n.Username = username
	n.LeaderID = leaderID
	s.clients.broadcast(n, s.log)
}

// OnLeaderElected implements election.LeaderSink.
func (s *Server) OnLeaderElected(leaderID string) {
	s.broadcastNotification(wire.NotifyLeaderChanged, "", leaderID)
}

// DeliverLocal implements replication.ClientSink.
func (s *Server) DeliverLocal(msg *wire.ChatMessage) {
	s.clients.broadcast(msg, s.log)
}

// OnDiscovered implements discovery.Sink. A freshly discovered peer is
// added to the ring; if no leader is known yet, or if self was the
// leader before this addition, an election restarts so the (possibly
// new) maximum id is confirmed, per spec.md §4.4 trigger (4).
func (s *Server) OnDiscovered(id, ip string, port int) {
	wasLeader := s.ring.IsLeader(s.selfID)
	added := s.ring.Add(id, ip, port, false)
	if !added {
		return
	}

	s.broadcastNotification(wire.NotifyServerJoined, "", "")

	_, hasLeader := s.ring.GetLeader()
	if !hasLeader {
		s.election.Start("peer discovered")
		return
	}
	if wasLeader {
		s.election.Start("membership changed")
	}
}
