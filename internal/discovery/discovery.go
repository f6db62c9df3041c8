// Package discovery implements the UDP multicast beacon described in
// spec.md §4.2, grounded on the teacher's beacon.Beacon: one goroutine
// broadcasting on an interval, one goroutine listening, both guarded by
// an embedded mutex around the terminated flag exactly as the teacher
// does in beacon/beacon.go.
package discovery

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/krezaiguia-a11y/Ring-chat/internal/ringchat"
	"github.com/krezaiguia-a11y/Ring-chat/internal/wire"
)

// Sink receives newly-discovered peers. Discovery only publishes
// existence (spec.md §4.2); liveness is the failure detector's job.
type Sink interface {
	OnDiscovered(id, ip string, port int)
}

// Service is a single node's discovery beacon: sender and listener share
// one multicast socket.
type Service struct {
	sync.Mutex

	selfID string
	ip     string
	port   int
	sink   Sink
	log    *logrus.Entry

	conn       *ipv4.PacketConn
	group      *net.UDPAddr
	terminated bool
	wg         sync.WaitGroup
	quit       chan struct{}

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// New constructs a discovery service for selfID, bound to ip:port as the
// address it will advertise.
func New(selfID, ip string, port int, sink Sink, log *logrus.Entry) *Service {
	return &Service{
		selfID: selfID,
		ip:     ip,
		port:   port,
		sink:   sink,
		log:    log,
		quit:   make(chan struct{}),
		seen:   make(map[string]time.Time),
	}
}

// Start joins the multicast group on every interface and begins the
// announce/listen goroutines.
func (s *Service) Start() error {
	lc := net.ListenConfig{Control: setReuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("", strconv.Itoa(ringchat.MulticastPort)))
	if err != nil {
		return errors.Wrap(err, "bind multicast receiver")
	}
	conn := pc.(*net.UDPConn)

	p := ipv4.NewPacketConn(conn)
	s.group = &net.UDPAddr{IP: net.ParseIP(ringchat.MulticastGroup), Port: ringchat.MulticastPort}

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "list interfaces")
	}

	joined := 0
	for i := range ifaces {
		if err := p.JoinGroup(&ifaces[i], s.group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return errors.New("no interfaces to bind to")
	}

	if err := p.SetMulticastTTL(ringchat.MulticastTTL); err != nil {
		s.log.WithError(err).Warn("failed to set multicast TTL")
	}
	_ = p.SetMulticastLoopback(true)

	s.conn = p

	s.wg.Add(2)
	go s.listen()
	go s.announce()

	return nil
}

// setReuseAddr sets SO_REUSEADDR on the receiver before bind, per
// spec.md §6, so more than one node process on the same host can join
// the multicast group on its well-known port.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}

// Close stops both goroutines and releases the socket, mirroring the
// teacher's wake-then-wait-then-close shutdown in beacon.Close.
func (s *Service) Close() {
	s.Lock()
	if s.terminated {
		s.Unlock()
		return
	}
	s.terminated = true
	close(s.quit)
	s.Unlock()

	if s.conn != nil {
		// Wake up the blocking read in listen().
		s.conn.WriteTo(nil, nil, s.group)
	}
	s.wg.Wait()

	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Service) announce() {
	defer s.wg.Done()

	ticker := time.NewTicker(ringchat.DiscoveryInterval)
	defer ticker.Stop()

	for {
		s.Lock()
		done := s.terminated
		s.Unlock()
		if done {
			return
		}

		rec := wire.NewDiscoveryAnnounce(s.selfID, s.ip, s.port)
		b, err := wire.Encode(rec)
		if err == nil {
			if _, err := s.conn.WriteTo(b, nil, s.group); err != nil {
				s.log.WithError(err).Debug("failed to send discovery beacon")
			}
		}

		select {
		case <-ticker.C:
		case <-s.quit:
			return
		}
	}
}

func (s *Service) listen() {
	defer s.wg.Done()

	buf := make([]byte, wire.MaxRecordSize)
	for {
		s.Lock()
		done := s.terminated
		s.Unlock()
		if done {
			return
		}

		n, _, _, err := s.conn.ReadFrom(buf)
		if err != nil || n == 0 {
			continue
		}

		rec, err := wire.Decode(bytes.TrimSpace(buf[:n]))
		if err != nil {
			s.log.WithError(err).Debug("dropping malformed discovery datagram")
			continue
		}
		ann, ok := rec.(*wire.DiscoveryAnnounce)
		if !ok {
			continue
		}
		if ann.ID == s.selfID {
			continue
		}

		s.seenMu.Lock()
		_, known := s.seen[ann.ID]
		s.seen[ann.ID] = time.Now()
		s.seenMu.Unlock()

		if !known {
			s.sink.OnDiscovered(ann.ID, ann.IP, ann.Port)
		}
	}
}

