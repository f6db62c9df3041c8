// Package ringchat holds the process-wide constants and small host-level
// utilities shared by every component, mirroring the constants module the
// original server kept separate from its components.
package ringchat

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultPort is the TCP listen port used when --port is not given.
	DefaultPort = 8001

	// MulticastGroup and MulticastPort identify the UDP discovery beacon.
	MulticastGroup = "239.255.0.1"
	MulticastPort  = 5000
	MulticastTTL   = 2

	// DiscoveryInterval is how often a DISCOVERY_ANNOUNCE beacon is sent.
	DiscoveryInterval = 3 * time.Second

	// ElectionTimeout is the hard cap on an in-progress election.
	ElectionTimeout = 10 * time.Second
	// ElectionMessageDelay paces ELECTION/LEADER_ANNOUNCEMENT forwarding.
	ElectionMessageDelay = 500 * time.Millisecond
	// RingNotReadyRetryDelay is how long a parked election message waits
	// for a right neighbor to appear before it is dropped.
	RingNotReadyRetryDelay = 2 * time.Second
	// ElectionRestartBackoff is the pause before restarting a timed-out election.
	ElectionRestartBackoff = 1 * time.Second

	// HeartbeatInterval is how often a node pings its right neighbor.
	HeartbeatInterval = 2 * time.Second
	// HeartbeatTimeout is 3x HeartbeatInterval, per spec.
	HeartbeatTimeout = 6 * time.Second
	// LeaderCrashBackoff delays re-election after a leader crash is detected.
	LeaderCrashBackoff = 1 * time.Second

	// MaxHistory bounds the replicated chat history buffer.
	MaxHistory = 1000
	// HistoryPageSize is how many entries a newly joined client is sent.
	HistoryPageSize = 50

	// ClientJoinTimeout bounds how long a new connection has to send CLIENT_JOIN.
	ClientJoinTimeout = 10 * time.Second
	// OutboundConnectTimeout bounds dialing a peer.
	OutboundConnectTimeout = 5 * time.Second
	// AcceptTimeout bounds a single Accept() call so shutdown is observed promptly.
	AcceptTimeout = 1 * time.Second
)

// LocalIP returns the outbound IP address of this host, using the
// connect-to-a-public-address trick (no packets actually leave the host
// for a UDP "connect").
func LocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1", nil
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.New("unexpected local address type")
	}
	return addr.IP.String(), nil
}

// GenerateID returns the default node identity for a given port, the Go
// analogue of the original `generate_server_id(port)` helper.
func GenerateID(port int) string {
	return fmt.Sprintf("server-%d", port)
}
