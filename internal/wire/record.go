// Package wire implements the newline-framed JSON record protocol shared
// by every TCP and UDP exchange in the cluster: one tagged-variant struct
// per record type (spec.md's redesign of the original's polymorphic
// `type` dispatch), each carrying the common envelope fields plus its own
// payload.
package wire

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the payload carried by a record.
type Type string

const (
	TypeDiscoveryAnnounce  Type = "DISCOVERY_ANNOUNCE"
	TypeElection           Type = "ELECTION"
	TypeLeaderAnnouncement Type = "LEADER_ANNOUNCEMENT"
	TypeHeartbeat          Type = "HEARTBEAT"
	TypeClientJoin         Type = "CLIENT_JOIN"
	TypeClientLeave        Type = "CLIENT_LEAVE"
	TypeChatMessage        Type = "CHAT_MESSAGE"
	TypeForwardMessage     Type = "FORWARD_MESSAGE"
	TypeNotification       Type = "NOTIFICATION"
	TypeMessageHistory     Type = "MESSAGE_HISTORY"
	TypeWelcome            Type = "WELCOME"
)

// Notification kinds carried by a NOTIFICATION record.
const (
	NotifyUserJoined    = "USER_JOINED"
	NotifyUserLeft      = "USER_LEFT"
	NotifyLeaderChanged = "LEADER_CHANGED"
	NotifyServerJoined  = "SERVER_JOINED"
	NotifyServerLeft    = "SERVER_LEFT"
)

// MaxRecordSize is the largest encoded record (header + payload) allowed
// on the wire, per spec.md §4.1/§6.
const MaxRecordSize = 4096

// Header carries the three fields common to every record. Anonymous
// embedding flattens these into the enclosing record's JSON object.
type Header struct {
	Type      Type      `json:"type"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

func newHeader(t Type) Header {
	return Header{
		Type:      t,
		MessageID: uuid.NewString(),
		// UTC() strips the monotonic reading so a record compares equal
		// to itself after a JSON round trip.
		Timestamp: time.Now().UTC(),
	}
}

// Record is implemented by every concrete record type.
type Record interface {
	GetHeader() Header
}

// TopologyEntry is one row of a LEADER_ANNOUNCEMENT's ring_topology list.
type TopologyEntry struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	IsLeader bool   `json:"is_leader"`
}

type DiscoveryAnnounce struct {
	Header
	ID   string `json:"id"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func NewDiscoveryAnnounce(id, ip string, port int) *DiscoveryAnnounce {
	return &DiscoveryAnnounce{Header: newHeader(TypeDiscoveryAnnounce), ID: id, IP: ip, Port: port}
}

func (r *DiscoveryAnnounce) GetHeader() Header { return r.Header }

type Election struct {
	Header
	CandidateID  string `json:"candidate_id"`
	OriginatorID string `json:"originator_id"`
	HopCount     int    `json:"hop_count"`
}

func NewElection(candidateID, originatorID string, hopCount int) *Election {
	return &Election{Header: newHeader(TypeElection), CandidateID: candidateID, OriginatorID: originatorID, HopCount: hopCount}
}

func (r *Election) GetHeader() Header { return r.Header }

type LeaderAnnouncement struct {
	Header
	LeaderID     string          `json:"leader_id"`
	RingTopology []TopologyEntry `json:"ring_topology"`
}

func NewLeaderAnnouncement(leaderID string, topology []TopologyEntry) *LeaderAnnouncement {
	return &LeaderAnnouncement{Header: newHeader(TypeLeaderAnnouncement), LeaderID: leaderID, RingTopology: topology}
}

func (r *LeaderAnnouncement) GetHeader() Header { return r.Header }

type Heartbeat struct {
	Header
	ServerID string `json:"server_id"`
	IsLeader bool   `json:"is_leader"`
}

func NewHeartbeat(serverID string, isLeader bool) *Heartbeat {
	return &Heartbeat{Header: newHeader(TypeHeartbeat), ServerID: serverID, IsLeader: isLeader}
}

func (r *Heartbeat) GetHeader() Header { return r.Header }

type ClientJoin struct {
	Header
	ClientID string `json:"client_id"`
	Username string `json:"username"`
}

func NewClientJoin(clientID, username string) *ClientJoin {
	return &ClientJoin{Header: newHeader(TypeClientJoin), ClientID: clientID, Username: username}
}

func (r *ClientJoin) GetHeader() Header { return r.Header }

type ClientLeave struct {
	Header
	ClientID string `json:"client_id"`
	Username string `json:"username"`
}

func NewClientLeave(clientID, username string) *ClientLeave {
	return &ClientLeave{Header: newHeader(TypeClientLeave), ClientID: clientID, Username: username}
}

func (r *ClientLeave) GetHeader() Header { return r.Header }

// ChatMessage is both a standalone record and the "original" payload
// embedded inside FORWARD_MESSAGE and MESSAGE_HISTORY; it is immutable
// once created, per spec.md §3.
type ChatMessage struct {
	Header
	Username string `json:"username"`
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

func NewChatMessage(username, content, clientID string) *ChatMessage {
	return &ChatMessage{Header: newHeader(TypeChatMessage), Username: username, Content: content, ClientID: clientID}
}

func (r *ChatMessage) GetHeader() Header { return r.Header }

type ForwardMessage struct {
	Header
	Original       *ChatMessage `json:"original_message"`
	OriginServerID string       `json:"origin_server_id"`
}

func NewForwardMessage(original *ChatMessage, originServerID string) *ForwardMessage {
	return &ForwardMessage{Header: newHeader(TypeForwardMessage), Original: original, OriginServerID: originServerID}
}

func (r *ForwardMessage) GetHeader() Header { return r.Header }

type Notification struct {
	Header
	NotificationType string `json:"notification_type"`
	Username         string `json:"username,omitempty"`
	LeaderID         string `json:"leader_id,omitempty"`
	Message          string `json:"message,omitempty"`
}

func NewNotification(kind string) *Notification {
	return &Notification{Header: newHeader(TypeNotification), NotificationType: kind}
}

func (r *Notification) GetHeader() Header { return r.Header }

type MessageHistory struct {
	Header
	Messages []*ChatMessage `json:"messages"`
}

func NewMessageHistory(messages []*ChatMessage) *MessageHistory {
	return &MessageHistory{Header: newHeader(TypeMessageHistory), Messages: messages}
}

func (r *MessageHistory) GetHeader() Header { return r.Header }

type Welcome struct {
	Header
	Message  string `json:"message"`
	ServerID string `json:"server_id"`
}

func NewWelcome(message, serverID string) *Welcome {
	return &Welcome{Header: newHeader(TypeWelcome), Message: message, ServerID: serverID}
}

func (r *Welcome) GetHeader() Header { return r.Header }
