package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// probe is unmarshaled first to discover which concrete type to decode
// into, mirroring the teacher's signature-then-id dispatch in msg.Unmarshal.
type probe struct {
	Type Type `json:"type"`
}

// Encode serializes a record and appends the newline frame terminator.
func Encode(r Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	if len(b) > MaxRecordSize {
		return nil, errors.Errorf("encoded record of %d bytes exceeds max %d", len(b), MaxRecordSize)
	}
	return append(b, '\n'), nil
}

// Decode parses a single line (without its trailing newline) into its
// concrete record type.
func Decode(line []byte) (Record, error) {
	if len(line) > MaxRecordSize {
		return nil, errors.Errorf("record of %d bytes exceeds max %d", len(line), MaxRecordSize)
	}

	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, errors.Wrap(err, "malformed record")
	}

	var rec Record
	switch p.Type {
	case TypeDiscoveryAnnounce:
		rec = &DiscoveryAnnounce{}
	case TypeElection:
		rec = &Election{}
	case TypeLeaderAnnouncement:
		rec = &LeaderAnnouncement{}
	case TypeHeartbeat:
		rec = &Heartbeat{}
	case TypeClientJoin:
		rec = &ClientJoin{}
	case TypeClientLeave:
		rec = &ClientLeave{}
	case TypeChatMessage:
		rec = &ChatMessage{}
	case TypeForwardMessage:
		rec = &ForwardMessage{}
	case TypeNotification:
		rec = &Notification{}
	case TypeMessageHistory:
		rec = &MessageHistory{}
	case TypeWelcome:
		rec = &Welcome{}
	default:
		return nil, errors.Errorf("unknown record type %q", p.Type)
	}

	if err := json.Unmarshal(line, rec); err != nil {
		return nil, errors.Wrap(err, "malformed record")
	}
	return rec, nil
}

// Decoder reads newline-framed records off a stream. Malformed lines are
// dropped and logged rather than returned as errors, so a badly-formed
// peer never desyncs the stream (spec.md §4.1/§7 ProtocolError policy).
type Decoder struct {
	sc  *bufio.Scanner
	log *logrus.Entry
}

// NewDecoder wraps r. log may be nil, in which case dropped lines are silent.
func NewDecoder(r io.Reader, log *logrus.Entry) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, MaxRecordSize), MaxRecordSize)
	return &Decoder{sc: sc, log: log}
}

// ReadRecord returns the next well-formed record, skipping malformed or
// empty lines. It returns io.EOF once the underlying stream is exhausted.
func (d *Decoder) ReadRecord() (Record, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := Decode(line)
		if err != nil {
			if d.log != nil {
				d.log.WithError(err).Warn("dropping malformed record")
			}
			continue
		}
		return rec, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read record")
	}
	return nil, io.EOF
}
