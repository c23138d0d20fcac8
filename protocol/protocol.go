package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrMalformedPayload = errors.New("malformed payload")

const (
	KindPresence       = "presence"
	KindGroupMessage   = "group_message"
	KindPrivateMessage = "private_message"

	ActionOnline  = "online"
	ActionOffline = "offline"
)

// Payload is the single on-wire record. Every payload is one complete JSON
// object tagged by Kind: one datagram on the multicast channel, or one write
// followed by close on a direct connection. Fields not belonging to the kind
// stay empty and are omitted.
type Payload struct {
	Kind string `json:"type"`

	// presence
	Identity   string `json:"username,omitempty"`
	ListenPort int    `json:"port,omitempty"`
	Action     string `json:"action,omitempty"`

	// group_message / private_message
	Sender    string `json:"sender,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func Presence(identity string, listenPort int, action string) Payload {
	return Payload{
		Kind:       KindPresence,
		Identity:   identity,
		ListenPort: listenPort,
		Action:     action,
	}
}

func GroupMessage(sender, groupID, text string, timestamp time.Time) Payload {
	return Payload{
		Kind:      KindGroupMessage,
		Sender:    sender,
		GroupID:   groupID,
		Text:      text,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
	}
}

func PrivateMessage(sender, receiver, text string, timestamp time.Time) Payload {
	return Payload{
		Kind:      KindPrivateMessage,
		Sender:    sender,
		Receiver:  receiver,
		Text:      text,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
	}
}

func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Time parses the payload timestamp, falling back to now for messages from
// peers with skewed or absent clocks. History stays append-only either way.
func (p Payload) Time() time.Time {
	if t, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		return t
	}
	return time.Now().UTC()
}

// Decode parses a single wire record. Unparseable input, unknown kinds and
// missing required fields all report ErrMalformedPayload; the caller discards
// and keeps its loop running.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, ErrMalformedPayload
	}

	switch p.Kind {
	case KindPresence:
		if p.Identity == "" || p.ListenPort <= 0 {
			return Payload{}, ErrMalformedPayload
		}
		if p.Action != ActionOnline && p.Action != ActionOffline {
			return Payload{}, ErrMalformedPayload
		}
	case KindGroupMessage:
		if p.Sender == "" || p.GroupID == "" || p.Text == "" {
			return Payload{}, ErrMalformedPayload
		}
	case KindPrivateMessage:
		if p.Sender == "" || p.Receiver == "" || p.Text == "" {
			return Payload{}, ErrMalformedPayload
		}
	default:
		return Payload{}, ErrMalformedPayload
	}

	return p, nil
}
