package models

import (
	"net"
	"time"
)

const (
	KindPrivate = "private"
	KindGroup   = "group"
)

type Account struct {
	ID       int64
	Username string
	Password string // bcrypt hash
}

type Profile struct {
	Username    string
	DisplayName string
	StatusText  string
	LastSeen    time.Time
}

type Contact struct {
	ID      int64
	Owner   string
	Contact string
}

type Group struct {
	ID      int64
	Name    string
	Creator string
}

// Message is one chat utterance. For group messages Receiver holds the
// decimal group id instead of a username.
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Kind      string // "private" or "group"
	Text      string
	Timestamp time.Time
	Read      bool
}

// Peer is the runtime reachability record for one contact. It is never
// persisted; every contact starts a session offline.
type Peer struct {
	Username string
	Online   bool
	Addr     net.IP
	Port     int
}

// Events delivered through the session's event queue.

type Event interface {
	event()
}

// ContactsChanged signals that some contact's reachability changed.
type ContactsChanged struct{}

type GroupMessageReceived struct {
	Message Message
}

type PrivateMessageReceived struct {
	Message Message
}

func (ContactsChanged) event()        {}
func (GroupMessageReceived) event()   {}
func (PrivateMessageReceived) event() {}
