// Package session wires the presence protocol handler, the direct messaging
// handler, the presence directory and the persistent store behind one facade
// constructed per logged-in identity. The presentation layer calls the
// facade's methods and polls DrainEvents on its own cadence; it is never
// called back from a network loop.
package session

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Closi1/Scarlet-messenger/config"
	"github.com/Closi1/Scarlet-messenger/db"
	"github.com/Closi1/Scarlet-messenger/events"
	"github.com/Closi1/Scarlet-messenger/models"
	"github.com/Closi1/Scarlet-messenger/presence"
)

var (
	ErrUnknownIdentity = errors.New("no such account")
	ErrNotRunning      = errors.New("session is not running")
)

// maxOutboundSends bounds concurrent outbound private-message connections so
// a message burst cannot open an unbounded number of sockets.
const maxOutboundSends = 32

type Session struct {
	cfg   *config.Config
	store *db.DB
	dir   *presence.Directory
	queue *events.Queue
	log   *logrus.Entry

	identityMu sync.RWMutex
	identity   string

	mu      sync.Mutex
	running bool
	done    chan struct{}

	mcastConn *net.UDPConn
	mcastAddr *net.UDPAddr
	listener  *net.TCPListener
	tcpPort   int

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	sendSem *semaphore.Weighted
	wg      sync.WaitGroup
}

// New builds a stopped session for a verified identity. The presence
// directory is rebuilt from the stored contact list, every contact offline.
func New(store *db.DB, cfg *config.Config, identity string) (*Session, error) {
	contacts, err := store.Contacts(identity)
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:      cfg,
		store:    store,
		dir:      presence.NewDirectory(contacts),
		queue:    events.NewQueue(),
		identity: identity,
		conns:    make(map[net.Conn]struct{}),
		sendSem:  semaphore.NewWeighted(maxOutboundSends),
		log: logrus.WithFields(logrus.Fields{
			"session":  uuid.NewString(),
			"identity": identity,
		}),
	}, nil
}

// Start opens the multicast socket and the TCP listener and spawns the
// broadcaster, the multicast listener and the connection accept loop.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	groupAddr := net.JoinHostPort(s.cfg.MulticastGroup, strconv.Itoa(s.cfg.MulticastPort))
	mcastAddr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return err
	}

	mcastConn, err := net.ListenMulticastUDP("udp4", nil, mcastAddr)
	if err != nil {
		return err
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: 0})
	if err != nil {
		mcastConn.Close()
		return err
	}

	s.mcastAddr = mcastAddr
	s.mcastConn = mcastConn
	s.listener = listener
	s.tcpPort = listener.Addr().(*net.TCPAddr).Port
	s.done = make(chan struct{})
	s.running = true

	s.log.WithFields(logrus.Fields{
		"multicast": groupAddr,
		"tcp_port":  s.tcpPort,
	}).Info("session started")

	s.wg.Add(3)
	go s.broadcastPresence()
	go s.listenMulticast()
	go s.acceptLoop()

	return nil
}

// Stop flips the running flag, best-effort announces going offline, closes
// every owned socket and waits for the loops to observe shutdown.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)

	s.announce(false)

	s.mcastConn.Close()
	s.listener.Close()
	s.mu.Unlock()

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	if err := s.store.TouchLastSeen(s.Identity(), time.Now()); err != nil {
		s.log.WithError(err).Warn("failed to record last seen")
	}

	s.log.Info("session stopped")
}

func (s *Session) isRunning() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Identity returns the name used for all subsequent protocol traffic. It
// changes only through RenameIdentity.
func (s *Session) Identity() string {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.identity
}

// Port returns the advertised TCP listening port. Zero before Start.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpPort
}

// AddContact starts watching an account's presence. The name must belong to
// a registered account; adding the same contact twice is a no-op.
func (s *Session) AddContact(name string) error {
	if name == s.Identity() {
		return db.ErrInvalidIdentity
	}

	exists, err := s.store.AccountExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownIdentity
	}

	if err := s.store.AddContact(s.Identity(), name); err != nil {
		return err
	}
	s.dir.Add(name)
	s.queue.Push(models.ContactsChanged{})
	return nil
}

// CreateGroup creates a named group chat with this identity as creator and
// first member, returning the new group id.
func (s *Session) CreateGroup(name string) (int64, error) {
	return s.store.CreateGroup(name, s.Identity())
}

// AddGroupMember joins a registered account to a group.
func (s *Session) AddGroupMember(groupID int64, username string) error {
	exists, err := s.store.AccountExists(username)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownIdentity
	}
	return s.store.AddGroupMember(groupID, username)
}

// RenameIdentity renames the account across the whole store. On success all
// subsequent traffic uses the new name; in-flight announcements and open
// connections are unaffected.
func (s *Session) RenameIdentity(newName string) error {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()

	if newName == s.identity {
		return nil
	}
	if err := s.store.RenameAccount(s.identity, newName); err != nil {
		return err
	}

	s.log.WithField("new_identity", newName).Info("identity renamed")
	s.identity = newName
	return nil
}

// UpdateProfile updates the display name and status text; empty fields stay
// unchanged.
func (s *Session) UpdateProfile(displayName, statusText string) error {
	return s.store.UpdateProfile(s.Identity(), displayName, statusText)
}

// Contacts returns a snapshot of every watched contact's reachability.
func (s *Session) Contacts() []models.Peer {
	return s.dir.Snapshot()
}

// Groups lists the groups this identity belongs to.
func (s *Session) Groups() ([]models.Group, error) {
	return s.store.Groups(s.Identity())
}

// PrivateHistory returns the stored conversation with one contact.
func (s *Session) PrivateHistory(contact string) ([]models.Message, error) {
	return s.store.PrivateHistory(s.Identity(), contact, s.cfg.HistoryLimit)
}

// GroupHistory returns the stored history of one group.
func (s *Session) GroupHistory(groupID int64) ([]models.Message, error) {
	return s.store.GroupHistory(groupID, s.cfg.HistoryLimit)
}

// AllHistory returns every stored message touching this identity.
func (s *Session) AllHistory() ([]models.Message, error) {
	return s.store.AllHistory(s.Identity(), s.cfg.HistoryLimit)
}

// DrainEvents returns and removes all currently queued events without
// blocking.
func (s *Session) DrainEvents() []models.Event {
	return s.queue.Drain()
}
