package presence

import (
	"net"
	"sync"

	"github.com/Closi1/Scarlet-messenger/models"
)

// Directory is the runtime-only view of contact reachability, rebuilt from
// the stored contact list at session start with every contact offline. The
// multicast listener is its only writer during normal operation; a failed
// outbound send may additionally flip a contact offline. The lock is held
// only for the duration of a field read or update, never across network I/O.
type Directory struct {
	mu    sync.Mutex
	peers map[string]*models.Peer
}

func NewDirectory(contacts []string) *Directory {
	d := &Directory{peers: make(map[string]*models.Peer)}
	for _, name := range contacts {
		d.peers[name] = &models.Peer{Username: name}
	}
	return d
}

// Add registers a contact as offline. Existing entries keep their state.
func (d *Directory) Add(username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[username]; !ok {
		d.peers[username] = &models.Peer{Username: username}
	}
}

// Known reports whether the username is a tracked contact. Announcements
// from strangers are ignored; you must already watch a peer to see it online.
func (d *Directory) Known(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[username]
	return ok
}

// SetOnline records a presence announcement for a tracked contact and
// reports whether anything actually changed.
func (d *Directory) SetOnline(username string, online bool, addr net.IP, port int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	peer, ok := d.peers[username]
	if !ok {
		return false
	}

	changed := peer.Online != online || !peer.Addr.Equal(addr) || peer.Port != port
	peer.Online = online
	peer.Addr = addr
	peer.Port = port
	return changed
}

// MarkOffline flips a contact offline after a failed outbound connection and
// reports whether it was online before.
func (d *Directory) MarkOffline(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	peer, ok := d.peers[username]
	if !ok || !peer.Online {
		return false
	}
	peer.Online = false
	return true
}

// Lookup returns a copy of the contact's reachability record.
func (d *Directory) Lookup(username string) (models.Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	peer, ok := d.peers[username]
	if !ok {
		return models.Peer{}, false
	}
	return *peer, true
}

// Snapshot returns copies of every tracked contact's record.
func (d *Directory) Snapshot() []models.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	peers := make([]models.Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		peers = append(peers, *peer)
	}
	return peers
}
