package session

import (
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Closi1/Scarlet-messenger/models"
	"github.com/Closi1/Scarlet-messenger/protocol"
)

const readBufferSize = 4096

// announce emits one presence datagram to the multicast group. Best effort:
// the next broadcaster tick repeats it anyway.
func (s *Session) announce(online bool) {
	action := protocol.ActionOnline
	if !online {
		action = protocol.ActionOffline
	}

	payload := protocol.Presence(s.Identity(), s.tcpPort, action)
	data, err := payload.Encode()
	if err != nil {
		s.log.WithError(err).Warn("failed to encode presence announcement")
		return
	}

	if _, err := s.mcastConn.WriteToUDP(data, s.mcastAddr); err != nil {
		if s.isRunning() {
			s.log.WithError(err).Warn("presence broadcast failed")
		}
	}
}

// broadcastPresence announces this identity every presence interval until
// shutdown. The final offline announcement is emitted by Stop.
func (s *Session) broadcastPresence() {
	defer s.wg.Done()

	s.announce(true)

	ticker := time.NewTicker(s.cfg.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.announce(true)
		case <-s.done:
			return
		}
	}
}

// listenMulticast receives presence announcements and group messages from
// the shared channel. Reads are bounded so shutdown is observed within one
// poll interval; malformed datagrams are discarded without stopping the loop.
func (s *Session) listenMulticast() {
	defer s.wg.Done()

	buffer := make([]byte, readBufferSize)
	for s.isRunning() {
		s.mcastConn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		length, addr, err := s.mcastConn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if s.isRunning() {
				s.log.WithError(err).Warn("multicast read error")
			}
			continue
		}

		payload, err := protocol.Decode(buffer[:length])
		if err != nil {
			s.log.WithField("from", addr.String()).Debug("discarding malformed datagram")
			continue
		}

		switch payload.Kind {
		case protocol.KindPresence:
			s.handlePresence(payload, addr)
		case protocol.KindGroupMessage:
			s.handleGroupMessage(payload)
		}
	}
}

// handlePresence updates the directory entry for a known contact. Strangers
// and our own looped-back announcements are ignored.
func (s *Session) handlePresence(payload protocol.Payload, addr *net.UDPAddr) {
	if payload.Identity == s.Identity() || !s.dir.Known(payload.Identity) {
		return
	}

	online := payload.Action == protocol.ActionOnline
	s.dir.SetOnline(payload.Identity, online, addr.IP, payload.ListenPort)
	s.queue.Push(models.ContactsChanged{})

	s.log.WithFields(logrus.Fields{
		"contact": payload.Identity,
		"action":  payload.Action,
		"addr":    addr.IP.String(),
		"port":    payload.ListenPort,
	}).Debug("presence updated")
}

// handleGroupMessage mirrors an inbound group message into the store and
// hands it to the consumer. Our own messages were already stored on send and
// are dropped here.
func (s *Session) handleGroupMessage(payload protocol.Payload) {
	if payload.Sender == s.Identity() {
		return
	}

	msg := models.Message{
		Sender:    payload.Sender,
		Receiver:  payload.GroupID,
		Kind:      models.KindGroup,
		Text:      payload.Text,
		Timestamp: payload.Time(),
	}

	if err := s.store.AppendMessage(msg); err != nil {
		s.log.WithError(err).Error("failed to store group message")
		return
	}

	s.queue.Push(models.GroupMessageReceived{Message: msg})
}

// SendGroup transmits a group message to the multicast channel and appends
// it to history under this identity; delivery to members is best effort.
func (s *Session) SendGroup(groupID int64, text string) error {
	s.mu.Lock()
	conn, mcastAddr := s.mcastConn, s.mcastAddr
	running := s.running
	s.mu.Unlock()

	if !running {
		return ErrNotRunning
	}

	now := time.Now().UTC()
	groupName := strconv.FormatInt(groupID, 10)
	payload := protocol.GroupMessage(s.Identity(), groupName, text, now)
	data, err := payload.Encode()
	if err != nil {
		return err
	}

	var sendErr error
	if _, err := conn.WriteToUDP(data, mcastAddr); err != nil {
		sendErr = err
	}

	// History does not rely on our own multicast loopback.
	msg := models.Message{
		Sender:    s.Identity(),
		Receiver:  groupName,
		Kind:      models.KindGroup,
		Text:      text,
		Timestamp: now,
	}
	if err := s.store.AppendMessage(msg); err != nil {
		return err
	}

	return sendErr
}
