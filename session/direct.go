package session

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Closi1/Scarlet-messenger/models"
	"github.com/Closi1/Scarlet-messenger/protocol"
)

// acceptLoop waits for inbound direct connections with a bounded deadline so
// shutdown is observed within one poll interval. Each accepted connection is
// handled independently; one peer's error never affects another's.
func (s *Session) acceptLoop() {
	defer s.wg.Done()

	for s.isRunning() {
		s.listener.SetDeadline(time.Now().Add(s.cfg.PollInterval))
		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if s.isRunning() {
				s.log.WithError(err).Warn("accept error")
			}
			continue
		}

		s.trackConn(conn)
		s.wg.Add(1)
		go s.handleInbound(conn)
	}
}

func (s *Session) trackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Session) releaseConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
	conn.Close()
}

// handleInbound reads the single payload a direct connection carries. The
// sender writes one record and closes, so the read runs to end-of-stream.
func (s *Session) handleInbound(conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConn(conn)

	conn.SetReadDeadline(time.Now().Add(s.cfg.SendTimeout))
	data, err := io.ReadAll(conn)
	if err != nil && len(data) == 0 {
		if s.isRunning() {
			s.log.WithError(err).WithField("from", conn.RemoteAddr().String()).Debug("inbound connection dropped")
		}
		return
	}

	payload, err := protocol.Decode(data)
	if err != nil {
		s.log.WithField("from", conn.RemoteAddr().String()).Debug("discarding malformed direct payload")
		return
	}
	if payload.Kind != protocol.KindPrivateMessage {
		return
	}

	msg := models.Message{
		Sender:    payload.Sender,
		Receiver:  payload.Receiver,
		Kind:      models.KindPrivate,
		Text:      payload.Text,
		Timestamp: payload.Time(),
	}

	if err := s.store.AppendMessage(msg); err != nil {
		s.log.WithError(err).Error("failed to store private message")
		return
	}

	s.queue.Push(models.PrivateMessageReceived{Message: msg})
}

// SendPrivate stores the message unconditionally, then, if the receiver is
// currently marked online, delivers it over a short-lived connection from a
// bounded background task. Delivery is store-and-forget: an offline receiver
// or a failed connection still counts as a successful send, and a failure
// flips the receiver offline for subsequent sends.
func (s *Session) SendPrivate(receiver, text string) error {
	now := time.Now().UTC()
	msg := models.Message{
		Sender:    s.Identity(),
		Receiver:  receiver,
		Kind:      models.KindPrivate,
		Text:      text,
		Timestamp: now,
	}

	if err := s.store.AppendMessage(msg); err != nil {
		return err
	}

	peer, ok := s.dir.Lookup(receiver)
	if !ok || !peer.Online {
		return nil
	}

	payload := protocol.PrivateMessage(msg.Sender, receiver, text, now)
	data, err := payload.Encode()
	if err != nil {
		return err
	}

	go s.deliver(receiver, net.JoinHostPort(peer.Addr.String(), strconv.Itoa(peer.Port)), data)
	return nil
}

// deliver opens a one-shot connection to the receiver's advertised endpoint
// and writes the payload. It runs to its own bounded timeout and is never
// cancelled; its only side effects are a directory update and an event.
func (s *Session) deliver(receiver, addr string, data []byte) {
	if err := s.sendSem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer s.sendSem.Release(1)

	conn, err := net.DialTimeout("tcp", addr, s.cfg.SendTimeout)
	if err != nil {
		s.deliveryFailed(receiver, err)
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	if _, err := conn.Write(data); err != nil {
		s.deliveryFailed(receiver, err)
		return
	}
}

func (s *Session) deliveryFailed(receiver string, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"receiver": receiver,
	}).Warn("private message delivery failed, marking peer offline")

	s.dir.MarkOffline(receiver)
	s.queue.Push(models.ContactsChanged{})
}
