package collab

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/serroba/scenesync/internal/acl"
	"github.com/serroba/scenesync/internal/ws"
)

// Session is one client connection to one document. Outgoing messages go
// through a bounded queue drained by a dedicated writer goroutine, so a slow
// client never stalls its room.
type Session struct {
	ID     string
	UserID string
	Role   acl.Role

	client *ws.Client
	send   chan ws.Message
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	closing     chan struct{}
	closingOnce sync.Once
}

// NewSession wraps conn for userID with the given access role.
func NewSession(conn ws.Conn, userID string, role acl.Role, buffer int, logger zerolog.Logger) *Session {
	if buffer <= 0 {
		buffer = 256
	}

	id := uuid.NewString()

	return &Session{
		ID:      id,
		UserID:  userID,
		Role:    role,
		client:  ws.NewClient(id, userID, conn),
		send:    make(chan ws.Message, buffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		logger:  logger.With().Str("session", id).Str("user", userID).Logger(),
	}
}

// Enqueue queues msg for delivery. A full queue means the client cannot keep
// up: the session is closed and false returned. The client reconnects and
// resyncs.
func (s *Session) Enqueue(msg ws.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- msg:
		return true
	default:
		s.logger.Warn().Msg("send buffer full, disconnecting")
		s.Close()

		return false
	}
}

func (s *Session) enqueuePayload(kind ws.Kind, docID string, payload any) bool {
	msg, err := ws.NewMessage(kind, docID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("encode message")

		return false
	}

	return s.Enqueue(msg)
}

func (s *Session) enqueueError(docID, code, message string) bool {
	return s.enqueuePayload(ws.KindError, docID, ws.ErrorPayload{Code: code, Message: message})
}

// writeLoop drains the send queue until the session closes.
func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.send:
			if err := s.client.Send(msg); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				s.Close()

				return
			}
		case <-s.closing:
			s.flush()
			s.Close()

			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) flush() {
	for {
		select {
		case msg := <-s.send:
			if err := s.client.Send(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Shutdown delivers the messages already queued and then closes the
// session.
func (s *Session) Shutdown() {
	s.closingOnce.Do(func() {
		close(s.closing)
	})
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.client.Close()
	})
}
