package collab

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	textFrame   = websocket.TextMessage
	binaryFrame = websocket.BinaryMessage

	writeTimeout = 10 * time.Second
)

type frame struct {
	messageType int
	payload     []byte
}

type sessionConfig struct {
	id          string
	identity    protocol.Identity
	document    *activeDocument
	preferLocal bool
	connectedAt time.Time
	conn        Conn
	buffer      int
	manager     *Manager
}

// Session is the server side of one client connection bound to a document.
type Session struct {
	id          string
	identity    protocol.Identity
	document    *activeDocument
	preferLocal bool
	connectedAt time.Time

	conn     Conn
	outbound chan frame
	done     chan struct{}
	manager  *Manager
	logger   *zap.Logger

	closeOnce  sync.Once
	detachOnce sync.Once
}

func newSession(cfg sessionConfig) *Session {
	return &Session{
		id:          cfg.id,
		identity:    cfg.identity,
		document:    cfg.document,
		preferLocal: cfg.preferLocal,
		connectedAt: cfg.connectedAt,
		conn:        cfg.conn,
		outbound:    make(chan frame, cfg.buffer),
		done:        make(chan struct{}),
		manager:     cfg.manager,
		logger: cfg.manager.logger.With(
			zap.String("document", cfg.document.name.String()),
			zap.String("session", cfg.id),
			zap.String("user_id", cfg.identity.ID),
		),
	}
}

// ID returns the client id other sessions see in awareness messages.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the authenticated collaborator.
func (s *Session) Identity() protocol.Identity {
	return s.identity
}

// PreferLocal reports the authority flag the client connected with.
func (s *Session) PreferLocal() bool {
	return s.preferLocal
}

// ConnectedAt returns the time the session was admitted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) sendMessage(message protocol.Message) {
	encoded, err := protocol.Encode(message)
	if err != nil {
		s.logger.Error("encode control message failed", zap.String("type", message.Type), zap.Error(err))
		return
	}
	s.send(frame{messageType: textFrame, payload: encoded})
}

func (s *Session) sendBinary(payload []byte) {
	s.send(frame{messageType: binaryFrame, payload: payload})
}

// send queues a frame without blocking. A full queue closes the session: the
// client resynchronizes from full state on reconnect instead of missing updates.
func (s *Session) send(f frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.outbound <- f:
	default:
		s.logger.Warn("outbound queue overflow, closing session", zap.Int("capacity", cap(s.outbound)))
		s.close()
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) writeLoop() {
	deadliner, hasDeadline := s.conn.(interface{ SetWriteDeadline(time.Time) error })
	for {
		select {
		case <-s.done:
			return
		case f := <-s.outbound:
			if hasDeadline {
				_ = deadliner.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := s.conn.WriteMessage(f.messageType, f.payload); err != nil {
				if !isClosedError(err) {
					s.logger.Debug("session write failed", zap.Error(err))
				}
				s.close()
				return
			}
		}
	}
}

// readLoop handles inbound frames in arrival order until the transport fails
// or ctx ends.
func (s *Session) readLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.close)
	defer stop()
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		switch messageType {
		case binaryFrame:
			s.handleUpdate(payload)
		case textFrame:
			s.handleControl(payload)
		}
	}
}

func (s *Session) handleUpdate(payload []byte) {
	changed, err := s.document.merge(s, payload)
	if err != nil {
		s.logger.Warn("update rejected", zap.Int("bytes", len(payload)), zap.Error(err))
		s.sendMessage(protocol.Error("update rejected"))
		return
	}
	if !changed {
		return
	}
	s.document.pending.touch()
	s.manager.publish(s.document, payload)
}

func (s *Session) handleControl(payload []byte) {
	message, err := protocol.Decode(payload)
	if err != nil {
		s.logger.Debug("control message ignored", zap.Error(err))
		return
	}
	switch message.Type {
	case protocol.TypeSync:
		s.sendMessage(protocol.Synced())
	case protocol.TypeAwareness:
		if !message.Removed() {
			state, err := protocol.BindUser(message.State, s.identity)
			if err != nil {
				s.logger.Debug("awareness state ignored", zap.Error(err))
				return
			}
			message.State = state
		}
		s.document.setAwareness(s, message)
	default:
		s.logger.Debug("unknown control message", zap.String("type", message.Type))
	}
}

func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
