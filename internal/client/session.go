package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/crdt"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrAuthFailed indicates the server refused the credential. It is never retried.
	ErrAuthFailed = errors.New("client: authentication failed")
	// ErrSessionClosed indicates the session was closed.
	ErrSessionClosed = errors.New("client: session closed")
)

// Session is the client end of one document connection. It loads the local
// cache before connecting, pushes its full state on every (re)connect and
// keeps the cache current with local and remote changes.
type Session struct {
	documentID string
	cfg        Config
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	loaded chan struct{}

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	lastErr   error
	doc       *crdt.Document
	presence  map[string]json.RawMessage
	flush     *time.Timer
	conn      *websocket.Conn
	live      bool
	pushes    []time.Time
	closeOnce sync.Once

	writeMu sync.Mutex
}

func newSession(documentID string, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		documentID: documentID,
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("document", documentID)),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		loaded:     make(chan struct{}),
		state:      StateIdle,
		changed:    make(chan struct{}),
		doc:        crdt.New(),
		presence:   make(map[string]json.RawMessage),
	}
}

func (s *Session) start() {
	go s.run()
}

// DocumentID returns the document this session is bound to.
func (s *Session) DocumentID() string {
	return s.documentID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to the error state, or the
// last connection error while disconnected.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// WaitForState blocks until the session reaches target or ctx ends.
func (s *Session) WaitForState(ctx context.Context, target State) error {
	for {
		s.mu.Lock()
		current := s.state
		changed := s.changed
		s.mu.Unlock()
		if current == target {
			return nil
		}
		if current == StateClosed {
			return ErrSessionClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s in %s: %w", target, current, ctx.Err())
		}
	}
}

// Content returns the JSON projection of the local replica.
func (s *Session) Content() (string, error) {
	return s.doc.ContentJSON()
}

// Presence returns the awareness states of the other sessions keyed by client id.
func (s *Session) Presence() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]json.RawMessage, len(s.presence))
	for id, state := range s.presence {
		copied[id] = append(json.RawMessage(nil), state...)
	}
	return copied
}

// Edit applies fn as one local change. The change is marked dirty at once,
// written to the cache after FlushDelay and sent to the server when connected.
// Offline changes reach the server with the full-state push of the next connect.
func (s *Session) Edit(fn func(tx *crdt.Tx) error) error {
	select {
	case <-s.loaded:
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	update, err := s.doc.Edit("local edit", fn)
	if err != nil {
		return err
	}
	if update == nil {
		return nil
	}
	if err := s.cfg.Cache.MarkDirty(s.documentID); err != nil {
		s.logger.Error("mark dirty failed", zap.Error(err))
	}
	s.scheduleFlush()

	// writeMu orders this check against pushState: either the push already
	// carried the change or live is set and it goes out now.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	conn, live := s.conn, s.live
	s.mu.Unlock()
	if !live || conn == nil {
		return nil
	}
	if err := s.sendUpdateLocked(conn, update); err != nil {
		s.logger.Debug("live update not sent, will replay on reconnect", zap.Error(err))
		_ = conn.Close()
	}
	return nil
}

// Close tears the connection down, writes the cache and stops the session.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if s.flush != nil {
			s.flush.Stop()
			s.flush = nil
		}
		s.mu.Unlock()
		<-s.done
		select {
		case <-s.loaded:
			err = s.flushCache()
		default:
		}
		s.setState(StateClosed, nil)
	})
	return err
}

func (s *Session) run() {
	defer close(s.done)

	s.setState(StateAwaitingLocalLoad, nil)
	if err := s.loadLocal(); err != nil {
		close(s.loaded)
		s.setState(StateError, err)
		return
	}
	close(s.loaded)

	retry := newBackoff(s.cfg.MinBackoff, s.cfg.MaxBackoff)
	for {
		err := s.connectOnce(retry)
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			s.logger.Warn("authentication failed", zap.Error(err))
			s.setState(StateError, err)
			if s.cfg.OnAuthFailure != nil {
				s.cfg.OnAuthFailure(err)
			}
			return
		}
		s.setState(StateDisconnected, err)
		delay := retry.next()
		s.logger.Info("connection lost, retrying", zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// loadLocal merges the cached state before any network traffic.
func (s *Session) loadLocal() error {
	entry, ok, err := s.cfg.Cache.Load(s.documentID)
	if err != nil {
		return fmt.Errorf("load local cache: %w", err)
	}
	if !ok || len(entry.State) == 0 {
		return nil
	}
	if err := s.doc.MergeSnapshot(entry.State); err != nil {
		s.logger.Error("local cache corrupt, starting from empty state", zap.Error(err))
		return s.cfg.Cache.Delete(s.documentID)
	}
	s.logger.Debug("local state loaded", zap.Int("bytes", len(entry.State)), zap.Bool("dirty", entry.Meta.Dirty))
	return nil
}

func (s *Session) connectOnce(retry *backoff) error {
	s.setState(StateConnecting, nil)
	token, err := s.cfg.TokenSource(s.ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	preferLocal, err := s.cfg.Cache.IsDirty(s.documentID)
	if err != nil {
		s.logger.Warn("dirty flag unreadable, keeping local state", zap.Error(err))
		preferLocal = true
	}

	conn, response, err := s.cfg.Dialer.DialContext(s.ctx, s.collabURL(token, preferLocal), nil)
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: status %d", ErrAuthFailed, response.StatusCode)
		}
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.dropConn(conn)
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	s.setState(StateAuthenticating, nil)
	if err := s.awaitAuthenticated(conn); err != nil {
		return err
	}

	s.setState(StateSyncing, nil)
	s.publishPresence(conn)
	if err := s.pushState(conn); err != nil {
		return err
	}
	return s.readLoop(conn, retry)
}

func (s *Session) awaitAuthenticated(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType == websocket.BinaryMessage {
			s.applyRemote(payload)
			continue
		}
		message, err := protocol.Decode(payload)
		if err != nil {
			continue
		}
		switch message.Type {
		case protocol.TypeAuthenticated:
			return nil
		case protocol.TypeError:
			if message.Message == protocol.ErrorForbidden {
				return fmt.Errorf("%w: %s", ErrAuthFailed, message.Message)
			}
			return fmt.Errorf("connection refused: %s", message.Message)
		}
	}
}

// pushState sends the full replica followed by a sync marker. Live edits are
// enabled only afterwards so that their dependencies always precede them.
func (s *Session) pushState(conn *websocket.Conn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	pushedAt := s.cfg.Clock()
	if err := conn.WriteMessage(websocket.BinaryMessage, s.doc.Save()); err != nil {
		return err
	}
	if err := s.writeSyncLocked(conn, pushedAt); err != nil {
		return err
	}
	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	return nil
}

func (s *Session) sendUpdateLocked(conn *websocket.Conn, update []byte) error {
	pushedAt := s.cfg.Clock()
	if err := conn.WriteMessage(websocket.BinaryMessage, update); err != nil {
		return err
	}
	return s.writeSyncLocked(conn, pushedAt)
}

// writeSyncLocked queues pushedAt for the matching synced acknowledgement.
func (s *Session) writeSyncLocked(conn *websocket.Conn, pushedAt time.Time) error {
	encoded, err := protocol.Encode(protocol.Sync())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pushes = append(s.pushes, pushedAt)
	s.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, encoded)
}

func (s *Session) publishPresence(conn *websocket.Conn) {
	identity := s.cfg.Identity
	if identity.ID == "" {
		return
	}
	if identity.Color == "" {
		identity.Color = protocol.ColorFor(identity.ID)
	}
	state, err := protocol.UserState(identity)
	if err != nil {
		return
	}
	encoded, err := protocol.Encode(protocol.Message{Type: protocol.TypeAwareness, State: state})
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		s.logger.Debug("presence not sent", zap.Error(err))
	}
}

func (s *Session) readLoop(conn *websocket.Conn, retry *backoff) error {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType == websocket.BinaryMessage {
			s.applyRemote(payload)
			continue
		}
		message, err := protocol.Decode(payload)
		if err != nil {
			s.logger.Debug("control message ignored", zap.Error(err))
			continue
		}
		switch message.Type {
		case protocol.TypeSynced:
			s.acknowledge()
			if s.State() == StateSyncing {
				retry.reset()
				s.setState(StateConnected, nil)
			}
		case protocol.TypeAwareness:
			s.updatePresence(message)
		case protocol.TypeError:
			s.logger.Warn("server reported error", zap.String("message", message.Message))
		}
	}
}

// acknowledge clears the dirty flag for everything pushed before the oldest
// outstanding sync marker.
func (s *Session) acknowledge() {
	s.mu.Lock()
	if len(s.pushes) == 0 {
		s.mu.Unlock()
		return
	}
	pushedAt := s.pushes[0]
	s.pushes = s.pushes[1:]
	s.mu.Unlock()

	cleared, err := s.cfg.Cache.ClearDirty(s.documentID, pushedAt)
	if err != nil {
		s.logger.Error("clear dirty failed", zap.Error(err))
		return
	}
	if cleared {
		s.logger.Debug("local edits acknowledged")
	}
}

func (s *Session) applyRemote(payload []byte) {
	changed, err := s.doc.MergeUpdate(payload)
	if err != nil {
		s.logger.Warn("remote update rejected", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	s.scheduleFlush()
	if s.cfg.OnRemoteChange != nil {
		s.cfg.OnRemoteChange()
	}
}

func (s *Session) updatePresence(message protocol.Message) {
	if message.ClientID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.Removed() {
		delete(s.presence, message.ClientID)
		return
	}
	s.presence[message.ClientID] = append(json.RawMessage(nil), message.State...)
}

func (s *Session) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	s.live = false
	s.pushes = nil
	s.presence = make(map[string]json.RawMessage)
}

func (s *Session) scheduleFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flush != nil || s.ctx.Err() != nil {
		return
	}
	s.flush = time.AfterFunc(s.cfg.FlushDelay, func() {
		s.mu.Lock()
		s.flush = nil
		s.mu.Unlock()
		if err := s.flushCache(); err != nil {
			s.logger.Error("local cache write failed", zap.Error(err))
		}
	})
}

func (s *Session) flushCache() error {
	return s.cfg.Cache.SaveState(s.documentID, s.doc.Save())
}

func (s *Session) setState(next State, cause error) {
	s.mu.Lock()
	current := s.state
	if current == next {
		s.mu.Unlock()
		return
	}
	if err := checkTransition(current, next); err != nil {
		s.mu.Unlock()
		s.logger.Error("state transition refused", zap.Error(err))
		return
	}
	s.state = next
	if cause != nil || next == StateConnected {
		s.lastErr = cause
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.logger.Debug("state changed", zap.String("from", string(current)), zap.String("to", string(next)))
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(next)
	}
}

func (s *Session) collabURL(token string, preferLocal bool) string {
	query := url.Values{}
	query.Set(protocol.QueryToken, token)
	query.Set(protocol.QueryPreferLocal, protocol.FormatPreferLocal(preferLocal))
	return strings.TrimRight(s.cfg.websocketBase, "/") + "/collab/" + url.PathEscape(s.documentID) + "?" + query.Encode()
}
