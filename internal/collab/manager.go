package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/documents"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPersistDebounce = 3 * time.Second
	defaultPersistMaxWait  = 10 * time.Second
	defaultOutboundBuffer  = 256
	defaultSaveTimeout     = 10 * time.Second
	defaultPublishTimeout  = 2 * time.Second
)

// Config describes the dependencies and tuning of a Manager.
type Config struct {
	Store           SnapshotStore
	Publisher       Publisher
	Authorize       AuthorizeFunc
	Logger          *zap.Logger
	Clock           func() time.Time
	PersistDebounce time.Duration
	PersistMaxWait  time.Duration
	OutboundBuffer  int
	SaveTimeout     time.Duration
}

// Manager owns the live documents of this process and the sessions attached to them.
type Manager struct {
	mu        sync.Mutex
	documents map[documents.DocumentName]*activeDocument
	closed    bool
	sessions  sync.WaitGroup

	store          SnapshotStore
	publisher      Publisher
	authorize      AuthorizeFunc
	logger         *zap.Logger
	clock          func() time.Time
	debounce       time.Duration
	maxWait        time.Duration
	outboundBuffer int
	saveTimeout    time.Duration
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	manager := &Manager{
		documents:      make(map[documents.DocumentName]*activeDocument),
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		authorize:      cfg.Authorize,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		debounce:       cfg.PersistDebounce,
		maxWait:        cfg.PersistMaxWait,
		outboundBuffer: cfg.OutboundBuffer,
		saveTimeout:    cfg.SaveTimeout,
	}
	if manager.authorize == nil {
		manager.authorize = AllowAll
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	if manager.clock == nil {
		manager.clock = time.Now
	}
	if manager.debounce <= 0 {
		manager.debounce = defaultPersistDebounce
	}
	if manager.maxWait <= 0 {
		manager.maxWait = defaultPersistMaxWait
	}
	if manager.maxWait < manager.debounce {
		manager.maxWait = manager.debounce
	}
	if manager.outboundBuffer <= 0 {
		manager.outboundBuffer = defaultOutboundBuffer
	}
	if manager.saveTimeout <= 0 {
		manager.saveTimeout = defaultSaveTimeout
	}
	return manager, nil
}

// Serve runs one authenticated connection until it ends. Admission failures
// are reported to the peer with an error frame before the connection closes.
func (m *Manager) Serve(ctx context.Context, conn Conn, identity protocol.Identity, request ConnectRequest) error {
	session, err := m.Connect(ctx, request, identity, conn)
	if err != nil {
		if encoded, encodeErr := protocol.Encode(protocol.Error(admissionMessage(err))); encodeErr == nil {
			_ = conn.WriteMessage(textFrame, encoded)
		}
		_ = conn.Close()
		return err
	}
	readErr := session.readLoop(ctx)
	m.Disconnect(session)
	if readErr != nil && !isClosedError(readErr) {
		session.logger.Debug("session read ended", zap.Error(readErr))
	}
	return nil
}

// Connect admits identity to the requested document: it activates the document,
// loads the durable snapshot unless the client claims local authority, then
// queues the attach frames and starts the session writer.
func (m *Manager) Connect(ctx context.Context, request ConnectRequest, identity protocol.Identity, conn Conn) (*Session, error) {
	if identity.ID == "" {
		return nil, ErrUnauthenticated
	}
	if err := m.authorize(ctx, identity, request.Document); err != nil {
		m.logger.Warn("session rejected",
			zap.String("document", request.Document.String()),
			zap.String("user_id", identity.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if identity.Color == "" {
		identity.Color = protocol.ColorFor(identity.ID)
	}

	doc, err := m.open(request.Document)
	if err != nil {
		return nil, err
	}
	if !request.PreferLocal {
		if _, err := m.loadIfAuthoritative(ctx, doc); err != nil {
			m.release(doc)
			return nil, err
		}
	}

	session := newSession(sessionConfig{
		id:          uuid.NewString(),
		identity:    identity,
		document:    doc,
		preferLocal: request.PreferLocal,
		connectedAt: m.clock().UTC(),
		conn:        conn,
		buffer:      m.outboundBuffer,
		manager:     m,
	})
	m.sessions.Add(1)
	doc.attach(session)
	go session.writeLoop()

	session.logger.Info("session connected",
		zap.Bool("prefer_local", session.PreferLocal()),
		zap.Time("connected_at", session.ConnectedAt()),
	)
	return session, nil
}

// LoadIfAuthoritative merges the durable snapshot into an active document once
// per activation. A client claiming local authority suppresses the load; the
// return value reports whether a snapshot was applied.
func (m *Manager) LoadIfAuthoritative(ctx context.Context, name documents.DocumentName, preferLocal bool) (bool, error) {
	if preferLocal {
		return false, nil
	}
	doc := m.lookup(name)
	if doc == nil {
		return false, nil
	}
	return m.loadIfAuthoritative(ctx, doc)
}

func (m *Manager) loadIfAuthoritative(ctx context.Context, doc *activeDocument) (bool, error) {
	doc.loadMu.Lock()
	defer doc.loadMu.Unlock()
	if doc.loaded {
		return false, nil
	}

	record, err := m.store.Load(ctx, doc.name)
	if errors.Is(err, documents.ErrSnapshotNotFound) {
		doc.loaded = true
		m.logger.Debug("no snapshot, starting empty", zap.String("document", doc.name.String()))
		return false, nil
	}
	if err != nil {
		m.logger.Error("snapshot load failed", zap.String("document", doc.name.String()), zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	applied, err := doc.mergeSnapshot(record.State())
	doc.loaded = true
	if err != nil {
		m.logger.Error("snapshot merge failed, starting from empty state",
			zap.String("document", doc.name.String()),
			zap.Int("bytes", len(record.State())),
			zap.Error(err),
		)
		return false, nil
	}
	m.logger.Debug("snapshot loaded", zap.String("document", doc.name.String()), zap.Int("bytes", len(record.State())))
	return applied, nil
}

// Disconnect detaches a session, clears its presence for the remaining
// sessions and, when it was the last one, flushes and evicts the document.
func (m *Manager) Disconnect(session *Session) {
	session.detachOnce.Do(func() {
		doc := session.document
		doc.detach(session)
		session.close()
		session.logger.Info("session disconnected")
		m.release(doc)
		m.sessions.Done()
	})
}

// ApplyRemote merges an update received from another process. Documents not
// active here are ignored; their owner persists them.
func (m *Manager) ApplyRemote(document string, update []byte) {
	doc := m.lookup(documents.DocumentName(document))
	if doc == nil {
		return
	}
	changed, err := doc.merge(nil, update)
	if err != nil {
		m.logger.Warn("remote update rejected", zap.String("document", document), zap.Error(err))
		return
	}
	if changed {
		doc.pending.touch()
	}
}

// Flush writes the document immediately when it has unsaved changes.
func (m *Manager) Flush(ctx context.Context, name documents.DocumentName) error {
	doc := m.lookup(name)
	if doc == nil {
		return nil
	}
	return m.flush(ctx, doc)
}

// Shutdown closes every session, waits for them to detach and flushes all
// documents that still hold unsaved changes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	active := make([]*activeDocument, 0, len(m.documents))
	for _, doc := range m.documents {
		active = append(active, doc)
	}
	m.mu.Unlock()

	for _, doc := range active {
		for _, session := range doc.sessionList() {
			session.close()
		}
	}

	drained := make(chan struct{})
	go func() {
		m.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for sessions", zap.Error(ctx.Err()))
	}

	var errs []error
	for _, doc := range active {
		if err := m.flush(ctx, doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", doc.name, err))
		}
		doc.pending.stop()
	}
	m.logger.Info("session manager stopped", zap.Int("documents", len(active)))
	return errors.Join(errs...)
}

// Documents returns the number of active documents.
func (m *Manager) Documents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.documents)
}

// SessionCount returns the number of sessions attached to name.
func (m *Manager) SessionCount(name documents.DocumentName) int {
	doc := m.lookup(name)
	if doc == nil {
		return 0
	}
	return len(doc.sessionList())
}

// Presence returns a copy of the awareness entries of name keyed by client id.
func (m *Manager) Presence(name documents.DocumentName) map[string]json.RawMessage {
	doc := m.lookup(name)
	if doc == nil {
		return map[string]json.RawMessage{}
	}
	return doc.presence()
}

// ContentJSON returns the projection of an active document.
func (m *Manager) ContentJSON(name documents.DocumentName) (string, bool, error) {
	doc := m.lookup(name)
	if doc == nil {
		return "", false, nil
	}
	content, err := doc.state.ContentJSON()
	return content, true, err
}

func (m *Manager) open(name documents.DocumentName) (*activeDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	doc, ok := m.documents[name]
	if !ok {
		doc = newActiveDocument(name, m)
		m.documents[name] = doc
		m.logger.Debug("document activated", zap.String("document", name.String()))
	}
	doc.refs++
	return doc, nil
}

func (m *Manager) lookup(name documents.DocumentName) *activeDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documents[name]
}

// release drops one reference; the last one triggers a final flush and eviction.
func (m *Manager) release(doc *activeDocument) {
	m.mu.Lock()
	doc.refs--
	last := doc.refs == 0
	m.mu.Unlock()
	if !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
	defer cancel()
	_ = m.flush(ctx, doc)
	m.evictIfIdle(doc)
}

// flush writes the current state when the document is dirty. A failed write
// is logged and rescheduled for the next debounce cycle.
func (m *Manager) flush(ctx context.Context, doc *activeDocument) error {
	doc.saveMu.Lock()
	defer doc.saveMu.Unlock()
	if !doc.pending.take() {
		return nil
	}

	state, contentJSON, err := m.saveState(ctx, doc)
	if err != nil {
		m.logger.Error("snapshot preparation failed, retrying on next cycle", zap.String("document", doc.name.String()), zap.Error(err))
		doc.pending.retry()
		return err
	}
	if err := m.store.Upsert(ctx, doc.name, state, contentJSON); err != nil {
		m.logger.Error("snapshot save failed, retrying on next cycle",
			zap.String("document", doc.name.String()),
			zap.Error(err),
		)
		doc.pending.retry()
		return err
	}
	m.logger.Debug("snapshot saved", zap.String("document", doc.name.String()), zap.Int("bytes", len(state)))
	return nil
}

// saveState returns the state to persist. Until the activation has loaded the
// durable snapshot, the stored history is merged into a copy of the live
// state so a save never drops edits other sessions already persisted.
func (m *Manager) saveState(ctx context.Context, doc *activeDocument) ([]byte, string, error) {
	doc.loadMu.Lock()
	loaded := doc.loaded
	doc.loadMu.Unlock()
	if loaded {
		return doc.snapshot()
	}

	record, err := m.store.Load(ctx, doc.name)
	if errors.Is(err, documents.ErrSnapshotNotFound) {
		return doc.snapshot()
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	merged, err := doc.clone()
	if err != nil {
		return nil, "", err
	}
	if err := merged.MergeSnapshot(record.State()); err != nil {
		m.logger.Error("stored snapshot unreadable, saving live state",
			zap.String("document", doc.name.String()),
			zap.Error(err),
		)
		return doc.snapshot()
	}
	contentJSON, err := merged.ContentJSON()
	if err != nil {
		return nil, "", err
	}
	return merged.Save(), contentJSON, nil
}

// evictIfIdle drops a document with no sessions and no unsaved changes.
func (m *Manager) evictIfIdle(doc *activeDocument) bool {
	doc.saveMu.Lock()
	defer doc.saveMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.refs > 0 || doc.pending.isDirty() || m.documents[doc.name] != doc {
		return false
	}
	delete(m.documents, doc.name)
	doc.pending.stop()
	m.logger.Debug("document evicted", zap.String("document", doc.name.String()))
	return true
}

func (m *Manager) onSaveTimer(doc *activeDocument) {
	ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
	defer cancel()
	_ = m.flush(ctx, doc)
	m.evictIfIdle(doc)
}

func (m *Manager) publish(doc *activeDocument, update []byte) {
	if m.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, doc.name.String(), update); err != nil {
		m.logger.Warn("relay publish failed", zap.String("document", doc.name.String()), zap.Error(err))
	}
}

func admissionMessage(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return protocol.ErrorForbidden
	case errors.Is(err, ErrManagerClosed):
		return protocol.ErrorShutdown
	case errors.Is(err, ErrSnapshotUnavailable):
		return protocol.ErrorUnavailable
	default:
		return protocol.ErrorRejected
	}
}
