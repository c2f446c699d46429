package collab

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/crdt"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/documents"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
	"go.uber.org/zap"
)

const testTimeout = 3 * time.Second

// pipeConn is an in-memory Conn: the test plays the client on the other end.
type pipeConn struct {
	toServer   chan frame
	fromServer chan frame
	closed     chan struct{}
	closeOnce  sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toServer:   make(chan frame, 64),
		fromServer: make(chan frame, 1024),
		closed:     make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.toServer:
		return f.messageType, f.payload, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *pipeConn) WriteMessage(messageType int, payload []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.fromServer <- frame{messageType: messageType, payload: append([]byte(nil), payload...)}:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// stalledConn never completes a write until closed.
type stalledConn struct {
	*pipeConn
}

func (c stalledConn) WriteMessage(int, []byte) error {
	<-c.closed
	return net.ErrClosed
}

type memoryStore struct {
	mu        sync.Mutex
	records   map[documents.DocumentName]documents.SnapshotRecord
	loads     int
	attempts  int
	upserts   int
	failNext  int
	loadError error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[documents.DocumentName]documents.SnapshotRecord)}
}

func (s *memoryStore) Load(_ context.Context, name documents.DocumentName) (documents.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadError != nil {
		return documents.SnapshotRecord{}, s.loadError
	}
	record, ok := s.records[name]
	if !ok {
		return documents.SnapshotRecord{}, documents.ErrSnapshotNotFound
	}
	return record, nil
}

func (s *memoryStore) Upsert(_ context.Context, name documents.DocumentName, state []byte, contentJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("database unavailable")
	}
	s.upserts++
	s.records[name] = documents.NewSnapshotRecord(name, state, contentJSON, time.Now())
	return nil
}

func (s *memoryStore) seed(name documents.DocumentName, state []byte, contentJSON string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = documents.NewSnapshotRecord(name, state, contentJSON, time.Now())
}

func (s *memoryStore) counts() (loads, attempts, upserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.attempts, s.upserts
}

func (s *memoryStore) record(name documents.DocumentName) (documents.SnapshotRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[name]
	return record, ok
}

func newTestManager(t *testing.T, store SnapshotStore, mutate func(cfg *Config)) *Manager {
	t.Helper()
	cfg := Config{
		Store:           store,
		Logger:          zap.NewNop(),
		PersistDebounce: time.Minute,
		PersistMaxWait:  time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return manager
}

// testPeer plays a client: it mirrors every binary frame into its own replica.
type testPeer struct {
	t        *testing.T
	conn     *pipeConn
	replica  *crdt.Document
	identity protocol.Identity
	served   chan error
}

func connectPeer(t *testing.T, manager *Manager, name string, userID string, preferLocal bool) *testPeer {
	t.Helper()
	return connectPeerWithReplica(t, manager, name, userID, preferLocal, crdt.New())
}

func connectPeerWithReplica(t *testing.T, manager *Manager, name string, userID string, preferLocal bool, replica *crdt.Document) *testPeer {
	t.Helper()
	peer := &testPeer{
		t:        t,
		conn:     newPipeConn(),
		replica:  replica,
		identity: protocol.Identity{ID: userID, Name: "User " + userID},
		served:   make(chan error, 1),
	}
	request := ConnectRequest{Document: documents.DocumentName(name), PreferLocal: preferLocal}
	go func() {
		peer.served <- manager.Serve(context.Background(), peer.conn, peer.identity, request)
	}()
	peer.expectMessage(protocol.TypeAuthenticated)
	t.Cleanup(func() { _ = peer.conn.Close() })
	return peer
}

func (p *testPeer) sendUpdate(update []byte) {
	p.conn.toServer <- frame{messageType: binaryFrame, payload: update}
}

func (p *testPeer) sendMessage(message protocol.Message) {
	encoded, err := protocol.Encode(message)
	if err != nil {
		p.t.Fatalf("encode failed: %v", err)
	}
	p.conn.toServer <- frame{messageType: textFrame, payload: encoded}
}

func (p *testPeer) edit(text string) []byte {
	p.t.Helper()
	update, err := p.replica.Edit("peer edit", func(tx *crdt.Tx) error {
		_, err := tx.AppendBlock(crdt.BlockParagraph, text)
		return err
	})
	if err != nil {
		p.t.Fatalf("edit failed: %v", err)
	}
	p.sendUpdate(update)
	return update
}

// sync pushes the replica's full state and waits for the acknowledgement.
func (p *testPeer) sync() {
	p.t.Helper()
	p.sendUpdate(p.replica.Save())
	p.sendMessage(protocol.Sync())
	p.expectMessage(protocol.TypeSynced)
}

// roundTrip waits until every frame sent so far has been processed.
func (p *testPeer) roundTrip() {
	p.t.Helper()
	p.sendMessage(protocol.Sync())
	p.expectMessage(protocol.TypeSynced)
}

// expectMessage reads frames until a control message of messageType arrives.
func (p *testPeer) expectMessage(messageType string) protocol.Message {
	p.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case f := <-p.conn.fromServer:
			if f.messageType == binaryFrame {
				if err := p.replica.ApplyUpdate(f.payload); err != nil {
					p.t.Fatalf("peer failed to apply update: %v", err)
				}
				continue
			}
			message, err := protocol.Decode(f.payload)
			if err != nil {
				p.t.Fatalf("peer received malformed frame: %v", err)
			}
			if message.Type == messageType {
				return message
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s", messageType)
			return protocol.Message{}
		}
	}
}

// waitForContent drains frames until the replica projection satisfies check.
func (p *testPeer) waitForContent(check func(string) bool) string {
	p.t.Helper()
	deadline := time.After(testTimeout)
	for {
		content, err := p.replica.ContentJSON()
		if err != nil {
			p.t.Fatalf("projection failed: %v", err)
		}
		if check(content) {
			return content
		}
		select {
		case f := <-p.conn.fromServer:
			if f.messageType == binaryFrame {
				if err := p.replica.ApplyUpdate(f.payload); err != nil {
					p.t.Fatalf("peer failed to apply update: %v", err)
				}
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for content, last: %s", content)
			return ""
		}
	}
}

func (p *testPeer) disconnect() {
	_ = p.conn.Close()
	select {
	case <-p.served:
	case <-time.After(testTimeout):
		p.t.Fatalf("session did not end after disconnect")
	}
}

func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", message)
}

func paragraphState(t *testing.T, text string) *crdt.Document {
	t.Helper()
	document := crdt.New()
	if _, err := document.Edit("seed", func(tx *crdt.Tx) error {
		_, err := tx.AppendBlock(crdt.BlockParagraph, text)
		return err
	}); err != nil {
		t.Fatalf("seed edit failed: %v", err)
	}
	return document
}
