package collab

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/crdt"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/documents"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
)

// activeDocument is one live replicated document. mu serializes merges with
// fan-out so every session queue sees updates in merge order.
type activeDocument struct {
	name  documents.DocumentName
	state *crdt.Document

	// refs is guarded by Manager.mu.
	refs int

	mu        sync.Mutex
	sessions  map[string]*Session
	awareness map[string]json.RawMessage

	loadMu sync.Mutex
	loaded bool

	saveMu  sync.Mutex
	pending *pendingSave
}

func newActiveDocument(name documents.DocumentName, manager *Manager) *activeDocument {
	doc := &activeDocument{
		name:      name,
		state:     crdt.New(),
		sessions:  make(map[string]*Session),
		awareness: make(map[string]json.RawMessage),
	}
	doc.pending = newPendingSave(manager.debounce, manager.maxWait, manager.clock, func() {
		manager.onSaveTimer(doc)
	})
	return doc
}

// attach registers the session and queues its attach frames under the same
// lock as fan-out, so no update slips between the state copy and registration.
func (d *activeDocument) attach(session *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[session.id] = session
	session.sendMessage(protocol.Authenticated(session.identity))
	if len(d.state.Heads()) > 0 {
		session.sendBinary(d.state.Save())
	}
	for clientID, state := range d.awareness {
		if clientID == session.id {
			continue
		}
		session.sendMessage(protocol.Awareness(clientID, state))
	}
}

func (d *activeDocument) detach(session *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, session.id)
	if _, ok := d.awareness[session.id]; ok {
		delete(d.awareness, session.id)
		d.broadcastMessageLocked(session.id, protocol.Awareness(session.id, nil))
	}
}

// merge applies update and relays it verbatim to every session except origin
// when it moved the heads.
func (d *activeDocument) merge(origin *Session, update []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed, err := d.state.MergeUpdate(update)
	if err != nil || !changed {
		return false, err
	}
	originID := ""
	if origin != nil {
		originID = origin.id
	}
	for id, session := range d.sessions {
		if id == originID {
			continue
		}
		session.sendBinary(update)
	}
	return true, nil
}

// mergeSnapshot merges a durable snapshot; sessions already attached receive it
// when it added history they lack.
func (d *activeDocument) mergeSnapshot(state []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := headsKey(d.state.Heads())
	if err := d.state.MergeSnapshot(state); err != nil {
		return false, err
	}
	if headsKey(d.state.Heads()) == before {
		return false, nil
	}
	for _, session := range d.sessions {
		session.sendBinary(state)
	}
	return true, nil
}

func (d *activeDocument) setAwareness(session *Session, message protocol.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if message.Removed() {
		if _, ok := d.awareness[session.id]; !ok {
			return
		}
		delete(d.awareness, session.id)
		d.broadcastMessageLocked(session.id, protocol.Awareness(session.id, nil))
		return
	}
	state := append(json.RawMessage(nil), message.State...)
	d.awareness[session.id] = state
	d.broadcastMessageLocked(session.id, protocol.Awareness(session.id, state))
}

func (d *activeDocument) broadcastMessageLocked(originID string, message protocol.Message) {
	encoded, err := protocol.Encode(message)
	if err != nil {
		return
	}
	for id, session := range d.sessions {
		if id == originID {
			continue
		}
		session.send(frame{messageType: textFrame, payload: encoded})
	}
}

// snapshot returns the binary state and its projection from the same heads.
func (d *activeDocument) snapshot() ([]byte, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	contentJSON, err := d.state.ContentJSON()
	if err != nil {
		return nil, "", err
	}
	return d.state.Save(), contentJSON, nil
}

func (d *activeDocument) clone() (*crdt.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

func (d *activeDocument) presence() map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := make(map[string]json.RawMessage, len(d.awareness))
	for id, state := range d.awareness {
		copied[id] = append(json.RawMessage(nil), state...)
	}
	return copied
}

func (d *activeDocument) sessionList() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, session := range d.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func headsKey(heads []string) string {
	sorted := append([]string(nil), heads...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
