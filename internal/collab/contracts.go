// Package collab hosts the document session manager: it owns one replicated
// document per name, relays updates between the sessions attached to it and
// writes the merged state back through the snapshot store on a debounce.
package collab

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/documents"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
)

var (
	// ErrUnauthenticated indicates a missing, malformed or expired credential.
	ErrUnauthenticated = errors.New("collab: unauthenticated")
	// ErrForbidden indicates that the authorizer refused the session.
	ErrForbidden = errors.New("collab: forbidden")
	// ErrManagerClosed indicates that the manager is shutting down.
	ErrManagerClosed = errors.New("collab: manager closed")
	// ErrSnapshotUnavailable indicates the durable snapshot could not be read.
	ErrSnapshotUnavailable = errors.New("collab: snapshot unavailable")
	// ErrMissingStore indicates that no snapshot store was configured.
	ErrMissingStore = errors.New("collab: snapshot store required")
)

// Authenticator verifies a bearer credential and returns the collaborator identity.
// Implementations must fail closed with an error wrapping ErrUnauthenticated.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (protocol.Identity, error)
}

// AuthorizeFunc decides whether identity may join the named document.
type AuthorizeFunc func(ctx context.Context, identity protocol.Identity, name documents.DocumentName) error

// AllowAll admits every authenticated identity.
func AllowAll(context.Context, protocol.Identity, documents.DocumentName) error {
	return nil
}

// SnapshotStore is the persistence gateway contract used by the manager.
type SnapshotStore interface {
	Load(ctx context.Context, name documents.DocumentName) (documents.SnapshotRecord, error)
	Upsert(ctx context.Context, name documents.DocumentName, state []byte, contentJSON string) error
}

// Publisher forwards merged updates to other processes serving the same document.
type Publisher interface {
	Publish(ctx context.Context, document string, update []byte) error
}

// Conn is the message transport of one session; *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, payload []byte) error
	Close() error
}

// ConnectRequest is the validated form of the connection parameters.
type ConnectRequest struct {
	Document    documents.DocumentName
	Credential  string
	PreferLocal bool
}

// ParseConnectRequest validates the document name and applies defaults to the
// remaining parameters. Only an invalid document name is an error.
func ParseConnectRequest(rawDocument string, credential string, rawPreferLocal string) (ConnectRequest, error) {
	name, err := documents.NewDocumentName(rawDocument)
	if err != nil {
		return ConnectRequest{}, err
	}
	return ConnectRequest{
		Document:    name,
		Credential:  credential,
		PreferLocal: protocol.ParsePreferLocal(rawPreferLocal),
	}, nil
}

// ConnectRequestFromHTTP reads the connection parameters of an upgrade request.
func ConnectRequestFromHTTP(rawDocument string, credential string, r *http.Request) (ConnectRequest, error) {
	return ParseConnectRequest(rawDocument, credential, r.URL.Query().Get(protocol.QueryPreferLocal))
}
