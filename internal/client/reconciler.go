// Package client is the headless editor side of the collaboration protocol:
// a Reconciler binds one document at a time to the local cache and keeps a
// Session connected to the sync server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/localcache"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultFlushDelay  = 800 * time.Millisecond
	defaultAuthTimeout = 10 * time.Second
)

var (
	errMissingServerURL   = errors.New("client: server url required")
	errMissingCache       = errors.New("client: local cache required")
	errMissingTokenSource = errors.New("client: token source required")
	errInvalidDocumentID  = errors.New("client: document id required")
)

// TokenSource returns the bearer credential for the next connection attempt.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Config describes how a Reconciler reaches the server and where it caches state.
type Config struct {
	// ServerURL is the http(s) base of the sync server.
	ServerURL      string
	TokenSource    TokenSource
	Cache          *localcache.Store
	Identity       protocol.Identity
	Dialer         *websocket.Dialer
	HTTPClient     *http.Client
	FlushDelay     time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	AuthTimeout    time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
	OnAuthFailure  func(err error)
	OnStateChange  func(state State)
	OnRemoteChange func()

	websocketBase string
}

// Reconciler owns at most one active Session.
type Reconciler struct {
	cfg    Config
	mu     sync.Mutex
	active *Session
}

// NewReconciler validates cfg and applies defaults.
func NewReconciler(cfg Config) (*Reconciler, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.ServerURL))
	if err != nil || base.Host == "" {
		return nil, errMissingServerURL
	}
	switch base.Scheme {
	case "https":
		cfg.websocketBase = "wss://" + base.Host + strings.TrimRight(base.Path, "/")
	case "http":
		cfg.websocketBase = "ws://" + base.Host + strings.TrimRight(base.Path, "/")
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", errMissingServerURL, base.Scheme)
	}
	cfg.ServerURL = base.Scheme + "://" + base.Host + strings.TrimRight(base.Path, "/")
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.TokenSource == nil {
		return nil, errMissingTokenSource
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Reconciler{cfg: cfg}, nil
}

// Open binds documentID: the previous session is closed and its cache written
// first, then the new session loads local state and connects.
func (r *Reconciler) Open(documentID string) (*Session, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, errInvalidDocumentID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		if err := r.active.Close(); err != nil {
			r.cfg.Logger.Warn("previous session cache write failed",
				zap.String("document", r.active.DocumentID()),
				zap.Error(err),
			)
		}
		r.active = nil
	}
	session := newSession(documentID, r.cfg)
	r.active = session
	session.start()
	return session, nil
}

// Active returns the bound session, or nil.
func (r *Reconciler) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Close closes the active session.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	err := r.active.Close()
	r.active = nil
	return err
}
