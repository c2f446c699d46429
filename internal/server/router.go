package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/collab"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/documents"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey   = "colabdocs_identity"
	defaultMaxFrameBytes = 16 << 20
	bearerPrefix         = "Bearer "
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingManager       = errors.New("session manager dependency required")
	errMissingContentSource = errors.New("content source dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// ContentSource returns the stored JSON projection of a document.
type ContentSource interface {
	Content(ctx context.Context, name documents.DocumentName) (string, error)
}

// Dependencies describes the collaborators of the HTTP surface.
type Dependencies struct {
	Authenticator  collab.Authenticator
	Manager        *collab.Manager
	Content        ContentSource
	Logger         *zap.Logger
	AllowedOrigins []string
	MaxFrameBytes  int64
}

// NewHTTPHandler builds the gin router serving the collaboration websocket,
// the content fetch endpoint and the health check.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.Content == nil {
		return nil, errMissingContentSource
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFrameBytes := deps.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		manager:       deps.Manager,
		content:       deps.Content,
		logger:        logger,
		maxFrameBytes: maxFrameBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/collab/:document", handler.handleCollab)

	protected := router.Group("/doc")
	protected.Use(handler.authorizeRequest)
	protected.POST("/getContent", handler.handleGetContent)

	return router, nil
}

type httpHandler struct {
	authenticator collab.Authenticator
	manager       *collab.Manager
	content       ContentSource
	logger        *zap.Logger
	maxFrameBytes int64
	upgrader      websocket.Upgrader
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// originChecker mirrors the CORS origin list for websocket upgrades.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			return func(*http.Request) bool { return true }
		}
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.authenticator.Authenticate(c.Request.Context(), token)
	if err != nil {
		logTokenFailure(h.logger, err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFromContext(c *gin.Context) (protocol.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return protocol.Identity{}, false
	}
	identity, ok := value.(protocol.Identity)
	return identity, ok && identity.ID != ""
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "documents": h.manager.Documents()})
}
