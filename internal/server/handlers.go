package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/auth"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/collab"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/crdt"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	contentCodeFound    = "1"
	contentCodeNotFound = "0"
	contentCodeFailed   = "-1"
)

// handleCollab authenticates before the upgrade so rejected credentials get a
// plain 401 instead of an open socket.
func (h *httpHandler) handleCollab(c *gin.Context) {
	credential := auth.TokenFromRequest(c.Request)
	if credential == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.authenticator.Authenticate(c.Request.Context(), credential)
	if err != nil {
		logTokenFailure(h.logger, err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	request, err := collab.ConnectRequestFromHTTP(c.Param("document"), credential, c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_document"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("document", request.Document.String()), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.maxFrameBytes)

	if err := h.manager.Serve(c.Request.Context(), conn, identity, request); err != nil {
		h.logger.Info("session refused",
			zap.String("document", request.Document.String()),
			zap.String("user_id", identity.ID),
			zap.Error(err),
		)
	}
}

type contentRequestPayload struct {
	FileID string `json:"fileId"`
}

type contentResponsePayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Content string `json:"content,omitempty"`
}

// handleGetContent serves the live projection when the document is active and
// the stored one otherwise.
func (h *httpHandler) handleGetContent(c *gin.Context) {
	if _, ok := identityFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request contentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, contentResponsePayload{Code: contentCodeFailed, Message: "invalid request"})
		return
	}
	name, err := documents.NewDocumentName(request.FileID)
	if err != nil {
		c.JSON(http.StatusOK, contentResponsePayload{Code: contentCodeNotFound, Message: "document not found or empty"})
		return
	}

	content, active, err := h.manager.ContentJSON(name)
	if err == nil && !active {
		content, err = h.content.Content(c.Request.Context(), name)
	}
	switch {
	case errors.Is(err, documents.ErrSnapshotNotFound):
		c.JSON(http.StatusOK, contentResponsePayload{Code: contentCodeNotFound, Message: "document not found or empty"})
		return
	case err != nil:
		h.logger.Error("content lookup failed", zap.String("document", name.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, contentResponsePayload{Code: contentCodeFailed, Message: "content lookup failed"})
		return
	}
	if content == "" || content == crdt.EmptyContentJSON() {
		c.JSON(http.StatusOK, contentResponsePayload{Code: contentCodeNotFound, Message: "document not found or empty"})
		return
	}
	c.JSON(http.StatusOK, contentResponsePayload{Code: contentCodeFound, Message: "content found", Content: content})
}
