package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/crdt"
	"go.uber.org/zap"
)

const contentCodeFound = "1"

type contentRequest struct {
	FileID string `json:"fileId"`
}

type contentResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Content string `json:"content"`
}

// FetchContent reads the stored projection of documentID over REST. A
// non-success code or missing content yields the empty document; only
// transport failures are errors.
func (r *Reconciler) FetchContent(ctx context.Context, documentID string) (crdt.Node, error) {
	token, err := r.cfg.TokenSource(ctx)
	if err != nil {
		return crdt.Node{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	body, err := json.Marshal(contentRequest{FileID: documentID})
	if err != nil {
		return crdt.Node{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ServerURL+"/doc/getContent", bytes.NewReader(body))
	if err != nil {
		return crdt.Node{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := r.cfg.HTTPClient.Do(request)
	if err != nil {
		return crdt.Node{}, fmt.Errorf("fetch content: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return crdt.Node{}, fmt.Errorf("%w: status %d", ErrAuthFailed, response.StatusCode)
	}

	var payload contentResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		r.cfg.Logger.Warn("content response unreadable", zap.String("document", documentID), zap.Error(err))
		return crdt.EmptyContent(), nil
	}
	if payload.Code != contentCodeFound || payload.Content == "" {
		return crdt.EmptyContent(), nil
	}
	var node crdt.Node
	if err := json.Unmarshal([]byte(payload.Content), &node); err != nil {
		r.cfg.Logger.Warn("stored content unreadable", zap.String("document", documentID), zap.Error(err))
		return crdt.EmptyContent(), nil
	}
	return node, nil
}
