package collab

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/documents"
)

func TestParseConnectRequestDefaults(t *testing.T) {
	testCases := []struct {
		name            string
		document        string
		preferLocal     string
		wantPreferLocal bool
		wantErr         bool
	}{
		{name: "prefer local", document: "doc-1", preferLocal: "1", wantPreferLocal: true},
		{name: "trust server", document: "doc-1", preferLocal: "0"},
		{name: "missing flag", document: "doc-1"},
		{name: "garbage flag", document: "doc-1", preferLocal: "maybe"},
		{name: "empty document", document: "  ", preferLocal: "1", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request, err := ParseConnectRequest(testCase.document, "token", testCase.preferLocal)
			if testCase.wantErr {
				if !errors.Is(err, documents.ErrInvalidDocumentName) {
					t.Fatalf("expected invalid name, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if request.PreferLocal != testCase.wantPreferLocal {
				t.Fatalf("preferLocal = %v, want %v", request.PreferLocal, testCase.wantPreferLocal)
			}
			if request.Credential != "token" {
				t.Fatalf("credential not carried")
			}
		})
	}
}

func TestConnectRequestFromHTTP(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/collab/doc-9?preferLocal=1", http.NoBody)
	parsed, err := ConnectRequestFromHTTP("doc-9", "secret", request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Document != "doc-9" || !parsed.PreferLocal {
		t.Fatalf("unexpected request: %+v", parsed)
	}
}

func TestPendingSaveCoalescesTouches(t *testing.T) {
	fired := make(chan struct{}, 10)
	pending := newPendingSave(100*time.Millisecond, time.Second, time.Now, func() {
		fired <- struct{}{}
	})
	for index := 0; index < 5; index++ {
		pending.touch()
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("expected timer to fire")
	}
	if !pending.take() {
		t.Fatalf("expected dirty state to be taken")
	}
	if pending.take() {
		t.Fatalf("second take must report nothing to save")
	}
	select {
	case <-fired:
		t.Fatalf("expected a single firing for the burst")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPendingSaveRetryAndStop(t *testing.T) {
	fired := make(chan struct{}, 10)
	pending := newPendingSave(20*time.Millisecond, 20*time.Millisecond, time.Now, func() {
		fired <- struct{}{}
	})
	pending.retry()
	if !pending.isDirty() {
		t.Fatalf("retry must mark the document dirty")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("expected retry timer to fire")
	}

	pending.stop()
	pending.touch()
	select {
	case <-fired:
		t.Fatalf("stopped pending save must not schedule")
	case <-time.After(100 * time.Millisecond):
	}
}
