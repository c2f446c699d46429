package protocol

import (
	"encoding/json"
	"testing"
)

func TestParsePreferLocal(t *testing.T) {
	testCases := map[string]bool{
		"1":     true,
		"true":  true,
		" 1 ":   true,
		"0":     false,
		"false": false,
		"":      false,
		"yes":   false,
		"2":     false,
	}
	for raw, expected := range testCases {
		if got := ParsePreferLocal(raw); got != expected {
			t.Fatalf("ParsePreferLocal(%q) = %v, want %v", raw, got, expected)
		}
	}
	if FormatPreferLocal(true) != "1" || FormatPreferLocal(false) != "0" {
		t.Fatalf("unexpected preferLocal formatting")
	}
}

func TestAwarenessRemovalEncodesNullState(t *testing.T) {
	encoded, err := Encode(Awareness("client-1", nil))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(encoded) != `{"type":"awareness","clientId":"client-1","state":null}` {
		t.Fatalf("unexpected encoding: %s", encoded)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded.Removed() {
		t.Fatalf("expected removal")
	}
}

func TestAwarenessStateRoundTrip(t *testing.T) {
	state, err := UserState(Identity{ID: "u1", Name: "Ada", Color: ColorFor("u1")})
	if err != nil {
		t.Fatalf("user state failed: %v", err)
	}
	encoded, err := Encode(Awareness("client-2", state))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Removed() {
		t.Fatalf("expected a live state")
	}
	var parsed map[string]Identity
	if err := json.Unmarshal(decoded.State, &parsed); err != nil {
		t.Fatalf("state unmarshal failed: %v", err)
	}
	if parsed[AwarenessUserKey].Name != "Ada" {
		t.Fatalf("unexpected state: %s", decoded.State)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatalf("expected error for malformed json")
	}
	if _, err := Decode([]byte(`{"clientId":"x"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestColorForIsStable(t *testing.T) {
	if ColorFor("user-1") != ColorFor("user-1") {
		t.Fatalf("expected stable color")
	}
}

func TestBindUserOverridesClaimedIdentity(t *testing.T) {
	claimed := json.RawMessage(`{"user":{"id":"someone-else","name":"Mallory"},"cursor":{"anchor":4}}`)
	bound, err := BindUser(claimed, Identity{ID: "user-a", Name: "Alice", Color: "#958DF1"})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	var parsed struct {
		User   Identity        `json:"user"`
		Cursor json.RawMessage `json:"cursor"`
	}
	if err := json.Unmarshal(bound, &parsed); err != nil {
		t.Fatalf("bound state unreadable: %v", err)
	}
	if parsed.User.ID != "user-a" || parsed.User.Name != "Alice" || parsed.User.Color != "#958DF1" {
		t.Fatalf("expected authenticated identity, got %+v", parsed.User)
	}
	if string(parsed.Cursor) != `{"anchor":4}` {
		t.Fatalf("expected other fields kept, got %s", parsed.Cursor)
	}

	for _, invalid := range []string{`"text"`, `[1,2]`, `42`, `{`} {
		if _, err := BindUser(json.RawMessage(invalid), Identity{ID: "user-a"}); err == nil {
			t.Fatalf("expected %s to be rejected", invalid)
		}
	}
}
