package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/gaspardpetit/mcprun/internal/mcperr"
)

func TestParseClassifies(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
		key  string
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, KindRequest, "1"},
		{`{"jsonrpc":"2.0","id":"a","result":{}}`, KindResponse, `"a"`},
		{`{"jsonrpc":"2.0","id":3,"error":{"code":-1,"message":"x"}}`, KindResponse, "3"},
		{`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`, KindNotification, ""},
		{`{"jsonrpc":"2.0","id":null,"method":"odd"}`, KindNotification, ""},
	}
	for _, tt := range tests {
		f, err := Parse([]byte(tt.in))
		if err != nil {
			t.Fatalf("parse %s: %v", tt.in, err)
		}
		if f.Kind != tt.kind {
			t.Fatalf("%s: kind %v want %v", tt.in, f.Kind, tt.kind)
		}
		if f.Key() != tt.key {
			t.Fatalf("%s: key %q want %q", tt.in, f.Key(), tt.key)
		}
		if string(f.Raw) != tt.in {
			t.Fatalf("raw not preserved: %s", f.Raw)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{``, `not json`, `{"jsonrpc":"1.0","id":1,"method":"x"}`, `{"jsonrpc":"2.0","id":1}`, `[{"jsonrpc":"2.0","method":"x"}]`} {
		_, err := Parse([]byte(in))
		var pe *mcperr.ProtocolError
		if !errors.As(err, &pe) {
			t.Fatalf("%q: expected protocol error, got %v", in, err)
		}
	}
}

func TestIDKeyDistinguishesTypes(t *testing.T) {
	if IDKey(json.RawMessage(`1`)) == IDKey(json.RawMessage(`"1"`)) {
		t.Fatalf("numeric and string ids must not collide")
	}
	if IDKey(json.RawMessage(` 7 `)) != "7" {
		t.Fatalf("whitespace should be ignored")
	}
}

func TestParseBatchKeepsValidMembers(t *testing.T) {
	frames, err := ParseBatch([]byte(`[{"jsonrpc":"2.0","id":1,"result":{}},{"bad":true},{"jsonrpc":"2.0","method":"n"}]`))
	if err == nil {
		t.Fatalf("expected protocol error for invalid member")
	}
	if len(frames) != 2 || frames[0].Kind != KindResponse || frames[1].Kind != KindNotification {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestInternalIDs(t *testing.T) {
	f, err := NewRequest(InternalPrefix+"abc", "ping", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if !f.IsInternal() || f.Kind != KindRequest {
		t.Fatalf("expected internal request, got %+v", f)
	}
	caller, _ := NewRequest(1, "ping", nil)
	if caller.IsInternal() {
		t.Fatalf("numeric id must not be internal")
	}
}

func TestNewErrorResponse(t *testing.T) {
	f := NewErrorResponse(json.RawMessage(`7`), mcperr.CodeServerError, "upstream unavailable", map[string]any{"mcp": mcperr.ErrProviderUnavailable})
	parsed, err := Parse(f.Raw)
	if err != nil {
		t.Fatalf("synthesized response must parse: %v", err)
	}
	if parsed.Key() != "7" || parsed.Kind != KindResponse {
		t.Fatalf("unexpected frame %+v", parsed)
	}
	e := parsed.Err()
	if e == nil || e.Code != mcperr.CodeServerError || e.Message != "upstream unavailable" {
		t.Fatalf("unexpected error object %+v", e)
	}
}

func TestWithIDKeepsParams(t *testing.T) {
	orig, _ := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`))
	re, err := WithID(orig, InternalPrefix+"x")
	if err != nil {
		t.Fatalf("with id: %v", err)
	}
	if re.Method != "initialize" || string(re.Params) != `{"protocolVersion":"2025-06-18"}` {
		t.Fatalf("unexpected replay frame %s", re.Raw)
	}
}
