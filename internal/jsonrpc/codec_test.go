package jsonrpc

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/gaspardpetit/mcprun/internal/mcperr"
)

func TestLineDecoderResynchronizes(t *testing.T) {
	in := "{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n" +
		"garbage line\n" +
		"\n" +
		"{\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n" +
		"{\"jsonrpc\":\"2.0\",\"id\":2,\"result\":{}}"
	d := NewLineDecoder(strings.NewReader(in), 0)
	var frames []Frame
	var protoErrs int
	for f, err := range d.Frames() {
		if err != nil {
			var pe *mcperr.ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("unexpected terminal error %v", err)
			}
			protoErrs++
			continue
		}
		frames = append(frames, f)
	}
	if protoErrs != 1 {
		t.Fatalf("got %d protocol errors want 1", protoErrs)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames want 3", len(frames))
	}
	if frames[2].Key() != "2" {
		t.Fatalf("last line without newline not decoded: %+v", frames[2])
	}
}

func TestLineDecoderOversizedLine(t *testing.T) {
	long := "{\"jsonrpc\":\"2.0\",\"method\":\"" + strings.Repeat("x", 200) + "\"}\n"
	ok := "{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n"
	d := NewLineDecoder(strings.NewReader(long+ok), 64)
	if _, err := d.Next(); err == nil {
		t.Fatalf("expected oversized line error")
	}
	frames, err := d.Next()
	if err != nil || len(frames) != 1 {
		t.Fatalf("decoder did not resume: %v %v", frames, err)
	}
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestEncodeLineCompacts(t *testing.T) {
	f, err := Parse([]byte("{\n  \"jsonrpc\": \"2.0\",\n  \"id\": 1,\n  \"result\": {}\n}"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := string(EncodeLine(f))
	if got != `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n" {
		t.Fatalf("unexpected line %q", got)
	}
	single, _ := Parse([]byte(`{"jsonrpc":"2.0", "id":1, "result":{}}`))
	if string(EncodeLine(single)) != `{"jsonrpc":"2.0", "id":1, "result":{}}`+"\n" {
		t.Fatalf("single-line frames must pass through untouched")
	}
}

func TestDecodeEvents(t *testing.T) {
	stream := "event: message\nid: 2\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progress\":1}}\n\n" +
		"id: 3\ndata: {broken\n\n" +
		"event: ping\ndata: hello\n\n" +
		"id: 4\ndata: {\"jsonrpc\":\"2.0\",\"id\":9,\"result\":{}}\n\n"
	var events []Event
	for ev, err := range DecodeEvents(strings.NewReader(stream), 0) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events want 4", len(events))
	}
	if events[0].ID != "2" || len(events[0].Frames) != 1 || events[0].Frames[0].Method != "notifications/progress" {
		t.Fatalf("notification event mis-decoded: %+v", events[0])
	}
	if events[1].Err == nil {
		t.Fatalf("expected per-event protocol error")
	}
	if len(events[2].Frames) != 0 {
		t.Fatalf("foreign event type must carry no frames")
	}
	if events[3].ID != "4" || events[3].Frames[0].Key() != "9" {
		t.Fatalf("response event mis-decoded: %+v", events[3])
	}
}
