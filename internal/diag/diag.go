// Package diag is the human-readable side channel: connection state changes,
// reconnect attempts, dropped frames and upstream stderr. Nothing published
// here ever reaches the JSON-RPC stream.
package diag

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies a diagnostic event.
type Kind string

const (
	KindState        Kind = "state"
	KindReconnect    Kind = "reconnect"
	KindGap          Kind = "gap"
	KindProtocol     Kind = "protocol"
	KindDropped      Kind = "dropped"
	KindUpstreamExit Kind = "upstream_exit"
	KindObserver     Kind = "observer"
	KindStderr       Kind = "stderr"
)

// Levels carried by events.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event is one diagnostic record.
type Event struct {
	Time    time.Time      `json:"time"`
	Session string         `json:"session,omitempty"`
	Kind    Kind           `json:"kind"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink receives diagnostic events. Emit must not block.
type Sink interface {
	Emit(Event)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Hub logs every event and fans it out to subscribers. Slow subscribers lose
// events rather than stalling the emitter.
type Hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int

	dropped atomic.Int64
}

// NewHub returns a hub logging through log.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, subs: map[int]chan Event{}}
}

// Emit records ev. Stderr events are not logged since the raw bytes already
// went to the side channel.
func (h *Hub) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.Kind != KindStderr {
		lvl, err := zerolog.ParseLevel(ev.Level)
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		e := h.log.WithLevel(lvl).Str("kind", string(ev.Kind))
		if ev.Session != "" {
			e = e.Str("session", ev.Session)
		}
		e.Fields(ev.Fields).Msg(ev.Message)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports how many subscriber deliveries were skipped.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// StderrWriter returns a writer that forwards bytes to w unchanged and also
// publishes each complete line as a KindStderr event.
func (h *Hub) StderrWriter(w io.Writer, session string) io.Writer {
	return &lineTap{w: w, hub: h, session: session}
}

type lineTap struct {
	w       io.Writer
	hub     *Hub
	session string

	mu  sync.Mutex
	buf []byte
}

const maxTapLine = 16 << 10

func (t *lineTap) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	t.mu.Lock()
	t.buf = append(t.buf, p[:n]...)
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(t.buf[:i], "\r"))
		t.buf = t.buf[i+1:]
		t.hub.Emit(Event{Session: t.session, Kind: KindStderr, Level: LevelDebug, Message: line})
	}
	if len(t.buf) > maxTapLine {
		t.hub.Emit(Event{Session: t.session, Kind: KindStderr, Level: LevelDebug, Message: string(t.buf)})
		t.buf = nil
	}
	t.mu.Unlock()
	return n, err
}
