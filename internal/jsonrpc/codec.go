package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"

	"github.com/tmaxmax/go-sse"

	"github.com/gaspardpetit/mcprun/internal/mcperr"
)

// DefaultMaxLine bounds a single newline-delimited frame.
const DefaultMaxLine = 8 << 20

// Encode returns the bytes of f suitable for a transport that frames messages
// externally (an HTTP body or an SSE data field).
func Encode(f Frame) []byte {
	return []byte(f.Raw)
}

// EncodeLine returns f followed by a newline. Frames spanning multiple lines
// are compacted first so the newline stays an unambiguous delimiter.
func EncodeLine(f Frame) []byte {
	raw := []byte(f.Raw)
	if bytes.ContainsAny(raw, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			raw = buf.Bytes()
		}
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, raw...)
	return append(out, '\n')
}

// LineDecoder reads newline-delimited frames. A line that fails to decode is
// reported as a ProtocolError and decoding resumes at the next newline.
type LineDecoder struct {
	r   *bufio.Reader
	max int
}

// NewLineDecoder wraps r. maxLine <= 0 selects DefaultMaxLine.
func NewLineDecoder(r io.Reader, maxLine int) *LineDecoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &LineDecoder{r: bufio.NewReaderSize(r, 64<<10), max: maxLine}
}

// Next returns the frames carried by the next non-blank line. A
// *mcperr.ProtocolError leaves the decoder usable; any other error, including
// io.EOF, ends the stream.
func (d *LineDecoder) Next() ([]Frame, error) {
	for {
		line, tooLong, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if tooLong {
			return nil, &mcperr.ProtocolError{Reason: "line exceeds maximum frame size"}
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return ParseBatch(line)
	}
}

// Frames exposes the decoder as a lazy sequence. Protocol errors are yielded
// with a zero frame and iteration continues; io.EOF ends the sequence quietly.
func (d *LineDecoder) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			frames, err := d.Next()
			for _, f := range frames {
				if !yield(f, nil) {
					return
				}
			}
			if err == nil {
				continue
			}
			var pe *mcperr.ProtocolError
			if errors.As(err, &pe) {
				if !yield(Frame{}, err) {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				yield(Frame{}, err)
			}
			return
		}
	}
}

func (d *LineDecoder) readLine() ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > d.max {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && (len(line) > 0 || tooLong) {
				return line, tooLong, nil
			}
			return nil, false, err
		}
		return line, tooLong, nil
	}
}

// Event is one server-sent event decoded into frames. Events that carry no
// JSON-RPC payload (priming events, foreign event types) have no frames but
// still report their id so a stream can be resumed from them.
type Event struct {
	ID     string
	Type   string
	Frames []Frame
	// Err is a per-event ProtocolError; the stream continues after it.
	Err error
}

// DecodeEvents reads an event stream already segmented by the HTTP layer.
// The second value is only set for stream-level failures, after which the
// sequence ends.
func DecodeEvents(r io.Reader, maxEventSize int) iter.Seq2[Event, error] {
	var cfg *sse.ReadConfig
	if maxEventSize > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: maxEventSize}
	}
	return func(yield func(Event, error) bool) {
		for ev, err := range sse.Read(r, cfg) {
			if err != nil {
				yield(Event{}, err)
				return
			}
			out := Event{ID: ev.LastEventID, Type: ev.Type}
			if (ev.Type == "" || ev.Type == "message") && len(bytes.TrimSpace([]byte(ev.Data))) > 0 {
				out.Frames, out.Err = ParseBatch([]byte(ev.Data))
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}
