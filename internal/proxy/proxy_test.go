package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
	"github.com/gaspardpetit/mcprun/internal/mcptest"
	"github.com/gaspardpetit/mcprun/internal/router"
	"github.com/gaspardpetit/mcprun/internal/session"
	"github.com/gaspardpetit/mcprun/internal/transport"
)

func TestMain(m *testing.M) {
	mcptest.ServeIfRequested()
	os.Exit(m.Run())
}

func newStack(t *testing.T) (*session.Session, *router.Router) {
	t.Helper()
	cmd, args, env := mcptest.PipeCommand(mcptest.ModeBasic)
	s := session.New(session.Config{Transport: "stdio", TerminateTimeout: 2 * time.Second}, func(ctx context.Context, opts transport.Options) (transport.Binding, error) {
		return transport.StartPipe(ctx, transport.PipeConfig{Command: cmd, Args: args, Env: env}, opts)
	})
	r := router.New(s, router.Config{})
	s.Start()
	return s, r
}

func run(t *testing.T, p *Proxy, ctx context.Context) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("proxy did not stop")
	}
	return nil
}

func frames(t *testing.T, out []byte) []jsonrpc.Frame {
	t.Helper()
	var fs []jsonrpc.Frame
	for f, err := range jsonrpc.NewLineDecoder(bytes.NewReader(out), 0).Frames() {
		if err != nil {
			t.Fatalf("caller received an invalid line: %v\n%s", err, out)
		}
		fs = append(fs, f)
	}
	return fs
}

func TestProxy_RelaysUntilCallerEOF(t *testing.T) {
	s, r := newStack(t)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"progress"}` + "\n")
	var out bytes.Buffer
	if err := run(t, New(r, s, in, &out, Config{}), context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	fs := frames(t, out.Bytes())
	var got []string
	for _, f := range fs {
		if f.Kind == jsonrpc.KindNotification {
			got = append(got, f.Method)
		} else {
			got = append(got, f.Key())
		}
	}
	if strings.Join(got, ",") != "1,notifications/progress,2" {
		t.Fatalf("unexpected caller stream %v\n%s", got, out.Bytes())
	}
	if s.State() != session.Closed {
		t.Fatalf("session state %s", s.State())
	}
}

func TestProxy_InvalidCallerLineAnswered(t *testing.T) {
	s, r := newStack(t)
	in := strings.NewReader("not json\n" + `{"jsonrpc":"1.0","id":7,"method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer
	if err := run(t, New(r, s, in, &out, Config{}), context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	codes := map[int]bool{}
	answered := false
	for _, f := range frames(t, out.Bytes()) {
		if e := f.Err(); e != nil {
			if f.Key() != "" {
				t.Fatalf("rejection must carry a null id: %s", f.Raw)
			}
			codes[e.Code] = true
			continue
		}
		if f.Key() == "1" {
			answered = true
		}
	}
	if !codes[mcperr.CodeParseError] || !codes[mcperr.CodeInvalidRequest] || !answered {
		t.Fatalf("unexpected caller stream:\n%s", out.Bytes())
	}
}

type slowWriter struct {
	bytes.Buffer
}

func (w *slowWriter) Write(b []byte) (int, error) {
	time.Sleep(2 * time.Millisecond)
	return w.Buffer.Write(b)
}

func TestProxy_EveryInvalidLineAnswered(t *testing.T) {
	s, r := newStack(t)
	in := strings.NewReader(strings.Repeat("not json\n", 100) + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	out := &slowWriter{}
	if err := run(t, New(r, s, in, out, Config{}), context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	rejected := 0
	for _, f := range frames(t, out.Bytes()) {
		if e := f.Err(); e != nil && e.Code == mcperr.CodeParseError {
			rejected++
		}
	}
	if rejected != 100 {
		t.Fatalf("%d of 100 invalid lines answered", rejected)
	}
}

func TestProxy_UpstreamExitFailsPending(t *testing.T) {
	s, r := newStack(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = io.WriteString(pw, `{"jsonrpc":"2.0","id":1,"method":"slow","params":{"ms":5000}}`+"\n")
		_, _ = io.WriteString(pw, `{"jsonrpc":"2.0","id":2,"method":"exit"}`+"\n")
	}()
	var out bytes.Buffer
	err := run(t, New(r, s, pr, &out, Config{}), context.Background())
	var te *mcperr.TransportError
	if !errors.As(err, &te) || te.ExitCode != 3 {
		t.Fatalf("err = %v", err)
	}
	fs := frames(t, out.Bytes())
	if len(fs) != 2 {
		t.Fatalf("expected two failures, got:\n%s", out.Bytes())
	}
	for i, f := range fs {
		e := f.Err()
		if e == nil || e.Code != mcperr.CodeServerError || !strings.Contains(string(e.Data), mcperr.ErrProviderUnavailable) {
			t.Fatalf("frame %d: %s", i, f.Raw)
		}
	}
	if s.State() != session.Failed {
		t.Fatalf("session state %s", s.State())
	}
}

func TestProxy_ContextCancelClosesSession(t *testing.T) {
	s, r := newStack(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	var out bytes.Buffer
	if err := run(t, New(r, s, pr, &out, Config{}), ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := s.State(); st != session.Closed {
		t.Fatalf("session state %s", st)
	}
}
