// Package mcptest provides fake upstream MCP servers for tests.
package mcptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// EnvMode selects the fake server behaviour when the test binary is re-executed.
const EnvMode = "MCPRUN_FAKE_SERVER"

// Modes understood by Serve.
const (
	ModeBasic = "basic"
	// ModeStubborn ignores stdin EOF and SIGTERM so only Kill stops it.
	ModeStubborn = "stubborn"
	// ModeLingering ignores stdin EOF and exits with status 7 on SIGTERM.
	ModeLingering = "lingering"
	// ModeDeaf never reads stdin.
	ModeDeaf = "deaf"
)

// ServeIfRequested runs the fake stdio server and exits when the test binary
// was re-executed as one. Call it first in TestMain.
func ServeIfRequested() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	switch mode {
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
	case ModeLingering:
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGTERM)
		go func() {
			<-term
			os.Exit(7)
		}()
	case ModeDeaf:
		time.Sleep(time.Hour)
		os.Exit(0)
	}
	os.Exit(Serve(os.Stdin, os.Stdout, os.Stderr, mode))
}

// PipeCommand returns the command, arguments and environment that re-execute
// the running test binary as a fake server in mode.
func PipeCommand(mode string) (string, []string, []string) {
	return os.Args[0], []string{"-test.run=^$"}, []string{EnvMode + "=" + mode}
}

type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Serve answers newline-delimited JSON-RPC on in/out and returns the process
// exit code. Methods:
//
//	initialize  standard result echoing the requested protocol version
//	ping        {}
//	tools/list  a single echo tool
//	echo        the params as result
//	progress    a notifications/progress, then {}
//	stderr      a line on errOut, then {}
//	garbage     an undecodable line, then {}
//	slow        waits params.ms before answering {}
//	exit        exits with status 3 without answering
//	last        params.notify progress notifications, {}, then exits with status 0
func Serve(in io.Reader, out, errOut io.Writer, mode string) int {
	var mu sync.Mutex
	write := func(v any) {
		b, _ := json.Marshal(v)
		mu.Lock()
		defer mu.Unlock()
		_, _ = out.Write(append(b, '\n'))
	}
	writeRaw := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = io.WriteString(out, s)
	}
	result := func(id json.RawMessage, res any) {
		write(map[string]any{"jsonrpc": "2.0", "id": id, "result": res})
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	var wg sync.WaitGroup
	for sc.Scan() {
		var m message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			_, _ = fmt.Fprintf(errOut, "fake: bad input %q\n", sc.Text())
			continue
		}
		if m.Method == "" || len(m.ID) == 0 {
			continue
		}
		switch m.Method {
		case "initialize":
			var p struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			_ = json.Unmarshal(m.Params, &p)
			if p.ProtocolVersion == "" {
				p.ProtocolVersion = "2025-03-26"
			}
			result(m.ID, map[string]any{
				"protocolVersion": p.ProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
				"serverInfo":      map[string]any{"name": "fake", "version": "1.0.0"},
			})
		case "ping":
			result(m.ID, map[string]any{})
		case "tools/list":
			result(m.ID, map[string]any{"tools": []any{
				map[string]any{"name": "echo", "inputSchema": map[string]any{"type": "object"}},
			}})
		case "echo":
			var v any = map[string]any{}
			if len(m.Params) > 0 {
				_ = json.Unmarshal(m.Params, &v)
			}
			result(m.ID, v)
		case "progress":
			write(map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{"progressToken": "t1", "progress": 1, "total": 2}})
			result(m.ID, map[string]any{})
		case "stderr":
			_, _ = fmt.Fprintln(errOut, "fake server diagnostic line")
			result(m.ID, map[string]any{})
		case "garbage":
			writeRaw("this is not json\n")
			result(m.ID, map[string]any{})
		case "slow":
			var p struct {
				MS int `json:"ms"`
			}
			_ = json.Unmarshal(m.Params, &p)
			id := m.ID
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Duration(p.MS) * time.Millisecond)
				result(id, map[string]any{})
			}()
		case "exit":
			return 3
		case "last":
			var p struct {
				Notify int `json:"notify"`
			}
			_ = json.Unmarshal(m.Params, &p)
			for i := range p.Notify {
				write(map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{"progressToken": "last", "progress": i + 1}})
			}
			result(m.ID, map[string]any{})
			wg.Wait()
			return 0
		default:
			write(map[string]any{"jsonrpc": "2.0", "id": m.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
		}
	}
	wg.Wait()
	if mode == ModeStubborn || mode == ModeLingering {
		for {
			time.Sleep(time.Hour)
		}
	}
	return 0
}
