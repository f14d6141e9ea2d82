package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
)

// DefaultKillTimeout bounds the graceful part of Pipe.Close.
const DefaultKillTimeout = 5 * time.Second

// PipeConfig describes the child process serving MCP over stdio.
type PipeConfig struct {
	Command string
	Args    []string
	// Env replaces the child environment when non-empty.
	Env []string
	Dir string
	// Stderr receives the child's diagnostic output untouched. Nil selects os.Stderr.
	Stderr io.Writer
	// KillTimeout bounds the wait after closing stdin and again after SIGTERM.
	KillTimeout time.Duration
}

// ProcessStats is a point-in-time resource sample of the child.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
}

// Pipe is a Binding over a child process's stdin and stdout.
type Pipe struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	opts  Options
	kill  time.Duration

	wmu sync.Mutex

	in   chan jsonrpc.Frame
	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	err      error
	exitCode int
	exited   bool
	closing  bool
	stopOnce sync.Once
}

// StartPipe spawns the child and starts reading its stdout. ctx only bounds
// the start itself; the child lives until Close or its own exit.
func StartPipe(ctx context.Context, cfg PipeConfig, opts Options) (*Pipe, error) {
	if cfg.Command == "" {
		return nil, &mcperr.TransportError{Op: "start", Err: errors.New("stdio command not configured")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cmd.Dir = cfg.Dir
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &mcperr.TransportError{Op: "start", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &mcperr.TransportError{Op: "start", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &mcperr.TransportError{Op: "start", Err: err}
	}
	kill := cfg.KillTimeout
	if kill <= 0 {
		kill = DefaultKillTimeout
	}
	p := &Pipe{
		cmd:      cmd,
		stdin:    stdin,
		opts:     opts,
		kill:     kill,
		in:       make(chan jsonrpc.Frame),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	logx.Log.Debug().Str("session", opts.Session).Str("command", cfg.Command).Int("pid", cmd.Process.Pid).Msg("upstream process started")
	go p.readLoop(stdout)
	return p, nil
}

func (p *Pipe) readLoop(stdout io.Reader) {
	dec := jsonrpc.NewLineDecoder(activityReader{r: stdout, touch: p.opts.touch}, p.opts.MaxFrameBytes)
	var readErr error
	for {
		frames, err := dec.Next()
		for _, f := range frames {
			select {
			case p.in <- f:
			case <-p.stop:
			}
		}
		if err == nil {
			continue
		}
		var pe *mcperr.ProtocolError
		if errors.As(err, &pe) {
			p.opts.protocolError(err)
			continue
		}
		if !errors.Is(err, io.EOF) {
			readErr = err
		}
		break
	}
	waitErr := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	if !p.closing {
		cause := waitErr
		if cause == nil {
			cause = readErr
		}
		if cause == nil {
			cause = io.EOF
		}
		p.err = &mcperr.TransportError{Op: "pipe", ExitCode: code, Err: fmt.Errorf("upstream process exited: %w", cause)}
	}
	p.mu.Unlock()

	logx.Log.Debug().Str("session", p.opts.Session).Int("exitCode", code).Msg("upstream process exited")
	close(p.done)
}

// Send writes one frame and its newline straight to the child's stdin.
func (p *Pipe) Send(ctx context.Context, f jsonrpc.Frame) error {
	select {
	case <-p.done:
		return &mcperr.TransportError{Op: "send", Err: mcperr.ErrSessionClosed}
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	line := jsonrpc.EncodeLine(f)
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := p.stdin.Write(line); err != nil {
		return &mcperr.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Inbound yields frames decoded from the child's stdout.
func (p *Pipe) Inbound() <-chan jsonrpc.Frame { return p.in }

// Done is closed once the child has exited and stdout is drained.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Err reports why the child exited when it was not asked to.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ExitCode returns the child's exit status once it has exited.
func (p *Pipe) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// PID returns the child's process id.
func (p *Pipe) PID() int { return p.cmd.Process.Pid }

// Stats samples the child's memory and CPU usage.
func (p *Pipe) Stats(ctx context.Context) (ProcessStats, error) {
	st := ProcessStats{PID: p.PID()}
	proc, err := process.NewProcessWithContext(ctx, int32(st.PID))
	if err != nil {
		return st, err
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	return st, nil
}

// Close shuts the child down: stdin is closed first, then SIGTERM, then Kill.
// Each graceful step waits up to the kill timeout; when ctx has a deadline the
// stdin step takes at most half of what is left so SIGTERM still gets a wait.
// Frames still in flight are discarded.
func (p *Pipe) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.stop) })

	// Not under wmu: closing also fails a Send blocked on a child that stopped reading.
	_ = p.stdin.Close()

	eof := p.kill
	if deadline, ok := ctx.Deadline(); ok {
		eof = min(eof, time.Until(deadline)/2)
	}
	if p.waitExit(ctx, eof) {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		if p.waitExit(ctx, p.kill) {
			return nil
		}
	}
	logx.Log.Warn().Str("session", p.opts.Session).Int("pid", p.PID()).Msg("upstream process did not exit; killing")
	_ = p.cmd.Process.Kill()
	<-p.done
	return nil
}

func (p *Pipe) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
