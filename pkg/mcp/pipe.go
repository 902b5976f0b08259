package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// pipeShutdownGrace is how long Close waits after SIGTERM before SIGKILL.
const pipeShutdownGrace = 5 * time.Second

// PipeTransport spawns a child process and frames messages as newline-
// delimited JSON over its stdin/stdout. Child stderr is logged, never parsed.
type PipeTransport struct {
	command string
	args    []string
	env     map[string]string
	logger  *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu   sync.Mutex // serializes writes to stdin
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{} // closed when the reader goroutine exits
}

// NewPipeTransport creates a pipe transport for the given command. The child
// inherits the parent environment plus any overrides.
func NewPipeTransport(command string, args []string, env map[string]string, logger *zap.Logger) *PipeTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipeTransport{
		command: command,
		args:    args,
		env:     env,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start spawns the child process and begins the read loop. A spawn failure
// is returned directly; no callback fires for it.
func (t *PipeTransport) Start(_ context.Context, cb Callbacks) error {
	if t.command == "" {
		return fmt.Errorf("pipe transport requires a command")
	}

	// The child's lifetime is owned by Close, not by the connect context.
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.started.Store(true)

	go t.drainStderr(stderr)
	go t.readLoop(cb)

	return nil
}

// readLoop reads newline-delimited frames from stdout until the stream ends.
func (t *PipeTransport) readLoop(cb Callbacks) {
	defer close(t.done)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; hand the callback its own copy.
		msg := make([]byte, len(line))
		copy(msg, line)
		if cb.OnMessage != nil {
			cb.OnMessage(msg)
		}
	}

	if err := scanner.Err(); err != nil && !t.closed.Load() {
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("read stdout: %w", err))
		}
	}
	if cb.OnClose != nil {
		cb.OnClose()
	}
}

// drainStderr logs child stderr lines.
func (t *PipeTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr",
			zap.String("command", t.command),
			zap.String("line", scanner.Text()))
	}
}

// Send writes one frame to the child's stdin.
func (t *PipeTransport) Send(data []byte) error {
	if !t.started.Load() || t.closed.Load() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	return nil
}

// Close terminates the child: close stdin, SIGTERM, wait, SIGKILL. Safe to
// call multiple times and on every exit path.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if !t.started.Load() {
			close(t.done)
			return
		}

		t.stdin.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}

		waited := make(chan error, 1)
		go func() { waited <- t.cmd.Wait() }()

		select {
		case <-waited:
		case <-time.After(pipeShutdownGrace):
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-waited
		}

		// Reader exits once stdout is closed by process death.
		<-t.done
	})
	return nil
}

var _ Transport = (*PipeTransport)(nil)
