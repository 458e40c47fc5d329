package tool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/quernlabs/quern/internal/model"
	log "github.com/sirupsen/logrus"
)

// maxLineBytes bounds a single stdout line. Unified-log JSON lines with
// embedded payloads can run long; flows with inline bodies longer still.
const maxLineBytes = 4 << 20

// Process is a handle on a long-lived streaming subprocess. Stdout is
// surfaced line-by-line on Lines; Done resolves once with the exit error
// (nil for a clean exit). Stderr is retained as a prefix and folded into
// the exit error, never silently discarded.
type Process struct {
	Binary string
	Stdin  io.WriteCloser
	Lines  <-chan string
	Done   <-chan error

	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stderr   *prefixBuffer
	stopOnce sync.Once
}

// StreamSpec describes a long-lived invocation.
type StreamSpec struct {
	Binary string
	Args   []string
	Env    []string // appended to the inherited environment
}

// Stream spawns a long-lived subprocess. The child is placed in its own
// process group so terminal SIGINT isn't delivered to it directly, and it
// receives SIGTERM when ctx is cancelled.
func Stream(ctx context.Context, s StreamSpec) (*Process, error) {
	var path, err = Locate(s.Binary)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	var cmd = exec.Command(path, s.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(s.Env) != 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	var stderrPrefix = &prefixBuffer{max: maxStderrBytes, buf: &bytes.Buffer{}}
	cmd.Stderr = stderrPrefix

	log.WithFields(log.Fields{"binary": s.Binary, "args": s.Args}).Info("starting streaming command")

	if err = cmd.Start(); err != nil {
		cancel()
		return nil, &model.Error{
			Kind:    model.KindSubprocessFailed,
			Tool:    s.Binary,
			Message: fmt.Sprintf("starting %s: %v", s.Binary, err),
			Err:     err,
		}
	}

	var lines = make(chan string, 256)
	var done = make(chan error, 1)

	var p = &Process{
		Binary: s.Binary,
		Stdin:  stdin,
		Lines:  lines,
		Done:   done,
		cmd:    cmd,
		cancel: cancel,
		stderr: stderrPrefix,
	}

	// Forward SIGTERM on context cancellation. The reader goroutine below
	// owns reaping, so this one only signals.
	go func() {
		<-ctx.Done()
		if proc := cmd.Process; proc != nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
	}()

	go func() {
		var scanner = bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				// Drain without forwarding so the child isn't blocked on a
				// full pipe while it handles SIGTERM.
			}
		}
		close(lines)

		var waitErr = cmd.Wait()
		switch {
		case ctx.Err() != nil:
			done <- nil // Deliberate stop.
		case waitErr != nil:
			done <- &model.Error{
				Kind:    model.KindSubprocessFailed,
				Tool:    s.Binary,
				Message: fmt.Sprintf("%s exited: %v: %s", s.Binary, waitErr, firstLine(stderrPrefix.String())),
				Err:     waitErr,
			}
		default:
			done <- nil
		}
		close(done)
	}()

	return p, nil
}

func (p *prefixBuffer) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

// StderrPrefix returns the retained stderr prefix of the child.
func (p *Process) StderrPrefix() string { return p.stderr.String() }

// Pid returns the child's process id, or 0 if it never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate sends SIGTERM, waits up to |grace| for exit, then SIGKILLs.
// It is safe to call more than once and always leaves the child reaped.
func (p *Process) Terminate(grace time.Duration) {
	p.stopOnce.Do(func() {
		if proc := p.cmd.Process; proc != nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
		select {
		case <-p.Done:
		case <-time.After(grace):
			if proc := p.cmd.Process; proc != nil {
				_ = proc.Kill()
			}
			<-p.Done
		}
		p.cancel()
	})
}
