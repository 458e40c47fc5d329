package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/quernlabs/quern/internal/model"
	log "github.com/sirupsen/logrus"
)

// maxStderrBytes bounds the stderr prefix retained for error messages.
// All stderr output beyond the prefix is discarded for one-shot calls.
const maxStderrBytes = 4096

// Result is the outcome of a completed one-shot invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output runs a binary to completion and returns its stdout. A non-zero
// exit is returned as KindSubprocessFailed carrying the exit code and a
// stderr prefix; a binary that cannot be found is KindToolMissing.
func Output(ctx context.Context, binary string, args ...string) ([]byte, error) {
	var res, err = Run(ctx, Spec{Binary: binary, Args: args})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// Spec describes a one-shot invocation.
type Spec struct {
	Binary  string
	Args    []string
	Env     []string // appended to the inherited environment
	Stdin   []byte
	Timeout time.Duration
}

// Run executes a one-shot invocation described by s.
func Run(ctx context.Context, s Spec) (*Result, error) {
	var path, err = Locate(s.Binary)
	if err != nil {
		return nil, err
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var cmd = exec.CommandContext(ctx, path, s.Args...)
	if len(s.Env) != 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	if len(s.Stdin) != 0 {
		cmd.Stdin = bytes.NewReader(s.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &prefixBuffer{max: maxStderrBytes, buf: &stderr}

	log.WithFields(log.Fields{"binary": s.Binary, "args": s.Args}).Debug("running command")

	err = cmd.Run()
	var res = &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, &model.Error{
			Kind:    model.KindTimeout,
			Tool:    s.Binary,
			Message: fmt.Sprintf("%s %s did not complete: %v", s.Binary, strings.Join(s.Args, " "), ctx.Err()),
			Err:     ctx.Err(),
		}
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, &model.Error{
			Kind:    model.KindSubprocessFailed,
			Tool:    s.Binary,
			Message: fmt.Sprintf("%s exited %d: %s", s.Binary, res.ExitCode, firstLine(stderr.String())),
			Err:     err,
		}
	default:
		// Spawn failed for a reason other than a missing binary.
		return res, &model.Error{
			Kind:    model.KindSubprocessFailed,
			Tool:    s.Binary,
			Message: fmt.Sprintf("starting %s: %v", s.Binary, err),
			Err:     err,
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// prefixBuffer retains at most |max| bytes, discarding the rest.
type prefixBuffer struct {
	max int
	buf *bytes.Buffer
	mu  sync.Mutex
}

func (p *prefixBuffer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rem = p.max - p.buf.Len()
	if rem > len(b) {
		rem = len(b)
	}
	if rem > 0 {
		p.buf.Write(b[:rem])
	}
	return len(b), nil
}
