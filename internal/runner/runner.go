package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
)

// LineFunc receives the output of a command line by line.
type LineFunc func(ctx context.Context, line string)

type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Start runs the underlying process, it ensures only a single instance is
// active and returns ErrInProgress or an exec error, otherwise nil. It does
// NOT wait on the command to finish, use ResultsChan instead.
// stdoutFunc and stderrFunc, when not nil, get every line as it is
// written. Stdout is kept in Result.Stdout either way.
func (r *Runner) Start(ctx context.Context, proto Command, stdoutFunc, stderrFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
	}

	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, r.cancelFunc = context.WithCancel(ctx)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	cmd.Env = r.result.Env
	cmd.WaitDelay = time.Second

	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf
	var lines []*lineWriter
	if stdoutFunc != nil {
		lw := &lineWriter{ctx: ctx, fn: stdoutFunc}
		lines = append(lines, lw)
		cmd.Stdout = io.MultiWriter(&buf, lw)
	}
	if stderrFunc != nil {
		lw := &lineWriter{ctx: ctx, fn: stderrFunc}
		lines = append(lines, lw)
		cmd.Stderr = lw
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cancelFunc()
		return err
	}
	r.cmd = cmd

	go r.wait(cmd, lines, r.cancelFunc)
	return nil
}

// lineWriter splits what a command writes into lines. exec copies the
// output from a single goroutine, so Write is never called concurrently.
type lineWriter struct {
	ctx context.Context
	fn  LineFunc
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.fn(w.ctx, string(w.buf))
		w.buf = nil
	}
}

// wait gives up on the output of orphaned children after cmd.WaitDelay.
func (r *Runner) wait(cmd *exec.Cmd, lines []*lineWriter, cancel context.CancelFunc) {
	err := cmd.Wait()
	cancel()
	for _, lw := range lines {
		lw.flush()
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// ResultsChan returns the channel obtaining the result of the running
// program. The channel is closed once the program ends. When nothing runs
// it gets the last result at once.
func (r *Runner) ResultsChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}
