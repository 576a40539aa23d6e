package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcessEngine drives an external engine binary over a line protocol: one
// line of comma-separated int8 values on stdin, one decimal class per line on
// stdout. The process is started on first use and kept running.
type ProcessEngine struct {
	argv    []string
	timeout time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	lines  chan lineResult
	done   chan struct{}
	buf    []byte
}

type lineResult struct {
	line string
	err  error
}

// NewProcess prepares an engine for the given command line.
func NewProcess(argv []string, timeout time.Duration) (*ProcessEngine, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("%w: no engine command", ErrUnavailable)
	}
	return &ProcessEngine{argv: argv, timeout: timeout}, nil
}

func (e *ProcessEngine) Name() string { return Process }

// Check verifies that the binary can be found.
func (e *ProcessEngine) Check(context.Context) error {
	if _, err := exec.LookPath(e.argv[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (e *ProcessEngine) start() error {
	cmd := exec.Command(e.argv[0], e.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrUnavailable, e.argv[0], err)
	}
	e.cmd, e.stdin, e.stdout = cmd, stdin, bufio.NewReader(stdout)
	e.lines = make(chan lineResult)
	e.done = make(chan struct{})
	go func(r *bufio.Reader, out chan<- lineResult, done <-chan struct{}) {
		defer close(out)
		for {
			line, err := r.ReadString('\n')
			select {
			case out <- lineResult{line: line, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}(e.stdout, e.lines, e.done)
	return nil
}

func (e *ProcessEngine) Infer(ctx context.Context, x []int8) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		if err := e.start(); err != nil {
			return 0, err
		}
	}
	e.buf = e.buf[:0]
	for i, v := range x {
		if i > 0 {
			e.buf = append(e.buf, ',')
		}
		e.buf = strconv.AppendInt(e.buf, int64(v), 10)
	}
	e.buf = append(e.buf, '\n')
	if _, err := e.stdin.Write(e.buf); err != nil {
		e.reset()
		return 0, fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	select {
	case res, ok := <-e.lines:
		if !ok || (res.err != nil && res.line == "") {
			e.reset()
			return 0, fmt.Errorf("%w: engine exited", ErrUnavailable)
		}
		class, err := strconv.ParseUint(strings.TrimSpace(res.line), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("engine: bad reply %q: %w", res.line, err)
		}
		return uint32(class), nil
	case <-ctx.Done():
		// The pending reply would desynchronize the stream.
		e.reset()
		return 0, ctx.Err()
	}
}

func (e *ProcessEngine) reset() {
	if e.cmd == nil {
		return
	}
	_ = e.stdin.Close()
	close(e.done)
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	_ = e.cmd.Wait()
	e.cmd, e.stdin, e.stdout, e.lines, e.done = nil, nil, nil, nil, nil
}

// Close stops the engine process.
func (e *ProcessEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return nil
	}
	_ = e.stdin.Close()
	close(e.done)
	err := e.cmd.Wait()
	e.cmd, e.stdin, e.stdout, e.lines, e.done = nil, nil, nil, nil, nil
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
