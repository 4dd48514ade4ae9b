package supervisor

import (
	"bufio"
	"bytes"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opd-ai/torsupervisor/pkg/logger"
)

// Process wraps a spawned Tor *exec.Cmd with the destroy semantics spec
// §4.4 names: SIGTERM as the destroy signal.
//
// Grounded on other_examples nao1215-tornago daemon.go's TorProcess/
// terminateCmd pattern.
type Process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	waitMu sync.Mutex
	waited bool
	waitErr error
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits, returning its exit error (nil on a
// clean exit). Safe to call from multiple goroutines; only the first call
// performs the actual Wait.
func (p *Process) Wait() error {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	if p.waited {
		return p.waitErr
	}
	p.waited = true
	p.waitErr = p.cmd.Wait()
	return p.waitErr
}

// Stop sends SIGTERM and waits for exit, falling back to Kill if the
// process hasn't exited after the grace period.
func (p *Process) Stop(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(unix.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		return <-done
	}
}

// earlyExit waits up to window and reports whether the process exited
// within it.
func (p *Process) earlyExit(window time.Duration) (exited bool, err error) {
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		return true, err
	case <-time.After(window):
		return false, nil
	}
}

// teeWriter tees an io.Writer's bytes into a bounded buffer and a per-line
// reporter callback, splitting on newlines and holding back a trailing
// partial line across Write calls.
//
// Grounded verbatim on other_examples nao1215-tornago daemon.go's teeWriter.
type teeWriter struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	maxLines   int
	lines      int
	reporter   func(string)
	partial    []byte
	firstWrite chan struct{}
	firstOnce  sync.Once
}

func newTeeWriter(maxLines int, reporter func(string)) *teeWriter {
	return &teeWriter{maxLines: maxLines, reporter: reporter, firstWrite: make(chan struct{})}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		t.firstOnce.Do(func() { close(t.firstWrite) })
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxLines == 0 || t.lines < t.maxLines {
		t.buf.Write(p)
	}

	t.partial = append(t.partial, p...)
	for {
		idx := bytes.IndexByte(t.partial, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(t.partial[:idx]), "\r")
		t.partial = t.partial[idx+1:]
		t.lines++
		if t.reporter != nil {
			t.reporter(line)
		}
	}
	return len(p), nil
}

func (t *teeWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// LineCount returns the number of complete lines observed so far.
func (t *teeWriter) LineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lines
}

// awaitFirstOutput blocks until the first byte is written or timeout
// elapses, reporting which happened first.
func (t *teeWriter) awaitFirstOutput(timeout time.Duration) (gotOutput bool) {
	select {
	case <-t.firstWrite:
		return true
	case <-time.After(timeout):
		return false
	}
}

// streamLines adapts an io.Reader into a per-line callback using
// bufio.Scanner, used for the stderr feed (telemetry-only, no buffering).
func streamLines(r io.Reader, reporter func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if reporter != nil {
			reporter(scanner.Text())
		}
	}
}

func logLine(log *logger.Logger, stream string, line string) {
	if log == nil {
		return
	}
	log.Debug("tor process output", "stream", stream, "line", line)
}
