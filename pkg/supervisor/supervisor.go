// Package supervisor implements ProcessSupervisor: spawning the Tor binary
// with a generated Config, tailing its stdout/stderr for early-failure
// detection, waiting for it to materialize its control-port-write-to-file
// and cookie-auth file, and returning the CtrlArguments the runtime needs
// to open and authenticate a CtrlConnection.
//
// Grounded primarily on other_examples nao1215-tornago daemon.go
// (StartTorDaemon's structure, teeWriter, waitForPorts, terminateCmd); the
// per-fid keeper is grounded on other_examples myhme-torgo's per-instance
// mutex-guarded state pattern.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/torsupervisor/pkg/ctrlconn"
	torerrors "github.com/opd-ai/torsupervisor/pkg/errors"
	"github.com/opd-ai/torsupervisor/pkg/logger"
	"github.com/opd-ai/torsupervisor/pkg/torcfg"
	"golang.org/x/sync/singleflight"
)

// CtrlArguments is the handoff from ProcessSupervisor to the runtime: the
// live process handle, the Authenticate/LoadConf commands to issue, and the
// discovered control endpoint. Its lifetime is bounded by the owning
// ActionJob, per spec §3.
type CtrlArguments struct {
	Process      *Process
	Authenticate ctrlconn.CtrlCommand
	LoadConf     ctrlconn.CtrlCommand
	Endpoint     Endpoint
}

// keeperState is the process-wide, per-fid state spec §4.4 names:
// {lock, last_process_handle, last_stop_time}.
type keeperState struct {
	mu              sync.Mutex
	lastProcess     *Process
	lastStopTime    time.Time
	haveLastStopped bool
}

var (
	keeperMu sync.Mutex
	keepers  = map[string]*keeperState{}
	starts   singleflight.Group // collapses concurrent start() calls per fid
)

func keeperFor(fid string) *keeperState {
	keeperMu.Lock()
	defer keeperMu.Unlock()
	k, ok := keepers[fid]
	if !ok {
		k = &keeperState{}
		keepers[fid] = k
	}
	return k
}

// Supervisor spawns and supervises a Tor process for one Environment.
type Supervisor struct {
	TorBinary string
	Log       *logger.Logger
}

// New constructs a Supervisor. torBinary is the resolved path from
// ResourcePaths.TorBinary.
func New(torBinary string, log *logger.Logger) *Supervisor {
	return &Supervisor{TorBinary: torBinary, Log: log}
}

// Start runs the 10-step startup sequence of spec §4.4. Calls for the same
// Environment.Fid serialize on the per-fid keeper lock; a singleflight.Group
// in front of it makes a call that overlaps one already in flight share that
// call's result instead of starting a second process.
func (s *Supervisor) Start(ctx context.Context, env torcfg.Environment, cfg *torcfg.Config) (*CtrlArguments, error) {
	v, err, _ := starts.Do(env.Fid, func() (interface{}, error) {
		return s.startLocked(ctx, env, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CtrlArguments), nil
}

func (s *Supervisor) startLocked(ctx context.Context, env torcfg.Environment, cfg *torcfg.Config) (*CtrlArguments, error) {
	k := keeperFor(env.Fid)
	k.mu.Lock()
	defer k.mu.Unlock()

	// Step 1: cancel-and-join any prior process handle for this fid.
	if k.lastProcess != nil {
		_ = k.lastProcess.Stop(5 * time.Second)
		k.lastProcess = nil
	}

	// Step 2: publish Daemon.Starting, Network.Disabled is the runtime's
	// responsibility (it owns TorState); the supervisor only logs here.
	if s.Log != nil {
		s.Log.Info("starting tor process", "fid", env.Fid)
	}

	// Step 3: wait out the 500ms cooldown since the last stop, in 50ms
	// slices, logging once at the beginning and once at the end.
	if k.haveLastStopped {
		elapsed := time.Since(k.lastStopTime)
		if elapsed < 500*time.Millisecond {
			remaining := 500*time.Millisecond - elapsed
			if s.Log != nil {
				s.Log.Info("waiting for cooldown since last stop", "remaining", remaining)
			}
			deadline := time.Now().Add(remaining)
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return nil, torerrors.CancelledError("start cancelled during cooldown wait")
				case <-time.After(50 * time.Millisecond):
				}
			}
			if s.Log != nil {
				s.Log.Info("cooldown wait complete")
			}
		}
	}

	// Step 4: ensure directories/files referenced by start-time settings.
	if err := ensureFilesystem(cfg); err != nil {
		return nil, torerrors.ProcessStartError("preparing filesystem for tor startup", err)
	}
	torrcPath := filepath.Join(env.WorkDir, "torrc")
	defaultsPath := filepath.Join(env.WorkDir, "torrc.defaults")
	if err := writeIfMissing(torrcPath); err != nil {
		return nil, torerrors.ProcessStartError("creating torrc", err)
	}
	if err := writeIfMissing(defaultsPath); err != nil {
		return nil, torerrors.ProcessStartError("creating torrc.defaults", err)
	}

	argv := append([]string{"-f", torrcPath, "--defaults-torrc", defaultsPath, "--ignore-missing-torrc"}, cfg.StartArguments()...)

	// Step 5: delete any stale control-port-write-to-file.
	controlFilePath := controlPortFilePath(cfg)
	if controlFilePath != "" {
		_ = os.Remove(controlFilePath)
	}

	// Step 6: spawn.
	proc, stdoutFeed, latched, err := s.spawn(env, argv)
	if err != nil {
		return nil, torerrors.ProcessStartError("spawning tor process", err)
	}

	// Step 7: detect early exit within a 250ms window.
	if exited, exitErr := proc.earlyExit(250 * time.Millisecond); exited {
		_ = os.Remove(controlFilePath)
		return nil, torerrors.ProcessStartError("tor process exited during startup",
			fmt.Errorf("exit: %v; stdout: %s", exitErr, stdoutFeed.String()))
	}

	// Step 8-9: poll for the control-port file and cookie file, parse.
	cookiePath := cookieAuthFilePath(cfg)
	endpoint, err := pollForControlEndpoint(ctx, controlFilePath, cookiePath, stdoutFeed, latched)
	if err != nil {
		_ = proc.Stop(5 * time.Second)
		return nil, err
	}

	// Step 10: build CtrlArguments.
	var authCmd ctrlconn.CtrlCommand
	if cookiePath != "" {
		cookie, err := os.ReadFile(cookiePath)
		if err != nil {
			_ = proc.Stop(5 * time.Second)
			return nil, torerrors.ControlDiscoveryError("reading cookie auth file", err)
		}
		authCmd = ctrlconn.CtrlCommand{Kind: ctrlconn.CmdAuthenticate, CookieHex: fmt.Sprintf("%x", cookie)}
	} else {
		authCmd = ctrlconn.CtrlCommand{Kind: ctrlconn.CmdAuthenticate}
	}

	k.lastProcess = proc

	return &CtrlArguments{
		Process:      proc,
		Authenticate: authCmd,
		LoadConf:     ctrlconn.CtrlCommand{Kind: ctrlconn.CmdLoadConf, Text: cfg.Text},
		Endpoint:     endpoint,
	}, nil
}

// Stop implements spec §4.4's shutdown sequence: record last_stop_time,
// destroy the process, delete the control-port file, leave TorState.Off to
// the runtime.
func (s *Supervisor) Stop(env torcfg.Environment, cfg *torcfg.Config, grace time.Duration) error {
	k := keeperFor(env.Fid)
	k.mu.Lock()
	defer k.mu.Unlock()

	var err error
	if k.lastProcess != nil {
		err = k.lastProcess.Stop(grace)
		k.lastProcess = nil
	}
	k.lastStopTime = time.Now()
	k.haveLastStopped = true

	if path := controlPortFilePath(cfg); path != "" {
		_ = os.Remove(path)
	}
	return err
}

// spawn starts the Tor process and returns a latched error channel that
// receives at most one startup failure observed on the stdout feed: a
// matched "[err]" line, or no output at all within 1500ms (spec §4.4 step
// 6). pollForControlEndpoint/waitForCookie re-check it on every tick.
func (s *Supervisor) spawn(env torcfg.Environment, argv []string) (*Process, *teeWriter, <-chan error, error) {
	cmd := exec.Command(s.TorBinary, argv...)
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "HOME="+env.WorkDir)

	stdoutFeed := newTeeWriter(30, nil)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	latched := make(chan error, 1)
	latch := func(err error) {
		select {
		case latched <- err:
		default:
		}
	}
	stdoutFeed.reporter = func(line string) {
		logLine(s.Log, "stdout", line)
		if containsStartupFailure(line) {
			latch(torerrors.ProcessStartError("tor logged a startup error", fmt.Errorf("%s", line)))
		}
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdoutPipe.Read(buf)
			if n > 0 {
				stdoutFeed.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	go streamLines(stderrPipe, func(line string) { logLine(s.Log, "stderr", line) })
	go func() {
		if !stdoutFeed.awaitFirstOutput(1500 * time.Millisecond) {
			latch(torerrors.ProcessStartError("no stdout output within 1500ms", nil))
		}
	}()

	proc := &Process{cmd: cmd, done: make(chan struct{})}
	return proc, stdoutFeed, latched, nil
}

func containsStartupFailure(line string) bool {
	return strings.Contains(line, " [err] ") ||
		strings.Contains(line, "It looks like another Tor process is running with the same data directory")
}

func writeIfMissing(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, nil, 0o600)
}

func ensureFilesystem(cfg *torcfg.Config) error {
	for _, s := range cfg.Settings {
		switch s.Attribute {
		case torcfg.AttrDirectory:
			if v, ok := s.Value.(torcfg.FileSystemDir); ok && !v.IsAbsent() {
				if err := os.MkdirAll(string(v), 0o700); err != nil {
					return err
				}
			}
		case torcfg.AttrFile:
			if v, ok := s.Value.(torcfg.FileSystemFile); ok && !v.IsAbsent() {
				if err := os.MkdirAll(filepath.Dir(string(v)), 0o700); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func controlPortFilePath(cfg *torcfg.Config) string {
	s := cfg.Find("ControlPortWriteToFile")
	if s == nil {
		return ""
	}
	v, ok := s.Value.(torcfg.FileSystemFile)
	if !ok {
		return ""
	}
	return string(v)
}

func cookieAuthFilePath(cfg *torcfg.Config) string {
	s := cfg.Find("CookieAuthFile")
	if s == nil {
		return ""
	}
	v, ok := s.Value.(torcfg.FileSystemFile)
	if !ok {
		return ""
	}
	return string(v)
}

// pollForControlEndpoint implements spec §4.4 step 8-9: 50ms-cadence polling
// with a 3s budget for the control-port file and a 1s budget for the cookie
// file (started only after >=5 stdout lines observed), re-checking the
// stdout feed's latched startup error on every tick.
func pollForControlEndpoint(ctx context.Context, controlFilePath, cookiePath string, stdoutFeed *teeWriter, latched <-chan error) (Endpoint, error) {
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(controlFilePath); err == nil {
			endpoint, err := parseControlPortFile(controlFilePath)
			if err == nil {
				if cookiePath != "" {
					if err := waitForCookie(ctx, cookiePath, stdoutFeed, latched); err != nil {
						return Endpoint{}, err
					}
				}
				return endpoint, nil
			}
		}
		if time.Now().After(deadline) {
			return Endpoint{}, torerrors.ControlDiscoveryError("timed out waiting for control-port file", nil)
		}
		select {
		case <-ctx.Done():
			return Endpoint{}, torerrors.CancelledError("control discovery cancelled")
		case err := <-latched:
			return Endpoint{}, err
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// waitForCookie polls for the cookie auth file. Its 1s timeout only starts
// counting once stdoutFeed has observed >=5 lines (spec §4.4 step 8); before
// that, polling continues unbounded except for ctx cancellation and latched.
func waitForCookie(ctx context.Context, cookiePath string, stdoutFeed *teeWriter, latched <-chan error) error {
	var deadline time.Time
	for {
		if info, err := os.Stat(cookiePath); err == nil && info.Size() > 0 {
			return nil
		}
		if deadline.IsZero() && stdoutFeed.LineCount() >= 5 {
			deadline = time.Now().Add(1 * time.Second)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return torerrors.ControlDiscoveryError("timed out waiting for cookie auth file", nil)
		}
		select {
		case <-ctx.Done():
			return torerrors.CancelledError("cookie discovery cancelled")
		case err := <-latched:
			return err
		case <-time.After(50 * time.Millisecond):
		}
	}
}
