// Command torctl is a terminal UI for driving a torsupervisor Runtime: it
// enqueues Start/Stop/Restart ActionJobs and renders the live TorState and
// listener/action event log.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/opd-ai/torsupervisor/pkg/autoconfig"
	"github.com/opd-ai/torsupervisor/pkg/config"
	"github.com/opd-ai/torsupervisor/pkg/health"
	"github.com/opd-ai/torsupervisor/pkg/httpmetrics"
	"github.com/opd-ai/torsupervisor/pkg/logger"
	"github.com/opd-ai/torsupervisor/pkg/metrics"
	"github.com/opd-ai/torsupervisor/pkg/onionhelper"
	"github.com/opd-ai/torsupervisor/pkg/resources"
	"github.com/opd-ai/torsupervisor/pkg/runtime"
	"github.com/opd-ai/torsupervisor/pkg/torcfg"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	fid := flag.String("fid", "default", "Environment identity; keys ProcessSupervisor's per-instance state")
	workDir := flag.String("workdir", "", "Working directory for the managed Tor instance (default: the platform data dir, subdir named by -fid)")
	cacheDir := flag.String("cachedir", "", "Cache directory (default: same as -workdir)")
	torBinary := flag.String("tor-binary", "", "Path to the tor executable (default: look up on $PATH)")
	torrcPath := flag.String("torrc", "", "Optional torrc-style fragment to layer over the embedded default")
	attachAddr := flag.String("attach", "", "Attach to an already-running daemon's control port (host:port) instead of spawning one")
	attachNetwork := flag.String("attach-network", "tcp", "Network for -attach: \"tcp\" or \"unix\"")
	cookie := flag.String("cookie", "", "Cookie hex for -attach (empty: try PROTOCOLINFO discovery)")
	password := flag.String("password", "", "Password for -attach")
	metricsAddr := flag.String("metrics-addr", "", "Serve /healthz and /metrics on this address (default: disabled)")
	hiddenServicePort := flag.Int("hidden-service", 0, "Virtual port to expose as a v3 hidden service once the daemon is ready (0: disabled)")
	hiddenServiceLocal := flag.String("hidden-service-local", "127.0.0.1:0", "Local address the hidden service's virtual port forwards to")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("torctl version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *workDir == "" {
		base, err := autoconfig.GetDefaultDataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "torctl: %v\n", err)
			os.Exit(1)
		}
		dir, err := autoconfig.EnsureSubDir(base, *fid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "torctl: %v\n", err)
			os.Exit(1)
		}
		// workDir persists across runs (unlike a fresh temp dir), so sweep
		// whatever the previous run left behind before reusing it.
		_ = autoconfig.CleanupTempFiles(dir)
		*workDir = dir
	}
	if *cacheDir == "" {
		*cacheDir = *workDir
	}

	// The TUI owns the terminal; send logs to a file instead of stdout.
	logFile, err := os.OpenFile(*workDir+"/torctl.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	var logWriter io.Writer = io.Discard
	if err == nil {
		logWriter = logFile
		defer logFile.Close()
	}
	log := logger.New(slog.LevelInfo, logWriter)

	env := torcfg.Environment{WorkDir: *workDir, CacheDir: *cacheDir, Fid: *fid}

	var fragments []torcfg.Fragment
	if *torrcPath != "" {
		frag, err := config.LoadTorrcFragment(*torrcPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "torctl: loading %s: %v\n", *torrcPath, err)
			os.Exit(1)
		}
		fragments = append(fragments, frag)
	}

	rt := runtime.New(env, runtime.Options{
		Fragments: fragments,
		Installer: resources.NewInstaller(*torBinary),
		TorBinary: *torBinary,
		Log:       log,
	})

	stats := metrics.New()
	rt.SubscribeState(func(s runtime.TorState) {
		stats.Bootstrap.Set(float64(s.Bootstrap))
		if s.Ready {
			stats.Ready.Set(1)
		} else {
			stats.Ready.Set(0)
		}
	})

	if *metricsAddr != "" {
		monitor := health.NewMonitor()
		monitor.RegisterChecker(health.NewRuntimeHealthChecker(func() health.RuntimeState {
			s := rt.State()
			return health.RuntimeState{DaemonPhase: s.Daemon.String(), Bootstrap: s.Bootstrap, Ready: s.Ready}
		}))
		srv := httpmetrics.NewServer(*metricsAddr, stats, monitor, log)
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "torctl: starting metrics server: %v\n", err)
			os.Exit(1)
		}
		defer srv.Stop()
	}

	m := newModel(rt, stats, *attachAddr, *attachNetwork, *cookie, *password)
	p := tea.NewProgram(m, tea.WithAltScreen())
	m.program = p

	rt.SubscribeState(func(s runtime.TorState) { p.Send(stateMsg(s)) })
	rt.SubscribeListeners(func(ev runtime.ListenerEvent) { p.Send(listenerMsg(ev)) })

	if *hiddenServicePort != 0 {
		onions := onionhelper.New(rt)
		var svc *onionhelper.Service
		var once sync.Once
		rt.SubscribeState(func(s runtime.TorState) {
			if !s.Ready {
				return
			}
			once.Do(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				created, err := onions.CreateHiddenService(ctx, *hiddenServicePort, onionhelper.CreateOptions{
					ListenAddress: *hiddenServiceLocal,
				})
				if err != nil {
					p.Send(logMsg(fmt.Sprintf("hidden service failed: %v", err)))
					return
				}
				svc = created
				p.Send(logMsg(fmt.Sprintf("hidden service ready: %s:%d -> %s", svc.OnionAddress(), *hiddenServicePort, svc.Listener.Addr())))
			})
		})
		rt.OnDestroy(func() {
			if svc != nil {
				svc.Close()
			}
		})
	}

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "torctl: %v\n", err)
		os.Exit(1)
	}
	rt.Destroy()
}
