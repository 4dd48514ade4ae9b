// Package runtime implements Runtime/ActionProcessor: a LIFO ActionJob
// queue driving at most one live Tor process plus one live CtrlConnection
// per Environment, the TorState diff-guard transition table, event
// handling, and the connectivity-debounced network toggle.
//
// Grounded on the lifecycle shape of the teacher's pkg/client/client.go
// (ctx/cancel/wg, idempotent shutdownOnce, constructor assembling
// collaborating subsystems), generalized from "start one client" into the
// job-queue/state-machine spec.md §4.5 describes.
package runtime

import "sync"

// DaemonPhase is the Daemon half of TorState.
type DaemonPhase int

const (
	DaemonOff DaemonPhase = iota
	DaemonStarting
	DaemonOn
	DaemonStopping
)

func (p DaemonPhase) String() string {
	switch p {
	case DaemonStarting:
		return "starting"
	case DaemonOn:
		return "on"
	case DaemonStopping:
		return "stopping"
	default:
		return "off"
	}
}

// NetworkPhase is the Network half of TorState.
type NetworkPhase int

const (
	NetworkDisabled NetworkPhase = iota
	NetworkEnabled
)

func (p NetworkPhase) String() string {
	if p == NetworkEnabled {
		return "enabled"
	}
	return "disabled"
}

// TorState is the runtime's observable snapshot: spec §3/§4.5.
// Ready latches true when Daemon==On && Bootstrap==100 && Network==Enabled
// and resets the instant any of these no longer holds.
type TorState struct {
	Daemon    DaemonPhase
	Bootstrap int // meaningful only while Daemon == DaemonOn
	Network   NetworkPhase
	Ready     bool
}

func (s TorState) deriveReady() bool {
	return s.Daemon == DaemonOn && s.Bootstrap == 100 && s.Network == NetworkEnabled
}

// stateGuard holds the current TorState and applies the diff-guard
// transition table of spec §4.5, notifying subscribers only on applied
// transitions.
type stateGuard struct {
	mu        sync.Mutex
	current   TorState
	observers []func(TorState)
}

func newStateGuard() *stateGuard {
	return &stateGuard{current: TorState{Daemon: DaemonOff, Network: NetworkDisabled}}
}

// Subscribe registers fn to be called on every applied transition,
// including the current state immediately.
func (g *stateGuard) Subscribe(fn func(TorState)) {
	g.mu.Lock()
	g.observers = append(g.observers, fn)
	cur := g.current
	g.mu.Unlock()
	fn(cur)
}

// Snapshot returns the current TorState.
func (g *stateGuard) Snapshot() TorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// applyDaemon proposes a new DaemonPhase (and, for DaemonOn, a bootstrap
// percentage). Disallowed transitions are silent no-ops. Daemon.Off forces
// Network.Disabled.
func (g *stateGuard) applyDaemon(proposed DaemonPhase, bootstrap int) {
	g.mu.Lock()
	cur := g.current
	if !daemonTransitionAllowed(cur.Daemon, proposed) {
		g.mu.Unlock()
		return
	}
	next := cur
	next.Daemon = proposed
	if proposed == DaemonOn {
		next.Bootstrap = bootstrap
	}
	if proposed == DaemonOff {
		next.Network = NetworkDisabled
		next.Bootstrap = 0
	}
	next.Ready = next.deriveReady()
	if next == cur {
		g.mu.Unlock()
		return
	}
	g.current = next
	observers := append([]func(TorState){}, g.observers...)
	g.mu.Unlock()
	for _, fn := range observers {
		fn(next)
	}
}

// applyNetwork proposes a new NetworkPhase. Same/no-op and Ready recompute
// rules apply; there is no disallowed-transition table for Network itself
// (only Daemon is diff-guarded per spec §4.5).
func (g *stateGuard) applyNetwork(proposed NetworkPhase) {
	g.mu.Lock()
	cur := g.current
	if cur.Network == proposed {
		g.mu.Unlock()
		return
	}
	next := cur
	next.Network = proposed
	next.Ready = next.deriveReady()
	g.current = next
	observers := append([]func(TorState){}, g.observers...)
	g.mu.Unlock()
	for _, fn := range observers {
		fn(next)
	}
}

// daemonTransitionAllowed implements spec §4.5's diff rule:
//
//	On       -> Starting           drop (keep On)
//	Off      -> On / Stopping      drop (must go via Starting)
//	Stopping -> On                 drop (must go via Off->Starting)
//	otherwise                      apply
//
// On -> On is allowed through: it carries the bootstrap percentage stream
// (events.go calls applyDaemon(DaemonOn, n) for every "Bootstrapped n%"
// notice), and applyDaemon's own next == cur struct comparison already
// drops a genuinely-identical state (same phase, same bootstrap).
func daemonTransitionAllowed(current, proposed DaemonPhase) bool {
	if current == proposed && current != DaemonOn {
		return false
	}
	switch current {
	case DaemonOn:
		if proposed == DaemonStarting {
			return false
		}
	case DaemonOff:
		if proposed == DaemonOn || proposed == DaemonStopping {
			return false
		}
	case DaemonStopping:
		if proposed == DaemonOn {
			return false
		}
	}
	return true
}
