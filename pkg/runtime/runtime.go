package runtime

import (
	"context"
	"encoding/hex"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/torsupervisor/pkg/ctrlconn"
	torerrors "github.com/opd-ai/torsupervisor/pkg/errors"
	"github.com/opd-ai/torsupervisor/pkg/logger"
	"github.com/opd-ai/torsupervisor/pkg/supervisor"
	"github.com/opd-ai/torsupervisor/pkg/torcfg"
)

// requiredEvents is the set of control-port events the runtime always
// subscribes to, regardless of user subscriptions, so it can drive its own
// state machine (spec §4.5's event handling list).
var requiredEvents = []string{"STATUS_CLIENT", "NOTICE", "CONF_CHANGED"}

// Options configures a Runtime at construction time.
type Options struct {
	Fragments     []torcfg.Fragment
	Installer     torcfg.ResourceInstaller
	Probe         torcfg.PortProbe
	GenOptions    torcfg.GenerateOptions
	TorBinary     string
	TakeOwnership bool
	StopGrace     time.Duration
	DebounceDelay time.Duration
	Log           *logger.Logger
}

// Runtime multiplexes one Environment across at most one live Tor process
// and one live CtrlConnection, per spec §4.5. Construction assembles its
// collaborating subsystems eagerly; the lifecycle idiom (ctx/cancel,
// idempotent destroy-once) is adapted from the teacher's
// pkg/client/client.go constructor shape.
type Runtime struct {
	env torcfg.Environment
	opt Options
	log *logger.Logger

	state *stateGuard

	supervisor *supervisor.Supervisor

	ctx    context.Context
	cancel context.CancelFunc

	stackMu   sync.Mutex
	stack     []*ActionJob
	executing *ActionJob
	wake      chan struct{}

	connMu sync.Mutex
	conn   *ctrlconn.Conn
	lastCfg *torcfg.Config

	userEventsMu sync.Mutex
	userEvents   map[string]bool

	listenerMu   sync.Mutex
	listenerSubs []func(ListenerEvent)

	debouncer      *connectivityDebouncer
	connectivityMu sync.Mutex
	connectivity   ConnectivityEvent

	destroyMu       sync.Mutex
	destroyed       bool
	onDestroyCbs    []func()
}

// New constructs a Runtime for env and starts its processor loop. No
// process or connection is created until the first Start job executes.
func New(env torcfg.Environment, opt Options) *Runtime {
	if opt.StopGrace == 0 {
		opt.StopGrace = 5 * time.Second
	}
	if opt.DebounceDelay == 0 {
		opt.DebounceDelay = 300 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		env:        env,
		opt:        opt,
		log:        opt.Log,
		state:      newStateGuard(),
		supervisor: supervisor.New(opt.TorBinary, opt.Log),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		userEvents: make(map[string]bool),
	}
	r.debouncer = newConnectivityDebouncer(opt.DebounceDelay, r.fireDebouncedNetworkToggle)
	go r.processorLoop()
	return r
}

// State returns the current TorState snapshot.
func (r *Runtime) State() TorState { return r.state.Snapshot() }

// SubscribeState registers fn for every applied TorState transition.
func (r *Runtime) SubscribeState(fn func(TorState)) { r.state.Subscribe(fn) }

// SubscribeListeners registers fn for every ListenerEvent.
func (r *Runtime) SubscribeListeners(fn func(ListenerEvent)) {
	r.listenerMu.Lock()
	r.listenerSubs = append(r.listenerSubs, fn)
	r.listenerMu.Unlock()
}

// SubscribeEventType adds an additional control-port event type to the
// union issued by the next SETEVENTS, alongside requiredEvents.
func (r *Runtime) SubscribeEventType(kind string) {
	r.userEventsMu.Lock()
	r.userEvents[kind] = true
	r.userEventsMu.Unlock()
}

// NotifyConnectivity feeds a connectivity transition into the debounced
// SetConf DisableNetwork scheduler (spec §4.5).
func (r *Runtime) NotifyConnectivity(event ConnectivityEvent) {
	r.connectivityMu.Lock()
	r.connectivity = event
	r.connectivityMu.Unlock()
	r.debouncer.Notify(event)
}

func (r *Runtime) lastKnownConnectivity() ConnectivityEvent {
	r.connectivityMu.Lock()
	defer r.connectivityMu.Unlock()
	return r.connectivity
}

func (r *Runtime) fireDebouncedNetworkToggle(disableNetwork bool) {
	conn := r.currentConn()
	if conn == nil {
		return
	}
	val := "0"
	if disableNetwork {
		val = "1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = conn.Exec(ctx, ctrlconn.CtrlCommand{Kind: ctrlconn.CmdSetConf, Settings: map[string]string{"DisableNetwork": val}})
}

func (r *Runtime) currentConn() *ctrlconn.Conn {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

// ExecCommand passes cmd through to the live CtrlConnection, failing with
// IllegalState if the runtime has no active connection.
func (r *Runtime) ExecCommand(ctx context.Context, cmd ctrlconn.CtrlCommand) (ctrlconn.Reply, error) {
	conn := r.currentConn()
	if conn == nil {
		return ctrlconn.Reply{}, torerrors.IllegalStateError("no active control connection")
	}
	return conn.Exec(ctx, cmd)
}

// Enqueue pushes kind onto the LIFO action stack (or, when a compatible job
// is already executing, attaches as its child per spec §4.5) and returns
// the ActionJob handle.
func (r *Runtime) Enqueue(kind ActionKind) *ActionJob {
	job := newActionJob(kind)

	r.stackMu.Lock()
	if r.executing != nil && sameFamily(r.executing.Kind, kind) {
		r.executing.attachChild(job)
		r.stackMu.Unlock()
		return job
	}
	if kind == ActionStop && r.executing != nil && isStartFamily(r.executing.Kind) {
		r.executing.markInterrupted()
	}
	if n := len(r.stack); n > 0 && sameFamily(r.stack[n-1].Kind, kind) {
		r.stack[n-1].attachChild(job)
	} else {
		r.stack = append(r.stack, job)
	}
	r.stackMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return job
}

func sameFamily(a, b ActionKind) bool {
	if a == ActionStop && b == ActionStop {
		return true
	}
	return isStartFamily(a) && isStartFamily(b)
}

func isStartFamily(k ActionKind) bool { return k == ActionStart || k == ActionRestart }

// processorLoop pops the stack top and executes it to completion,
// serializing so the Runtime drives at most one process+connection pair at
// a time.
func (r *Runtime) processorLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}
		for {
			job := r.popNext()
			if job == nil {
				break
			}
			r.execute(job)
		}
	}
}

func (r *Runtime) popNext() *ActionJob {
	r.stackMu.Lock()
	defer r.stackMu.Unlock()
	if len(r.stack) == 0 {
		r.executing = nil
		return nil
	}
	job := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	r.executing = job
	return job
}

func (r *Runtime) execute(job *ActionJob) {
	job.mu.Lock()
	job.state = JobExecuting
	job.mu.Unlock()

	var err error
	switch job.Kind {
	case ActionStart:
		err = r.executeStart(r.ctx, job)
	case ActionStop:
		err = r.executeStop(r.ctx, job)
	case ActionRestart:
		if err = r.executeStop(r.ctx, job); err == nil {
			err = r.executeStart(r.ctx, job)
		}
	}

	if err != nil {
		state := JobErrored
		switch torerrors.GetCategory(err) {
		case torerrors.CategoryInterrupted:
			state = JobInterrupted
		case torerrors.CategoryCancelled:
			state = JobCancelled
		}
		job.finish(state, err)
		return
	}
	job.finish(JobCompleted, nil)
}

// executeStart implements spec §4.5's Start action body.
func (r *Runtime) executeStart(ctx context.Context, job *ActionJob) error {
	if r.currentConn() != nil {
		return nil // already Started: complete successfully, no side effects
	}

	r.state.applyDaemon(DaemonStarting, 0)

	if err := job.checkCancellationOrInterrupt(); err != nil {
		return err
	}

	cfg, _, err := torcfg.Generate(ctx, r.env, r.opt.Fragments, r.opt.Installer, r.opt.Probe, r.opt.GenOptions, r.log)
	if err != nil {
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}
	r.connMu.Lock()
	r.lastCfg = cfg
	r.connMu.Unlock()

	if err := job.checkCancellationOrInterrupt(); err != nil {
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}

	ctrlArgs, err := r.supervisor.Start(ctx, r.env, cfg)
	if err != nil {
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}

	if err := job.checkCancellationOrInterrupt(); err != nil {
		_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}

	conn, err := ctrlconn.Dial(ctrlArgs.Endpoint.Network, ctrlArgs.Endpoint.Address)
	if err != nil {
		_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}
	if err := conn.StartRead(); err != nil {
		_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}
	conn.Subscribe(r.handleAsyncReply)

	if err := conn.Authenticate(ctx, ctrlArgs.Authenticate.CookieHex, ctrlArgs.Authenticate.Password); err != nil {
		_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}

	if _, err := conn.Exec(ctx, ctrlArgs.LoadConf); err != nil {
		_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}

	if _, err := conn.Exec(ctx, ctrlconn.CtrlCommand{Kind: ctrlconn.CmdSetEvents, Events: r.eventUnion()}); err != nil {
		_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
		r.state.applyDaemon(DaemonOff, 0)
		return err
	}

	if r.opt.TakeOwnership {
		if err := conn.TakeOwnership(ctx); err != nil {
			_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
			r.state.applyDaemon(DaemonOff, 0)
			return err
		}
	}

	if r.lastKnownConnectivity() == Connected {
		if _, err := conn.Exec(ctx, ctrlconn.CtrlCommand{Kind: ctrlconn.CmdResetConf, Keys: []string{"DisableNetwork"}}); err != nil {
			_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
			r.state.applyDaemon(DaemonOff, 0)
			return err
		}
	}

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()

	return nil
}

func (r *Runtime) eventUnion() []string {
	r.userEventsMu.Lock()
	defer r.userEventsMu.Unlock()
	seen := make(map[string]bool, len(requiredEvents)+len(r.userEvents))
	var out []string
	for _, e := range requiredEvents {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for e := range r.userEvents {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// executeStop implements spec §4.5's Stop action body.
func (r *Runtime) executeStop(ctx context.Context, job *ActionJob) error {
	r.connMu.Lock()
	conn := r.conn
	cfg := r.lastCfg
	r.connMu.Unlock()

	if conn == nil {
		return nil // already Off: complete immediately
	}

	r.state.applyDaemon(DaemonStopping, 0)

	signalCtx, cancel := context.WithTimeout(ctx, r.opt.StopGrace)
	defer cancel()
	if _, err := conn.Exec(signalCtx, ctrlconn.CtrlCommand{Kind: ctrlconn.CmdSignal, Signal: ctrlconn.SignalShutdown}); err != nil {
		_ = conn.Close()
	}

	if cfg != nil {
		_ = r.supervisor.Stop(r.env, cfg, r.opt.StopGrace)
	}
	_ = conn.Close()

	r.connMu.Lock()
	r.conn = nil
	r.connMu.Unlock()

	r.state.applyDaemon(DaemonOff, 0)
	return nil
}

// Attach opens a CtrlConnection to an already-running Tor process without
// going through ProcessSupervisor, per SPEC_FULL.md §2c's PROTOCOLINFO
// fallback. When cookieHex and password are both empty, the cookie is
// discovered via PROTOCOLINFO's COOKIEFILE before authenticating; otherwise
// the given credential is used verbatim for AUTHENTICATE.
func (r *Runtime) Attach(ctx context.Context, network, addr, cookieHex, password string) error {
	if r.currentConn() != nil {
		return torerrors.IllegalStateError("runtime already has an active connection")
	}
	conn, err := ctrlconn.Dial(network, addr)
	if err != nil {
		return err
	}
	if err := conn.StartRead(); err != nil {
		return err
	}
	conn.Subscribe(r.handleAsyncReply)

	if cookieHex == "" && password == "" {
		discovered, err := discoverCookie(ctx, conn)
		if err != nil {
			return err
		}
		cookieHex = discovered
	}

	if err := conn.Authenticate(ctx, cookieHex, password); err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, ctrlconn.CtrlCommand{Kind: ctrlconn.CmdSetEvents, Events: r.eventUnion()}); err != nil {
		return err
	}
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	return nil
}

// discoverCookie issues PROTOCOLINFO on conn (legal pre-authentication) and
// reads the cookie file it names, returning the cookie hex-encoded for
// AUTHENTICATE. Grounded on nao1215-tornago's ControlAuthFromTor/
// WaitForControlPort cookie-discovery path.
func discoverCookie(ctx context.Context, conn *ctrlconn.Conn) (string, error) {
	reply, err := conn.Exec(ctx, ctrlconn.CtrlCommand{Kind: ctrlconn.CmdProtocolInfo})
	if err != nil {
		return "", err
	}
	for _, line := range reply.Lines {
		idx := strings.Index(line, "COOKIEFILE=")
		if idx < 0 {
			continue
		}
		path := strings.Trim(line[idx+len("COOKIEFILE="):], `"`)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", torerrors.ControlDiscoveryError("reading cookie file named by PROTOCOLINFO", err)
		}
		return hex.EncodeToString(data), nil
	}
	return "", torerrors.ControlDiscoveryError("PROTOCOLINFO reply did not name a COOKIEFILE", nil)
}

// Destroy cancels the action scope, unsubscribes the connectivity observer,
// destroys the CtrlConnection, cancels any in-flight ActionJob with
// Cancelled, and invokes all on-destroy callbacks exactly once.
func (r *Runtime) Destroy() {
	r.destroyMu.Lock()
	if r.destroyed {
		r.destroyMu.Unlock()
		return
	}
	r.destroyed = true
	cbs := r.onDestroyCbs
	r.destroyMu.Unlock()

	r.cancel()
	r.debouncer.Stop()

	r.stackMu.Lock()
	pending := append([]*ActionJob{}, r.stack...)
	if r.executing != nil {
		pending = append(pending, r.executing)
	}
	r.stack = nil
	r.stackMu.Unlock()
	for _, j := range pending {
		j.cancel()
		j.finish(JobCancelled, cancelledJobError)
	}

	if conn := r.currentConn(); conn != nil {
		_ = conn.Close()
	}
	r.connMu.Lock()
	r.conn = nil
	r.connMu.Unlock()

	var g errgroup.Group
	for _, fn := range cbs {
		fn := fn
		g.Go(func() error {
			fn()
			return nil
		})
	}
	_ = g.Wait()
}

// OnDestroy registers fn to be invoked once Destroy runs. If the runtime is
// already destroyed, fn fires immediately.
func (r *Runtime) OnDestroy(fn func()) {
	r.destroyMu.Lock()
	if r.destroyed {
		r.destroyMu.Unlock()
		fn()
		return
	}
	r.onDestroyCbs = append(r.onDestroyCbs, fn)
	r.destroyMu.Unlock()
}
