package runtime

import (
	"sync"

	torerrors "github.com/opd-ai/torsupervisor/pkg/errors"
	"github.com/google/uuid"
)

var (
	cancelledJobError   = torerrors.CancelledError("action job cancelled")
	interruptedJobError = torerrors.InterruptedError("action job interrupted by a Stop")
)

// ActionKind is the closed set of ActionJob variants spec §4.5 names.
type ActionKind int

const (
	ActionStart ActionKind = iota
	ActionStop
	ActionRestart
)

func (k ActionKind) String() string {
	switch k {
	case ActionStop:
		return "stop"
	case ActionRestart:
		return "restart"
	default:
		return "start"
	}
}

// JobState is ActionJob's own lifecycle, distinct from TorState.
type JobState int

const (
	JobEnqueued JobState = iota
	JobExecuting
	JobCompleted
	JobErrored
	JobCancelled
	JobInterrupted
)

// ActionJob is a pending or executing Start/Stop/Restart request. Cooperative
// cancellation works through checkCancellationOrInterrupt, read at every
// await point in the executing body (spec §9).
type ActionJob struct {
	ID   string
	Kind ActionKind

	mu            sync.Mutex
	state         JobState
	cancelled     bool
	interrupted   bool
	result        error
	children      []*ActionJob
	onSuccess     []func()
	onFailure     []func(error)
	done          chan struct{}
	doneCloseOnce sync.Once
}

// newActionJob constructs an Enqueued job with a fresh uuid identity.
func newActionJob(kind ActionKind) *ActionJob {
	return &ActionJob{
		ID:    uuid.NewString(),
		Kind:  kind,
		state: JobEnqueued,
		done:  make(chan struct{}),
	}
}

// State returns the job's current JobState.
func (j *ActionJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// OnSuccess registers a callback invoked when the job completes
// successfully. If the job has already completed successfully, fn fires
// immediately.
func (j *ActionJob) OnSuccess(fn func()) {
	j.mu.Lock()
	if j.state == JobCompleted {
		j.mu.Unlock()
		fn()
		return
	}
	j.onSuccess = append(j.onSuccess, fn)
	j.mu.Unlock()
}

// OnFailure registers a callback invoked with the job's typed error when it
// fails (Errored, Cancelled, or Interrupted). If the job has already failed,
// fn fires immediately.
func (j *ActionJob) OnFailure(fn func(error)) {
	j.mu.Lock()
	if j.failedLocked() {
		err := j.result
		j.mu.Unlock()
		fn(err)
		return
	}
	j.onFailure = append(j.onFailure, fn)
	j.mu.Unlock()
}

func (j *ActionJob) failedLocked() bool {
	return j.state == JobErrored || j.state == JobCancelled || j.state == JobInterrupted
}

// Wait blocks until the job reaches a terminal state.
func (j *ActionJob) Wait() {
	<-j.done
}

// attachChild marks child as attached to j: it completes alongside j with
// the same result, per spec §4.5's "attach as children" rule for
// overlapping Stop-Stop or Start/Restart-Start/Restart enqueues.
func (j *ActionJob) attachChild(child *ActionJob) {
	j.mu.Lock()
	j.children = append(j.children, child)
	j.mu.Unlock()
}

// markInterrupted latches the one-shot Stop-overrides-Start marker spec §9
// describes; read cooperatively via checkCancellationOrInterrupt.
func (j *ActionJob) markInterrupted() {
	j.mu.Lock()
	j.interrupted = true
	j.mu.Unlock()
}

// cancel latches the cancellation marker.
func (j *ActionJob) cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

// checkCancellationOrInterrupt is read at every await point in the
// executing body between I/O steps (spec §9). It returns a non-nil error
// the moment either marker is latched.
func (j *ActionJob) checkCancellationOrInterrupt() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return cancelledJobError
	}
	if j.interrupted {
		return interruptedJobError
	}
	return nil
}

// finish transitions the job (and all attached children) to a terminal
// state exactly once, invoking the matching callbacks and closing done.
func (j *ActionJob) finish(state JobState, err error) {
	j.mu.Lock()
	if j.state == JobCompleted || j.failedLocked() {
		j.mu.Unlock()
		return
	}
	j.state = state
	j.result = err
	successCbs := j.onSuccess
	failureCbs := j.onFailure
	children := j.children
	j.mu.Unlock()

	if err == nil {
		for _, fn := range successCbs {
			fn()
		}
	} else {
		for _, fn := range failureCbs {
			fn(err)
		}
	}
	j.doneCloseOnce.Do(func() { close(j.done) })

	for _, c := range children {
		c.finish(state, err)
	}
}
