package ctm

import (
	"context"
	"sync"
	"time"
)

// LocalState is a task's position in the per-node claim state machine.
type LocalState string

const (
	StateNew            LocalState = "NEW"
	StateInitiating      LocalState = "INITIATING"
	StateClaiming        LocalState = "CLAIMING"
	StateClaimedByNode   LocalState = "CLAIMED_BY_NODE"
	StateHandlingByNode  LocalState = "HANDLING_BY_NODE"
	StateUnclaiming      LocalState = "UNCLAIMING"
	StateClaimedByOther  LocalState = "CLAIMED_BY_OTHER"
	StateHandlingByOther LocalState = "HANDLING_BY_OTHER"
	StateError           LocalState = "ERROR"
)

// TaskBody is the unit of work executed while a task is HANDLING_BY_NODE.
// It must respect ctx's deadline (bounded by MaxDuration) and should be
// idempotent, since a crash mid-execution is not recovered.
type TaskBody func(ctx context.Context) error

// TaskDefinition is the immutable input supplied to Register.
type TaskDefinition struct {
	// Name uniquely identifies the task across the cluster; it is also the
	// sync-topic partition key for every signal about this task.
	Name string
	// Body is executed once per HANDLING_BY_NODE cycle.
	Body TaskBody
	// Period is the desired interval between executions while claimed.
	Period time.Duration
	// MaxDuration bounds a single execution of Body.
	MaxDuration time.Duration
	// ClaimedSignalPeriod is how often an owner republishes HEARTBEAT.
	ClaimedSignalPeriod time.Duration
	// Resurrection is how long a node will wait, having observed no
	// activity for this task, before attempting a fresh CLAIMING.
	Resurrection time.Duration
}

func (d TaskDefinition) validate() error {
	if d.Name == "" {
		return newErr(ErrKindConfiguration, "task definition requires a name")
	}
	if d.Body == nil {
		return newErr(ErrKindConfiguration, "task definition requires a body")
	}
	if d.Period <= 0 {
		return newErr(ErrKindConfiguration, "task definition requires a positive period")
	}
	if d.MaxDuration <= 0 {
		return newErr(ErrKindConfiguration, "task definition requires a positive max duration")
	}
	if d.ClaimedSignalPeriod <= 0 {
		return newErr(ErrKindConfiguration, "task definition requires a positive claimed signal period")
	}
	if d.Resurrection <= 0 {
		return newErr(ErrKindConfiguration, "task definition requires a positive resurrection timeout")
	}
	return nil
}

// Task is the per-node mutable runtime record for one registered task.
// LocalState is written only from the dispatch loop; all other access
// goes through the accessor methods below, which take the lock so callers
// (e.g. the node-info publisher, operators) get a consistent snapshot.
type Task struct {
	def TaskDefinition

	mu sync.Mutex

	localState            LocalState
	unclaimedSignalOffset *int64
	claimingTimestamp     time.Time
	stateStarted          time.Time
	lastClaimedInfo       time.Time
	lastStartup           time.Time
	currentExecutor       *string
	lastHandlingCompleted time.Time
	lastHandlingStarted   time.Time
}

func newTask(def TaskDefinition) *Task {
	return &Task{
		def:          def,
		localState:   StateNew,
		stateStarted: time.Time{},
	}
}

// Name returns the task's registered name.
func (t *Task) Name() string { return t.def.Name }

// Definition returns the immutable definition the task was registered with.
func (t *Task) Definition() TaskDefinition { return t.def }

// State returns the task's current local state.
func (t *Task) State() LocalState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localState
}

// UnclaimedSignalOffset returns the log offset of the last observed
// UNCLAIMED record for this task, or nil if none has been observed yet.
func (t *Task) UnclaimedSignalOffset() *int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unclaimedSignalOffset
}

// CurrentExecutor returns the peer node id currently believed to hold the
// claim, or nil if this node holds it (or nobody does).
func (t *Task) CurrentExecutor() *string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentExecutor
}

// HandlingLag reports how overdue the next HANDLING cycle is relative to
// Period, using the last completed execution as the baseline. It is
// informational only and never feeds back into claim arbitration.
func (t *Task) HandlingLag(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastHandlingCompleted.IsZero() {
		return 0
	}
	overdue := now.Sub(t.lastHandlingCompleted) - t.def.Period
	if overdue < 0 {
		return 0
	}
	return overdue
}

// snapshot captures the fields the node-info publisher broadcasts about
// this task, under the task lock.
func (t *Task) snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		Name:         t.def.Name,
		State:        t.localState,
		StateStarted: t.stateStarted,
		LastStartup:  t.lastStartup,
	}
}

// setState moves the task to a new local state and stamps StateStarted.
// Must be called with t.mu held.
func (t *Task) setState(s LocalState, now time.Time) {
	t.localState = s
	t.stateStarted = now
}

// withLock runs fn with the task's lock held, for the state machine's
// compound read-modify-write transitions.
func (t *Task) withLock(fn func(*Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

// TaskSnapshot is the per-task slice of a NodeTaskInformation broadcast.
type TaskSnapshot struct {
	Name         string     `yaml:"name"`
	State        LocalState `yaml:"state"`
	StateStarted time.Time  `yaml:"stateStarted"`
	LastStartup  time.Time  `yaml:"lastStartup"`
}
