package ctm

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// pendingEntry is one scheduled claim-protocol timer; fire produces the
// Signal sent when it comes due. Task executions are not entries: they run
// separately via executeTask. index is maintained by container/heap for
// O(log n) removal by name.
type pendingEntry struct {
	name  string
	due   time.Time
	seq   int64
	fire  func() Signal
	index int
}

// pendingQueue is a min-heap ordered by due time, ties broken by insertion
// order (seq).
type pendingQueue []*pendingEntry

func (q pendingQueue) Len() int { return len(q) }
func (q pendingQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *pendingQueue) Push(x any) {
	e := x.(*pendingEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// PendingHandler is the monotonic timer facility: every claim-protocol
// timer (claim attempt, resurrection, heartbeat, periodic handling) is a
// named entry in a single priority queue, replacing any earlier entry of
// the same name. Firing pushes a Signal onto out, where the Node's single
// dispatch goroutine picks it up alongside signals arriving from the log,
// preserving the single-mutator rule.
type PendingHandler struct {
	clock          Clock
	out            chan<- Signal
	waitInNewState time.Duration

	mu      sync.Mutex
	queue   pendingQueue
	byName  map[string]*pendingEntry
	nextSeq int64
	wake    chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
}

// NewPendingHandler builds a PendingHandler that delivers fired signals to
// out. waitInNewState is the delay a freshly INITIATING task waits before
// its first CLAIMING attempt.
func NewPendingHandler(clk Clock, out chan<- Signal, waitInNewState time.Duration) *PendingHandler {
	return &PendingHandler{
		clock:          clk,
		out:            out,
		waitInNewState: waitInNewState,
		byName:         make(map[string]*pendingEntry),
		wake:           make(chan struct{}, 1),
		ready:          make(chan struct{}),
	}
}

// Ready closes once the handler's timer loop has started and is ready to
// accept scheduled work.
func (p *PendingHandler) Ready() <-chan struct{} { return p.ready }

// schedule (re)arms a named timer, replacing any earlier entry of the same
// name.
func (p *PendingHandler) schedule(name string, due time.Time, fire func() Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.byName[name]; ok {
		heap.Remove(&p.queue, existing.index)
	}
	p.nextSeq++
	e := &pendingEntry{name: name, due: due, seq: p.nextSeq, fire: fire}
	heap.Push(&p.queue, e)
	p.byName[name] = e
	p.notify()
}

// remove cancels a named timer if present; a no-op otherwise.
func (p *PendingHandler) remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byName[name]
	if !ok {
		return
	}
	heap.Remove(&p.queue, e.index)
	delete(p.byName, name)
	p.notify()
}

func (p *PendingHandler) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives the timer loop until ctx is cancelled, pushing each fired
// signal onto out. Exactly one goroutine should call Run per PendingHandler.
func (p *PendingHandler) Run(ctx context.Context) {
	p.readyOnce.Do(func() { close(p.ready) })
	for {
		p.mu.Lock()
		var timer <-chan time.Time
		var due time.Time
		if len(p.queue) > 0 {
			due = p.queue[0].due
			timer = p.clock.After(due.Sub(p.clock.Now()))
		}
		p.mu.Unlock()

		if timer == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			continue
		case <-timer:
			p.fireDue()
		}
	}
}

// fireDue pops every entry whose due time has passed (the clock may have
// advanced past several in one jump under a mock clock) and sends their
// signals to out.
func (p *PendingHandler) fireDue() {
	now := p.clock.Now()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 || p.queue[0].due.After(now) {
			p.mu.Unlock()
			return
		}
		e := heap.Pop(&p.queue).(*pendingEntry)
		delete(p.byName, e.name)
		p.mu.Unlock()
		p.out <- e.fire()
	}
}

func claimTimerName(t *Task) string     { return "claim:" + t.Name() }
func resurrectTimerName(t *Task) string { return "resurrect:" + t.Name() }
func handleTimerName(t *Task) string    { return "handle:" + t.Name() }
func heartbeatTimerName(t *Task) string { return "heartbeat:" + t.Name() }

// ScheduleTaskForClaiming arms the delay before attempting CLAIMING, using
// the handler's configured wait-in-new-state duration.
func (p *PendingHandler) ScheduleTaskForClaiming(t *Task) {
	due := p.clock.Now().Add(p.waitInNewState)
	p.schedule(claimTimerName(t), due, func() Signal {
		return Signal{TaskName: strptr(t.Name()), Kind: KindClaimAttemptFire, OriginID: "", Timestamp: p.clock.Now()}
	})
}

// ScheduleTaskResurrection arms the watchdog that fires if no activity
// (CLAIMED, HEARTBEAT) is observed within the task's Resurrection window.
// The state machine acts on the fire only while the task is INITIATING,
// where it starts a CLAIMING attempt.
func (p *PendingHandler) ScheduleTaskResurrection(t *Task) {
	due := p.clock.Now().Add(t.Definition().Resurrection)
	p.schedule(resurrectTimerName(t), due, func() Signal {
		return Signal{TaskName: strptr(t.Name()), Kind: KindResurrectFire, Timestamp: p.clock.Now()}
	})
}

// RemoveTaskResurrection cancels the resurrection watchdog for a task.
func (p *PendingHandler) RemoveTaskResurrection(t *Task) { p.remove(resurrectTimerName(t)) }

// RemoveTaskStarter cancels a pending claim-attempt timer for a task.
func (p *PendingHandler) RemoveTaskStarter(t *Task) { p.remove(claimTimerName(t)) }

// ScheduleTaskHandlingOnNode arms the next HANDLE_FIRE_I at the task's
// configured execution period.
func (p *PendingHandler) ScheduleTaskHandlingOnNode(t *Task) {
	due := p.clock.Now().Add(t.Definition().Period)
	p.schedule(handleTimerName(t), due, func() Signal {
		return Signal{TaskName: strptr(t.Name()), Kind: KindHandleFire, Timestamp: p.clock.Now()}
	})
}

// ScheduleTaskHeartbeatOnNode arms the next HEARTBEAT_FIRE_I at the task's
// configured claimed-signal period.
func (p *PendingHandler) ScheduleTaskHeartbeatOnNode(t *Task) {
	due := p.clock.Now().Add(t.Definition().ClaimedSignalPeriod)
	p.schedule(heartbeatTimerName(t), due, func() Signal {
		return Signal{TaskName: strptr(t.Name()), Kind: KindHeartbeatFire, Timestamp: p.clock.Now()}
	})
}

// RemoveClaimedHeartbeat cancels both the periodic HEARTBEAT timer and the
// periodic handling timer for a task that is being released or has lost
// its claim.
func (p *PendingHandler) RemoveClaimedHeartbeat(t *Task) {
	p.remove(heartbeatTimerName(t))
	p.remove(handleTimerName(t))
}

// executeTask runs a task's body in its own goroutine, bounded by
// MaxDuration, and reports completion as an internal signal once it
// returns, so the state transition back to CLAIMED_BY_NODE always happens
// on the single dispatch goroutine.
func (p *PendingHandler) executeTask(t *Task) {
	def := t.Definition()
	ctx, cancel := p.clock.WithTimeout(context.Background(), def.MaxDuration)
	go func() {
		defer cancel()
		if err := def.Body(ctx); err != nil {
			taskLog(t.Name(), "").Warnf("task body returned error: %v", err)
		}
		p.out <- Signal{TaskName: strptr(t.Name()), Kind: KindHandleCompleteFire, Timestamp: p.clock.Now()}
	}()
}
