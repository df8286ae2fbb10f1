package ctm

// handler is a state's reaction to the three signal origins a dispatcher
// can classify an incoming signal as. Any nil entry falls back to the base
// policy: transition the task to ERROR and log. This is a fixed dispatch
// table keyed by LocalState rather than a subtype hierarchy.
type handler struct {
	onInternal func(sm *StateMachine, t *Task, s Signal)
	onOwn      func(sm *StateMachine, t *Task, s Signal)
	onForeign  func(sm *StateMachine, t *Task, s Signal)
}

// publisher is the narrow slice of Sender the state machine needs, kept as
// an interface so tests can substitute a recording fake instead of a real
// kgo.Client-backed Sender.
type publisher interface {
	Publish(Signal)
}

// StateMachine holds the dispatch table and the collaborators a handler
// needs to act: the Pending Handler to (re)schedule timers, and a
// publisher to emit signals. It has no mutable state of its own.
type StateMachine struct {
	nodeID  string
	pending *PendingHandler
	sender  publisher
	clock   Clock
	table   map[LocalState]handler
}

// NewStateMachine builds the per-state dispatch table.
func NewStateMachine(nodeID string, pending *PendingHandler, sender publisher, clock Clock) *StateMachine {
	sm := &StateMachine{nodeID: nodeID, pending: pending, sender: sender, clock: clock}
	sm.table = map[LocalState]handler{
		StateNew:            sm.stateNewHandler(),
		StateInitiating:      sm.stateInitiatingHandler(),
		StateClaiming:        sm.stateClaimingHandler(),
		StateClaimedByNode:   sm.stateClaimedByNodeHandler(),
		StateHandlingByNode:  sm.stateHandlingByNodeHandler(),
		StateUnclaiming:      sm.stateUnclaimingHandler(),
		StateClaimedByOther:  sm.stateClaimedByOtherHandler(),
		StateHandlingByOther: sm.stateHandlingByOtherHandler(),
		StateError:           sm.stateErrorHandler(),
	}
	return sm
}

// Dispatch routes one signal to the task's current-state handler, after
// applying the cross-cutting rules that hold regardless of state.
func (sm *StateMachine) Dispatch(t *Task, s Signal, origin signalOrigin) {
	// Any HEARTBEAT or CLAIMED observation cancels the resurrection timer
	// for this task, regardless of state or origin.
	if s.Kind == KindHeartbeat || s.Kind == KindClaimed {
		sm.pending.RemoveTaskResurrection(t)
	}

	state := t.State()

	// A node's own CLAIMING echo arriving after the task already moved
	// away from CLAIMING means a foreign event reset it between write and
	// echo; this is logged and discarded, not an ERROR.
	if origin == originOwn && s.Kind == KindClaiming && state != StateClaiming {
		taskLog(t.Name(), sm.nodeID).Debug("discarding stale own CLAIMING echo, state already moved on")
		return
	}

	// Echoes of this node's own CLAIMED, HEARTBEAT and HANDLING announcements
	// tell the task nothing new; they are dropped in every state instead of
	// falling through to the base ERROR policy.
	if origin == originOwn && (s.Kind == KindClaimed || s.Kind == KindHeartbeat || s.Kind == KindHandling) {
		return
	}

	// UNCLAIM_I only acts from CLAIMED_BY_NODE/HANDLING_BY_NODE; silently
	// ignoring it from any other state is load-bearing: it prevents
	// resurrecting a release request after an already-observed foreign
	// claim.
	if origin == originInternal && s.Kind == KindUnclaimInternal &&
		state != StateClaimedByNode && state != StateHandlingByNode {
		taskLog(t.Name(), sm.nodeID).Debug("ignoring UNCLAIM_I: task not held locally")
		return
	}

	// A HANDLE_COMPLETE_FIRE_I arriving after the task left HANDLING_BY_NODE
	// is the tail of an execution whose owning claim already moved on
	// (voluntary release or a protocol violation); it is informational
	// noise at this point, not an ERROR.
	if origin == originInternal && s.Kind == KindHandleCompleteFire && state != StateHandlingByNode {
		taskLog(t.Name(), sm.nodeID).Debug("discarding stale HANDLE_COMPLETE_FIRE_I")
		return
	}

	h, ok := sm.table[state]
	if !ok {
		sm.toError(t, "no handler registered for state "+string(state))
		return
	}

	var fn func(sm *StateMachine, t *Task, s Signal)
	switch origin {
	case originInternal:
		fn = h.onInternal
	case originOwn:
		fn = h.onOwn
	case originForeign:
		fn = h.onForeign
	}
	if fn == nil {
		sm.toError(t, "unexpected "+originName(origin)+" signal "+string(s.Kind)+" in state "+string(state))
		return
	}
	fn(sm, t, s)
}

func originName(o signalOrigin) string {
	switch o {
	case originInternal:
		return "internal"
	case originOwn:
		return "own"
	default:
		return "foreign"
	}
}

// toError transitions a task into the terminal ERROR state and logs at
// error level: protocol violations are surfaced, not silently swallowed,
// and stop only the affected task.
func (sm *StateMachine) toError(t *Task, reason string) {
	now := sm.clock.Now()
	t.withLock(func(t *Task) { t.setState(StateError, now) })
	sm.pending.RemoveTaskStarter(t)
	sm.pending.RemoveClaimedHeartbeat(t)
	sm.pending.RemoveTaskResurrection(t)
	taskLog(t.Name(), sm.nodeID).Errorf("task entering ERROR: %s", reason)
}

// enterInitiating (re)arms the claim-attempt and resurrection timers at a
// new baseline offset and moves the task to INITIATING. Shared by every
// transition that lands here: fresh registration, a foreign UNCLAIMED
// moving the baseline forward, and the own echo of a voluntary release.
func (sm *StateMachine) enterInitiating(t *Task, baseline *int64) {
	now := sm.clock.Now()
	t.withLock(func(t *Task) {
		t.unclaimedSignalOffset = baseline
		t.currentExecutor = nil
		t.setState(StateInitiating, now)
	})
	sm.pending.ScheduleTaskForClaiming(t)
	sm.pending.ScheduleTaskResurrection(t)
}

// beginClaiming publishes CLAIMING at the task's current baseline and
// moves it into CLAIMING, awaiting its own echo.
func (sm *StateMachine) beginClaiming(t *Task) {
	now := sm.clock.Now()
	baseline := t.UnclaimedSignalOffset()
	t.withLock(func(t *Task) { t.setState(StateClaiming, now) })
	sm.sender.Publish(Signal{
		TaskName:  strptr(t.Name()),
		Kind:      KindClaiming,
		OriginID:  sm.nodeID,
		Reference: baseline,
		Timestamp: now,
	})
}

func (sm *StateMachine) stateNewHandler() handler {
	return handler{
		onInternal: func(sm *StateMachine, t *Task, s Signal) {
			if s.Kind != KindInitiatingInternal {
				sm.toError(t, "unexpected internal signal in NEW: "+string(s.Kind))
				return
			}
			sm.enterInitiating(t, nil)
		},
	}
}

func (sm *StateMachine) stateInitiatingHandler() handler {
	return handler{
		onInternal: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindClaimAttemptFire, KindResurrectFire:
				sm.beginClaiming(t)
			default:
				sm.toError(t, "unexpected internal signal in INITIATING: "+string(s.Kind))
			}
		},
		onForeign: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindUnclaimed:
				sm.enterInitiating(t, offsetRef(s.CurrentOffset))
			case KindClaimed:
				sm.observeForeignClaim(t, s, StateClaimedByOther)
			case KindHeartbeat:
				// informational only; resurrection cancellation already
				// handled centrally in Dispatch.
			default:
				sm.toError(t, "unexpected foreign signal in INITIATING: "+string(s.Kind))
			}
		},
	}
}

func (sm *StateMachine) stateClaimingHandler() handler {
	return handler{
		onOwn: func(sm *StateMachine, t *Task, s Signal) {
			if s.Kind != KindClaiming {
				sm.toError(t, "unexpected own signal in CLAIMING: "+string(s.Kind))
				return
			}
			baseline := t.UnclaimedSignalOffset()
			if !refEqual(s.Reference, baseline) {
				// Baseline moved since we published; someone else's
				// UNCLAIMED already reset us (we'd be in INITIATING by
				// now and this branch is unreachable in practice, kept
				// for defense against reordering bugs elsewhere).
				sm.toError(t, "own CLAIMING reference no longer matches baseline")
				return
			}
			now := sm.clock.Now()
			t.withLock(func(t *Task) { t.setState(StateClaimedByNode, now) })
			sm.pending.RemoveTaskResurrection(t)
			sm.sender.Publish(Signal{
				TaskName:  strptr(t.Name()),
				Kind:      KindClaimed,
				OriginID:  sm.nodeID,
				Reference: offsetRef(s.CurrentOffset),
				Timestamp: now,
			})
			sm.pending.ScheduleTaskHandlingOnNode(t)
			sm.pending.ScheduleTaskHeartbeatOnNode(t)
		},
		onForeign: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindClaiming:
				baseline := t.UnclaimedSignalOffset()
				if refEqual(s.Reference, baseline) {
					// This foreign CLAIMING was observed strictly before
					// our own echo (total order on the log), so it is the
					// winner; we cannot win this round.
					sm.toError(t, "lost claim race: foreign CLAIMING observed first at same baseline")
				}
				// Otherwise it references a stale baseline; ignore.
			case KindUnclaimed:
				sm.enterInitiating(t, offsetRef(s.CurrentOffset))
			case KindClaimed:
				sm.observeForeignClaim(t, s, StateClaimedByOther)
			case KindHeartbeat:
				// no-op; resurrection handled centrally.
			default:
				sm.toError(t, "unexpected foreign signal in CLAIMING: "+string(s.Kind))
			}
		},
	}
}

func (sm *StateMachine) stateClaimedByNodeHandler() handler {
	return handler{
		onInternal: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindHeartbeatFire:
				now := sm.clock.Now()
				sm.sender.Publish(Signal{
					TaskName:  strptr(t.Name()),
					Kind:      KindHeartbeat,
					OriginID:  sm.nodeID,
					Timestamp: now,
				})
				sm.pending.ScheduleTaskHeartbeatOnNode(t)
			case KindHandleFire:
				sm.beginHandling(t)
			case KindUnclaimInternal:
				sm.voluntaryRelease(t)
			default:
				sm.toError(t, "unexpected internal signal in CLAIMED_BY_NODE: "+string(s.Kind))
			}
		},
		onForeign: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindClaiming, KindClaimed:
				sm.ownerViolation(t, s)
			case KindUnclaimed:
				taskLog(t.Name(), sm.nodeID).Warn("foreign UNCLAIMED observed while holding claim, ignoring")
			case KindHeartbeat:
				// duplicate/self-adjacent heartbeat from a peer that
				// thinks it owns it too; tolerated as a duplicate observation.
			default:
				sm.toError(t, "unexpected foreign signal in CLAIMED_BY_NODE: "+string(s.Kind))
			}
		},
	}
}

func (sm *StateMachine) stateHandlingByNodeHandler() handler {
	return handler{
		onInternal: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindHandleCompleteFire:
				now := sm.clock.Now()
				t.withLock(func(t *Task) {
					t.setState(StateClaimedByNode, now)
					t.lastHandlingCompleted = now
				})
				sm.pending.ScheduleTaskHandlingOnNode(t)
			case KindHeartbeatFire:
				now := sm.clock.Now()
				sm.sender.Publish(Signal{
					TaskName:  strptr(t.Name()),
					Kind:      KindHeartbeat,
					OriginID:  sm.nodeID,
					Timestamp: now,
				})
				sm.pending.ScheduleTaskHeartbeatOnNode(t)
			case KindUnclaimInternal:
				sm.voluntaryRelease(t)
			default:
				sm.toError(t, "unexpected internal signal in HANDLING_BY_NODE: "+string(s.Kind))
			}
		},
		onForeign: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindClaiming, KindClaimed:
				sm.ownerViolation(t, s)
			case KindUnclaimed:
				taskLog(t.Name(), sm.nodeID).Warn("foreign UNCLAIMED observed while handling, ignoring")
			case KindHeartbeat:
			default:
				sm.toError(t, "unexpected foreign signal in HANDLING_BY_NODE: "+string(s.Kind))
			}
		},
	}
}

func (sm *StateMachine) stateUnclaimingHandler() handler {
	return handler{
		onOwn: func(sm *StateMachine, t *Task, s Signal) {
			if s.Kind != KindUnclaimed {
				sm.toError(t, "unexpected own signal in UNCLAIMING: "+string(s.Kind))
				return
			}
			sm.enterInitiating(t, offsetRef(s.CurrentOffset))
		},
		onForeign: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindUnclaimed:
				sm.enterInitiating(t, offsetRef(s.CurrentOffset))
			case KindClaimed:
				sm.observeForeignClaim(t, s, StateClaimedByOther)
			case KindClaiming, KindHeartbeat:
				// transient/stale while we're mid-release; ignore.
			default:
				sm.toError(t, "unexpected foreign signal in UNCLAIMING: "+string(s.Kind))
			}
		},
	}
}

func (sm *StateMachine) stateClaimedByOtherHandler() handler {
	return handler{
		onInternal: func(sm *StateMachine, t *Task, s Signal) {
			if s.Kind == KindResurrectFire {
				// Resurrection should have been cancelled on the CLAIMED
				// observation; a stray fire is benign here.
				return
			}
			sm.toError(t, "unexpected internal signal in CLAIMED_BY_OTHER: "+string(s.Kind))
		},
		onForeign: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindClaimed:
				sm.observeForeignClaim(t, s, StateClaimedByOther)
			case KindHandling:
				now := sm.clock.Now()
				t.withLock(func(t *Task) { t.setState(StateHandlingByOther, now) })
			case KindUnclaimed:
				sm.enterInitiating(t, offsetRef(s.CurrentOffset))
			case KindHeartbeat:
				t.withLock(func(t *Task) { t.lastClaimedInfo = sm.clock.Now() })
			default:
				sm.toError(t, "unexpected foreign signal in CLAIMED_BY_OTHER: "+string(s.Kind))
			}
		},
	}
}

func (sm *StateMachine) stateHandlingByOtherHandler() handler {
	return handler{
		onInternal: func(sm *StateMachine, t *Task, s Signal) {
			if s.Kind == KindResurrectFire {
				return
			}
			sm.toError(t, "unexpected internal signal in HANDLING_BY_OTHER: "+string(s.Kind))
		},
		onForeign: func(sm *StateMachine, t *Task, s Signal) {
			switch s.Kind {
			case KindHeartbeat:
				now := sm.clock.Now()
				t.withLock(func(t *Task) {
					t.setState(StateClaimedByOther, now)
					t.lastClaimedInfo = now
				})
			case KindClaimed:
				sm.observeForeignClaim(t, s, StateClaimedByOther)
			case KindUnclaimed:
				sm.enterInitiating(t, offsetRef(s.CurrentOffset))
			default:
				sm.toError(t, "unexpected foreign signal in HANDLING_BY_OTHER: "+string(s.Kind))
			}
		},
	}
}

func (sm *StateMachine) stateErrorHandler() handler {
	noop := func(sm *StateMachine, t *Task, s Signal) {}
	return handler{onInternal: noop, onOwn: noop, onForeign: noop}
}

// observeForeignClaim records a peer's CLAIMED announcement.
func (sm *StateMachine) observeForeignClaim(t *Task, s Signal, next LocalState) {
	now := sm.clock.Now()
	sm.pending.RemoveTaskStarter(t)
	t.withLock(func(t *Task) {
		t.setState(next, now)
		t.currentExecutor = &s.OriginID
		t.lastClaimedInfo = now
	})
}

// ownerViolation handles a foreign CLAIMING/CLAIMED arriving while this
// node believes it owns the task: release and reset.
func (sm *StateMachine) ownerViolation(t *Task, s Signal) {
	taskLog(t.Name(), sm.nodeID).Errorf("foreign %s observed while owning task, releasing", s.Kind)
	sm.pending.RemoveClaimedHeartbeat(t)
	now := sm.clock.Now()
	t.withLock(func(t *Task) { t.setState(StateUnclaiming, now) })
	sm.sender.Publish(Signal{
		TaskName:  strptr(t.Name()),
		Kind:      KindUnclaimed,
		OriginID:  sm.nodeID,
		Timestamp: now,
	})
}

// voluntaryRelease releases a task held by this node: from CLAIMED_BY_NODE
// or HANDLING_BY_NODE only (enforced centrally in Dispatch), cancel
// timers, publish UNCLAIMED, and move to UNCLAIMING pending the own echo.
func (sm *StateMachine) voluntaryRelease(t *Task) {
	sm.pending.RemoveClaimedHeartbeat(t)
	now := sm.clock.Now()
	t.withLock(func(t *Task) { t.setState(StateUnclaiming, now) })
	sm.sender.Publish(Signal{
		TaskName:  strptr(t.Name()),
		Kind:      KindUnclaimed,
		OriginID:  sm.nodeID,
		Timestamp: now,
	})
}

// beginHandling moves a claimed task into HANDLING_BY_NODE and hands its
// body to an executor goroutine; the executor posts an internal completion
// signal back through the dispatch loop so that the state transition back
// to CLAIMED_BY_NODE happens on the single mutator goroutine.
func (sm *StateMachine) beginHandling(t *Task) {
	now := sm.clock.Now()
	t.withLock(func(t *Task) {
		t.setState(StateHandlingByNode, now)
		t.lastHandlingStarted = now
	})
	sm.sender.Publish(Signal{
		TaskName:  strptr(t.Name()),
		Kind:      KindHandling,
		OriginID:  sm.nodeID,
		Timestamp: now,
	})
	sm.pending.executeTask(t)
}

func strptr(s string) *string { return &s }
