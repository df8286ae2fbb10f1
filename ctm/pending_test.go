package ctm

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T, name string) *Task {
	t.Helper()
	def := TaskDefinition{
		Name:                name,
		Body:                func(ctx context.Context) error { return nil },
		Period:              time.Second,
		MaxDuration:         time.Second,
		ClaimedSignalPeriod: time.Second,
		Resurrection:        5 * time.Second,
	}
	require.NoError(t, def.validate())
	return newTask(def)
}

func TestPendingHandlerFiresInDueOrder(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Signal, 8)
	p := NewPendingHandler(mock, out, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	taskA := newTestTask(t, "a")
	taskB := newTestTask(t, "b")

	p.ScheduleTaskResurrection(taskA) // due at +5s
	p.ScheduleTaskForClaiming(taskB)  // due at +100ms

	mock.Add(200 * time.Millisecond)
	select {
	case sig := <-out:
		assert.Equal(t, KindClaimAttemptFire, sig.Kind)
		assert.Equal(t, "b", *sig.TaskName)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for claim-attempt fire")
	}

	mock.Add(5 * time.Second)
	select {
	case sig := <-out:
		assert.Equal(t, KindResurrectFire, sig.Kind)
		assert.Equal(t, "a", *sig.TaskName)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resurrect fire")
	}
}

func TestPendingHandlerReplaceByName(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Signal, 8)
	p := NewPendingHandler(mock, out, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	task := newTestTask(t, "replace-me")

	p.ScheduleTaskHeartbeatOnNode(task) // due at +1s
	mock.Add(500 * time.Millisecond)
	p.ScheduleTaskHeartbeatOnNode(task) // replaces: due at +1s from now (+1.5s absolute)

	mock.Add(600 * time.Millisecond) // total 1.1s absolute: first due would have fired, replacement has not
	select {
	case <-out:
		t.Fatal("replaced timer fired too early")
	case <-time.After(50 * time.Millisecond):
	}

	mock.Add(500 * time.Millisecond)
	select {
	case sig := <-out:
		assert.Equal(t, KindHeartbeatFire, sig.Kind)
	case <-time.After(time.Second):
		t.Fatal("replacement timer never fired")
	}
}

func TestPendingHandlerRemove(t *testing.T) {
	mock := clock.NewMock()
	out := make(chan Signal, 8)
	p := NewPendingHandler(mock, out, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	task := newTestTask(t, "cancel-me")
	p.ScheduleTaskResurrection(task)
	p.RemoveTaskResurrection(task)

	mock.Add(10 * time.Second)
	select {
	case sig := <-out:
		t.Fatalf("removed timer fired: %v", sig)
	case <-time.After(100 * time.Millisecond):
	}
}
