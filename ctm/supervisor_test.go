package ctm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorRunStopLifecycle(t *testing.T) {
	started := make(chan struct{})
	sup := newSupervisor(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})

	assert.False(t, sup.IsRunning())

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(context.Background()) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("loop never started")
	}
	assert.True(t, sup.IsRunning())

	require.NoError(t, sup.Stop(context.Background()))
	assert.False(t, sup.IsRunning())

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run never returned after Stop")
	}
}

func TestSupervisorRejectsDoubleRun(t *testing.T) {
	block := make(chan struct{})
	sup := newSupervisor(func(ctx context.Context) {
		<-ctx.Done()
		close(block)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)

	for !sup.IsRunning() {
		time.Sleep(time.Millisecond)
	}

	err := sup.Run(context.Background())
	assert.Error(t, err, "a second concurrent Run must be rejected")

	cancel()
	<-block
}

func TestSupervisorStopWithoutRunIsNoop(t *testing.T) {
	sup := newSupervisor(func(ctx context.Context) {})
	assert.NoError(t, sup.Stop(context.Background()))
}
