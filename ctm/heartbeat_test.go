package ctm

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNodeInfoSource struct {
	info NodeTaskInformation
}

func (f *fakeNodeInfoSource) GetNodeInformation() NodeTaskInformation { return f.info }

type fakeHeartbeatSender struct {
	mu    sync.Mutex
	pulse int
	raw   []string
}

func (f *fakeHeartbeatSender) Publish(s Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Kind == KindDoHeartbeat {
		f.pulse++
	}
}

func (f *fakeHeartbeatSender) publishRaw(key string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, key)
}

func (f *fakeHeartbeatSender) pulses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulse
}

func (f *fakeHeartbeatSender) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raw)
}

func TestHeartbeatTickAlwaysPublishesPulse(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeNodeInfoSource{info: NodeTaskInformation{NodeID: "node-a"}}
	sender := &fakeHeartbeatSender{}
	hb := NewHeartbeat(src, sender, mock, time.Second)

	hb.tick()
	hb.tick()

	assert.Equal(t, 2, sender.pulses())
}

func TestHeartbeatTickRepublishesOnlyOnChange(t *testing.T) {
	mock := clock.NewMock()
	src := &fakeNodeInfoSource{info: NodeTaskInformation{NodeID: "node-a", Tasks: []TaskSnapshot{{Name: "t1", State: StateNew}}}}
	sender := &fakeHeartbeatSender{}
	hb := NewHeartbeat(src, sender, mock, time.Second)

	hb.tick()
	require.Equal(t, 1, sender.rawCount(), "first tick must publish the initial snapshot")

	hb.tick()
	assert.Equal(t, 1, sender.rawCount(), "an unchanged snapshot must not be republished")

	src.info.Tasks[0].State = StateClaimedByNode
	hb.tick()
	assert.Equal(t, 2, sender.rawCount(), "a changed snapshot must be republished")
}
