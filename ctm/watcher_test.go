package ctm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// newTestWatcher builds a Watcher with a nil client: handleRecord never
// touches the client, so this is enough to exercise record classification
// without a broker.
func newTestWatcher() (*Watcher, chan Signal, chan NodeTaskInformation) {
	out := make(chan Signal, 8)
	infoOut := make(chan NodeTaskInformation, 8)
	w := NewWatcher(nil, out, infoOut, 0, nil)
	return w, out, infoOut
}

func TestWatcherRoutesNodeInfoRecordsSeparatelyFromSignals(t *testing.T) {
	w, out, infoOut := newTestWatcher()

	info := NodeTaskInformation{NodeID: "node-a"}
	doc, err := info.ToYAML()
	require.NoError(t, err)

	w.handleRecord(&kgo.Record{Key: []byte(infoTopicKey("node-a")), Value: doc})

	select {
	case got := <-infoOut:
		assert.Equal(t, "node-a", got.NodeID)
	default:
		t.Fatal("expected a node-info record to be forwarded to infoOut")
	}
	assert.Empty(t, out, "a node-info record must never be forwarded to the signal channel")
}

func TestWatcherForwardsTaskScopedSignals(t *testing.T) {
	w, out, infoOut := newTestWatcher()

	name := "t1"
	sig := Signal{TaskName: &name, Kind: KindClaiming, OriginID: "node-a"}
	payload, err := sig.MarshalBinary()
	require.NoError(t, err)

	w.handleRecord(&kgo.Record{Key: []byte("t1"), Value: payload, Offset: 7})

	select {
	case got := <-out:
		assert.Equal(t, KindClaiming, got.Kind)
		assert.Equal(t, int64(7), got.CurrentOffset)
	default:
		t.Fatal("expected a task-scoped signal to be forwarded to out")
	}
	assert.Empty(t, infoOut)
}

func TestWatcherDropsTasklessDoheartbeat(t *testing.T) {
	w, out, infoOut := newTestWatcher()

	sig := Signal{Kind: KindDoHeartbeat}
	payload, err := sig.MarshalBinary()
	require.NoError(t, err)

	w.handleRecord(&kgo.Record{Key: []byte("node-a"), Value: payload})

	assert.Empty(t, out)
	assert.Empty(t, infoOut)
}

func TestWatcherDropsMalformedRecord(t *testing.T) {
	w, out, infoOut := newTestWatcher()
	w.handleRecord(&kgo.Record{Key: []byte("t1"), Value: []byte("not json")})
	assert.Empty(t, out)
	assert.Empty(t, infoOut)
}

func TestWatcherReadyInitiallyOpenOnlyAfterFirstPoll(t *testing.T) {
	w, _, _ := newTestWatcher()
	select {
	case <-w.Ready():
		t.Fatal("Ready must not close before the watcher has polled")
	default:
	}
}
