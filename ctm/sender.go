package ctm

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Sender is the thin publishing side of the sync topic: every outbound
// Signal is serialized and produced keyed by task name, so a single
// partition (and therefore a single total order) carries every signal
// about that task. Every produce error is retried with bounded backoff;
// once that gives up the signal is logged and dropped, since a lost publish here
// surfaces as a stalled claim that resurrection eventually repairs, not as
// a crash.
type Sender struct {
	client *kgo.Client
	topic  string
	nodeID string
	maxElapsed backoff.BackOff
}

// NewSender wraps a producer-capable kgo.Client for the given sync topic.
func NewSender(client *kgo.Client, topic, nodeID string, retry backoff.BackOff) *Sender {
	return &Sender{client: client, topic: topic, nodeID: nodeID, maxElapsed: retry}
}

// Publish serializes and produces one signal, retrying transient failures
// with the Sender's configured backoff policy.
func (s *Sender) Publish(sig Signal) {
	payload, err := sig.MarshalBinary()
	if err != nil {
		log.WithError(err).Errorf("ctm: failed to encode signal %s, dropping", sig.Kind)
		return
	}
	key := s.nodeID
	if sig.TaskName != nil {
		key = *sig.TaskName
	}
	record := &kgo.Record{Topic: s.topic, Key: []byte(key), Value: payload}

	operation := func() error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		res := s.client.ProduceSync(ctx, record)
		return res.FirstErr()
	}

	if err := backoff.Retry(operation, s.maxElapsed); err != nil {
		log.WithError(err).Errorf("ctm: giving up publishing signal %s after retries", sig.Kind)
	}
}

// publishRaw produces an already-encoded document (the YAML node-info
// snapshots) under the given key, with the same retry policy as Publish.
func (s *Sender) publishRaw(key string, payload []byte) {
	record := &kgo.Record{Topic: s.topic, Key: []byte(key), Value: payload}
	operation := func() error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		res := s.client.ProduceSync(ctx, record)
		return res.FirstErr()
	}
	if err := backoff.Retry(operation, s.maxElapsed); err != nil {
		log.WithError(err).Errorf("ctm: giving up publishing %s after retries", key)
	}
}
