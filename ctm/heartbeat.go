package ctm

import (
	"context"
	"time"
)

// nodeInfoSource is the slice of Node a Heartbeat needs: a snapshot to
// publish and nothing else, kept narrow so it can be faked in tests.
type nodeInfoSource interface {
	GetNodeInformation() NodeTaskInformation
}

// heartbeatSender is the narrow slice of Sender a Heartbeat needs, kept as
// an interface so tests can substitute a recording fake instead of a real
// kgo.Client-backed Sender.
type heartbeatSender interface {
	Publish(Signal)
	publishRaw(key string, payload []byte)
}

// Heartbeat is the node heartbeat and node-info publisher: on a fixed
// period it publishes a DOHEARTBEAT signal (which every per-task heartbeat
// timer rides alongside) and, when the node's task snapshot has changed
// since the last publish, a fresh NodeTaskInformation document.
type Heartbeat struct {
	node   nodeInfoSource
	sender heartbeatSender
	clock  Clock
	period time.Duration

	lastHash string
}

// NewHeartbeat builds a Heartbeat for the given node.
func NewHeartbeat(node nodeInfoSource, sender heartbeatSender, clk Clock, period time.Duration) *Heartbeat {
	return &Heartbeat{node: node, sender: sender, clock: clk, period: period}
}

// Run publishes on the configured period until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := h.clock.Ticker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	now := h.clock.Now()
	h.sender.Publish(Signal{Kind: KindDoHeartbeat, Timestamp: now})

	info := h.node.GetNodeInformation()
	hash, err := info.ContentHash()
	if err != nil {
		log.WithError(err).Warn("ctm: failed to hash node info snapshot, publishing anyway")
	} else if hash == h.lastHash {
		return
	} else {
		h.lastHash = hash
	}

	doc, err := info.ToYAML()
	if err != nil {
		log.WithError(err).Error("ctm: failed to encode node info snapshot")
		return
	}
	h.sender.publishRaw(infoTopicKey(info.NodeID), doc)
}

func infoTopicKey(nodeID string) string { return nodeInfoKeyPrefix + nodeID }
