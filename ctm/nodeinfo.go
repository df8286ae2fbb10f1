package ctm

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeTaskInformation is the human-readable snapshot a node periodically
// publishes describing every task it knows about. It is carried as YAML
// rather than the compact JSON used for signals, since it is meant to be
// read by operators as much as by peers.
type NodeTaskInformation struct {
	NodeID    string         `yaml:"nodeId"`
	Generated time.Time      `yaml:"generated"`
	Tasks     []TaskSnapshot `yaml:"tasks"`
}

// MarshalYAML-compatible encoding helper: ToYAML renders the snapshot as
// the document published on the sync topic under a nodeinfo: key.
func (n NodeTaskInformation) ToYAML() ([]byte, error) {
	return yaml.Marshal(n)
}

// UnmarshalNodeTaskInformation decodes a node-info document as published by
// Heartbeat. It is deliberately separate from UnmarshalSignal: node-info
// documents are YAML, not the compact JSON wireSignal shape, and the
// Watcher must classify a record by key before choosing which decoder to
// use.
func UnmarshalNodeTaskInformation(data []byte) (NodeTaskInformation, error) {
	var n NodeTaskInformation
	if err := yaml.Unmarshal(data, &n); err != nil {
		return NodeTaskInformation{}, err
	}
	return n, nil
}

// nodeInfoKeyPrefix marks a record as a node-info document rather than a
// signal, so the Watcher can route it before attempting to decode it as
// JSON.
const nodeInfoKeyPrefix = "nodeinfo:"

// isNodeInfoKey reports whether a sync-topic record key identifies a
// node-info document.
func isNodeInfoKey(key string) bool {
	return len(key) > len(nodeInfoKeyPrefix) && key[:len(nodeInfoKeyPrefix)] == nodeInfoKeyPrefix
}

// ContentHash summarizes a snapshot so the heartbeat publisher can skip
// republishing when nothing has materially changed since the last
// broadcast. Generated differs on every snapshot and Tasks may come in any
// order, so the hash ignores Generated and sorts Tasks by name first.
func (n NodeTaskInformation) ContentHash() (string, error) {
	n.Generated = time.Time{}
	n.Tasks = append([]TaskSnapshot(nil), n.Tasks...)
	sort.Slice(n.Tasks, func(i, j int) bool { return n.Tasks[i].Name < n.Tasks[j].Name })
	doc, err := n.ToYAML()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:]), nil
}
