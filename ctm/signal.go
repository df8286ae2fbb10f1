package ctm

import (
	"encoding/json"
	"time"
)

// SignalKind is the closed set of signal types that can appear on the sync
// topic, plus the internal kinds that are emitted locally by the Node or
// Pending Handler and never traverse the log.
type SignalKind string

const (
	// Bus kinds: these are the only kinds that are ever produced to the
	// sync topic.
	KindClaiming    SignalKind = "CLAIMING"
	KindClaimed     SignalKind = "CLAIMED"
	KindUnclaimed   SignalKind = "UNCLAIMED"
	KindHandling    SignalKind = "HANDLING"
	KindHeartbeat   SignalKind = "HEARTBEAT"
	KindDoHeartbeat SignalKind = "DOHEARTBEAT"

	// Internal kinds (never leave the node), all ending in _I.
	// INITIATING_I and UNCLAIM_I are emitted by callers; the FIRE kinds are
	// generated by the Pending Handler when a timer expires or a task body
	// returns.
	KindInitiatingInternal   SignalKind = "INITIATING_I"
	KindUnclaimInternal      SignalKind = "UNCLAIM_I"
	KindClaimAttemptFire     SignalKind = "CLAIM_ATTEMPT_FIRE_I"
	KindHandleFire           SignalKind = "HANDLE_FIRE_I"
	KindHandleCompleteFire   SignalKind = "HANDLE_COMPLETE_FIRE_I"
	KindHeartbeatFire        SignalKind = "HEARTBEAT_FIRE_I"
	KindResurrectFire        SignalKind = "RESURRECT_FIRE_I"
)

// IsInternal reports whether a kind never traverses the log.
func (k SignalKind) IsInternal() bool {
	switch k {
	case KindInitiatingInternal, KindUnclaimInternal, KindClaimAttemptFire,
		KindHandleFire, KindHandleCompleteFire, KindHeartbeatFire, KindResurrectFire:
		return true
	default:
		return false
	}
}

// signalOrigin classifies a signal from the receiving node's point of
// view: internal (never touched the log), own (this node's echo), or
// foreign (published by a peer).
type signalOrigin int

const (
	originInternal signalOrigin = iota
	originOwn
	originForeign
)

// Signal is the immutable record carried over the sync topic (or generated
// internally). TaskName is nil for node-info/DOHEARTBEAT signals that are
// not scoped to a single task. Reference is the log offset of a prior
// signal this one responds to; CurrentOffset is stamped by the Signals
// Watcher at observation time and is always zero on internally-generated
// signals.
type Signal struct {
	TaskName      *string    `json:"taskName,omitempty"`
	Kind          SignalKind `json:"kind"`
	OriginID      string     `json:"originId"`
	Reference     *int64     `json:"reference,omitempty"`
	CurrentOffset int64      `json:"-"`
	Timestamp     time.Time  `json:"timestamp"`
}

// wireSignal is the compact document written to the sync topic. It
// excludes CurrentOffset, which the watcher derives from the record's own
// Kafka offset rather than from the payload.
type wireSignal struct {
	TaskName  *string    `json:"taskName,omitempty"`
	Kind      SignalKind `json:"kind"`
	OriginID  string     `json:"originId"`
	Reference *int64     `json:"reference,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// MarshalBinary encodes a signal as the compact wire document.
func (s Signal) MarshalBinary() ([]byte, error) {
	return json.Marshal(wireSignal{
		TaskName:  s.TaskName,
		Kind:      s.Kind,
		OriginID:  s.OriginID,
		Reference: s.Reference,
		Timestamp: s.Timestamp,
	})
}

// UnmarshalSignal decodes a wire document and stamps it with the log offset
// at which it was observed, as the Signals Watcher does for every fetched
// record.
func UnmarshalSignal(data []byte, offset int64) (Signal, error) {
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return Signal{}, err
	}
	return Signal{
		TaskName:      w.TaskName,
		Kind:          w.Kind,
		OriginID:      w.OriginID,
		Reference:     w.Reference,
		CurrentOffset: offset,
		Timestamp:     w.Timestamp,
	}, nil
}

// refEqual compares two optional offset references by value: a nil
// reference matches only a nil baseline; two non-nil references match iff
// their values are equal.
func refEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// offsetRef is a small convenience for building a *int64 reference from a
// log offset without a throwaway local variable at every call site.
func offsetRef(offset int64) *int64 {
	v := offset
	return &v
}
