package ctm

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// tunables holds every timing constant the protocol needs, loadable from the
// environment so an operator can retune a deployment without a rebuild.
type tunables struct {
	// WaitInNewState is how long a freshly INITIATING task waits for a
	// foreign claim before attempting its own CLAIMING.
	WaitInNewState time.Duration `env:"CTM_WAIT_IN_NEW_STATE" envDefault:"1s"`
	// HeartbeatPeriod is how often a node publishes DOHEARTBEAT.
	HeartbeatPeriod time.Duration `env:"CTM_HEARTBEAT_PERIOD" envDefault:"10s"`
	// ConsumerPollTime bounds how long the watcher blocks per fetch.
	ConsumerPollTime time.Duration `env:"CTM_CONSUMER_POLL_TIME" envDefault:"1s"`
	// ShutdownFlushWait is how long shutdown waits for UNCLAIMED echoes.
	ShutdownFlushWait time.Duration `env:"CTM_SHUTDOWN_FLUSH_WAIT" envDefault:"1s"`
	// TransientRetryMaxElapsed bounds the backoff for transient I/O errors.
	TransientRetryMaxElapsed time.Duration `env:"CTM_TRANSIENT_RETRY_MAX_ELAPSED" envDefault:"30s"`
}

func defaultTunables() tunables {
	t := tunables{}
	// env.Parse only ever errors on malformed env values; since we start
	// from a zero value and apply envDefault tags, a parse failure here
	// indicates a misconfigured environment. The error is discarded and is
	// not reported later: NewNode does not validate options.
	_ = env.Parse(&t)
	return t
}

// Option customizes a Node's configuration before it is constructed.
type Option func(*Options)

// Options is the full, immutable configuration of a Node. The zero value is
// not useful; build one via NewOptions.
type Options struct {
	tunables
	// ReadOldSignals, when true, makes the Signals Watcher replay the sync
	// topic from the earliest retained offset before emitting new signals,
	// so a late-joining node learns about existing claims first.
	ReadOldSignals bool
	// ConsumerBehavior is unused by the claim protocol itself but is kept
	// for parity with aggressive/balanced consumption tuning of the
	// underlying log client.
	ConsumerBehavior ConsumerBehavior
}

// ConsumerBehavior names the aggressive/balanced distinction in how
// eagerly a node replays history vs. joins live. Node never reads it:
// replay is decided by ReadOldSignals alone.
type ConsumerBehavior int

const (
	// CbAggressive labels full-history replay; it has no effect on Node.
	CbAggressive ConsumerBehavior = iota
	// CbBalanced labels joining at the live tail; it has no effect on Node.
	CbBalanced
)

// NewOptions builds an Options value from environment-provided defaults and
// any functional overrides.
func NewOptions(opts ...Option) Options {
	o := Options{
		tunables:         defaultTunables(),
		ReadOldSignals:   true,
		ConsumerBehavior: CbBalanced,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithWaitInNewState overrides the INITIATING→CLAIMING delay.
func WithWaitInNewState(d time.Duration) Option {
	return func(o *Options) { o.WaitInNewState = d }
}

// WithHeartbeatPeriod overrides the DOHEARTBEAT cadence.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(o *Options) { o.HeartbeatPeriod = d }
}

// WithConsumerPollTime overrides the watcher's per-fetch deadline.
func WithConsumerPollTime(d time.Duration) Option {
	return func(o *Options) { o.ConsumerPollTime = d }
}

// WithReadOldSignals toggles the startup replay of historical signals.
func WithReadOldSignals(v bool) Option {
	return func(o *Options) { o.ReadOldSignals = v }
}

// WithConsumerBehavior sets the ConsumerBehavior field; startup replay is
// unaffected, since that follows ReadOldSignals.
func WithConsumerBehavior(b ConsumerBehavior) Option {
	return func(o *Options) { o.ConsumerBehavior = b }
}
