package ctm

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Watcher tails the sync topic and stamps every record with the log
// offset it was fetched at, then forwards decoded records to the right
// destination: task-scoped signals go to out, node-info documents go to
// infoOut. It never calls into the state machine directly — every signal,
// whether log-sourced or internally generated, is funneled through the
// same channel so the Node's single dispatch goroutine is the only caller
// of StateMachine.Dispatch.
type Watcher struct {
	client  *kgo.Client
	out     chan<- Signal
	infoOut chan<- NodeTaskInformation
	pollFor time.Duration
	retry   func() backoff.BackOff

	readyOnce sync.Once
	ready     chan struct{}
}

// NewWatcher builds a Watcher over an already-subscribed kgo.Client.
func NewWatcher(client *kgo.Client, out chan<- Signal, infoOut chan<- NodeTaskInformation, pollFor time.Duration, retry func() backoff.BackOff) *Watcher {
	return &Watcher{client: client, out: out, infoOut: infoOut, pollFor: pollFor, retry: retry, ready: make(chan struct{})}
}

// Ready closes once the watcher has completed its first poll of the sync
// topic, meaning the client has actually joined and is positioned. Callers
// use this to avoid letting tasks start CLAIMING before the watcher could
// possibly observe a peer's existing claim.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run polls the sync topic until ctx is cancelled. Fetch errors are not
// classified: every one is logged, waited out for one backoff interval,
// and followed by another poll, so no fetch error stops the node.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, w.pollFor)
		fetches := w.client.PollFetches(fetchCtx)
		cancel()

		w.readyOnce.Do(func() { close(w.ready) })

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				w.handleFetchError(ctx, e.Err)
			}
			continue
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			w.handleRecord(rec)
		})
	}
}

func (w *Watcher) handleFetchError(ctx context.Context, err error) {
	bo := w.retry()
	// Backoff here only measures out the next wait interval; the watcher
	// loop itself keeps polling afterward rather than looping inside
	// backoff.Retry, since "the operation" is really "poll again".
	next := bo.NextBackOff()
	if next == backoff.Stop {
		log.WithError(err).Error("ctm: fetch error exceeded retry budget, continuing to poll")
		return
	}
	log.WithError(err).Warnf("ctm: transient fetch error, backing off %s", next)
	select {
	case <-ctx.Done():
	case <-time.After(next):
	}
}

func (w *Watcher) handleRecord(rec *kgo.Record) {
	if isNodeInfoKey(string(rec.Key)) {
		info, err := UnmarshalNodeTaskInformation(rec.Value)
		if err != nil {
			log.WithError(err).Warn("ctm: dropping malformed node-info record")
			return
		}
		w.infoOut <- info
		return
	}

	sig, err := UnmarshalSignal(rec.Value, rec.Offset)
	if err != nil {
		log.WithError(err).Warn("ctm: dropping malformed signal record")
		return
	}
	if sig.TaskName == nil {
		// DOHEARTBEAT carries no task-scoped state transition; every
		// per-task heartbeat timer rides alongside it but nothing acts on
		// the pulse itself.
		return
	}
	w.out <- sig
}
