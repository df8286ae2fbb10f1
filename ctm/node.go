/*
 * ctm - distributed task claim coordination over a Kafka-compatible log,
 * rather than using Zookeeper or another external coordination system.
 */

package ctm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Container is what a Node needs from its caller to reach the cluster: the
// sync topic name, the bootstrap servers to dial, and a clock to use
// throughout (real in production, mocked in tests).
type Container interface {
	SyncTopicName() string
	BootstrapServers() []string
	Clock() Clock
}

// Node is the top-level entry point: it owns one registry of Tasks, the
// Watcher, the Sender, the Pending Handler, and the node Heartbeat, and
// runs them as a stoppable supervisor.
type Node struct {
	id        string
	container Container
	opts      Options

	mu    sync.RWMutex
	tasks map[string]*Task

	infoMu   sync.RWMutex
	peerInfo map[string]NodeTaskInformation

	closed int32

	client  *kgo.Client
	sender  *Sender
	pending *PendingHandler
	sm      *StateMachine
	watcher *Watcher
	hb      *Heartbeat

	signalCh chan Signal
	infoCh   chan NodeTaskInformation

	sup *supervisor
}

// nodeCounter numbers the Nodes created in this process; it is the last
// part of every node id.
var nodeCounter int64

// NewNode constructs a Node. The returned Node does not talk to the
// cluster until Run is called. Its id has the form hostname_pid_counter.
func NewNode(container Container, opts Options) (*Node, error) {
	if container == nil {
		return nil, ErrNoContainer
	}
	if container.SyncTopicName() == "" {
		return nil, newErr(ErrKindConfiguration, "container must supply a sync topic name")
	}
	if len(container.BootstrapServers()) == 0 {
		return nil, newErr(ErrKindConfiguration, "container must supply at least one bootstrap server")
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	id := fmt.Sprintf("%s_%d_%d", host, os.Getpid(), atomic.AddInt64(&nodeCounter, 1))
	n := &Node{
		id:        id,
		container: container,
		opts:      opts,
		tasks:     make(map[string]*Task),
		peerInfo:  make(map[string]NodeTaskInformation),
		signalCh:  make(chan Signal, 256),
		infoCh:    make(chan NodeTaskInformation, 32),
	}
	n.sup = newSupervisor(n.runLoop)
	return n, nil
}

// ID returns this node's unique identifier, used as OriginID on every
// signal it publishes.
func (n *Node) ID() string { return n.id }

// Register adds a task definition to this node and returns the task
// handle. It must be called before Run; tasks registered after Run has
// started are not picked up.
func (n *Node) Register(def TaskDefinition) (*Task, error) {
	if atomic.LoadInt32(&n.closed) == 1 {
		return nil, ErrShuttingDown
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, exists := n.tasks[def.Name]; exists {
		return existing, ErrAlreadyRegistered
	}
	t := newTask(def)
	n.tasks[def.Name] = t
	return t, nil
}

// lookup implements registry for the Watcher.
func (n *Node) lookup(name string) (*Task, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.tasks[name]
	return t, ok
}

// State returns the current local state of a registered task.
func (n *Node) State(name string) (LocalState, error) {
	t, ok := n.lookup(name)
	if !ok {
		return "", ErrUnknownTask
	}
	return t.State(), nil
}

// GetNodeInformation returns a snapshot of every task this node knows
// about, suitable for publishing via the heartbeat's node-info broadcast
// or for direct operator inspection.
func (n *Node) GetNodeInformation() NodeTaskInformation {
	n.mu.RLock()
	defer n.mu.RUnlock()
	info := NodeTaskInformation{
		NodeID:    n.id,
		Generated: n.container.Clock().Now(),
		Tasks:     make([]TaskSnapshot, 0, len(n.tasks)),
	}
	for _, t := range n.tasks {
		info.Tasks = append(info.Tasks, t.snapshot())
	}
	return info
}

// applyPeerInfo records a node-info document observed on the log, whether
// it originated from this node or a peer. This node's own documents are
// only reflected here once they echo back through the watcher, the same
// discipline every other published signal follows.
func (n *Node) applyPeerInfo(info NodeTaskInformation) {
	n.infoMu.Lock()
	defer n.infoMu.Unlock()
	n.peerInfo[info.NodeID] = info
}

// PeerSnapshots returns the most recent node-info document observed for
// every node seen on the sync topic so far, including this node once its
// own broadcast has echoed back.
func (n *Node) PeerSnapshots() map[string]NodeTaskInformation {
	n.infoMu.RLock()
	defer n.infoMu.RUnlock()
	out := make(map[string]NodeTaskInformation, len(n.peerInfo))
	for k, v := range n.peerInfo {
		out[k] = v
	}
	return out
}

// Run dials the cluster, wires up the watcher/sender/pending handler/
// heartbeat, and blocks until ctx is cancelled or Shutdown is called.
func (n *Node) Run(ctx context.Context) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(n.container.BootstrapServers()...),
		// Deliberately no kgo.ConsumerGroup: every node must see every
		// record on the sync topic, so consumption is direct rather than
		// balanced across a consumer group.
		kgo.ConsumeTopics(n.container.SyncTopicName()),
	}
	if n.opts.ReadOldSignals {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return wrapErr(ErrKindFatal, fmt.Errorf("dialing cluster: %w", err))
	}
	n.client = client
	defer client.Close()

	if err := n.ensureSyncTopic(ctx); err != nil {
		return wrapErr(ErrKindConfiguration, err)
	}

	clk := n.container.Clock()
	n.pending = NewPendingHandler(clk, n.signalCh, n.opts.WaitInNewState)

	retryPolicy := func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = n.opts.TransientRetryMaxElapsed
		return b
	}
	n.sender = NewSender(client, n.container.SyncTopicName(), n.id, retryPolicy())
	n.sm = NewStateMachine(n.id, n.pending, n.sender, clk)
	n.watcher = NewWatcher(client, n.signalCh, n.infoCh, n.opts.ConsumerPollTime, retryPolicy)
	n.hb = NewHeartbeat(n, n.sender, clk, n.opts.HeartbeatPeriod)

	return n.sup.Run(ctx)
}

// ensureSyncTopic checks the sync topic exists and logs its partition
// count, which bounds how many tasks can have distinct claim orderings in
// flight at once (one partition per task name, via murmur2 key hashing).
// It does not create the topic: provisioning the sync topic is an
// operational concern outside this module's scope.
func (n *Node) ensureSyncTopic(ctx context.Context) error {
	admin := kadm.NewClient(n.client)
	topic := n.container.SyncTopicName()

	details, err := admin.ListTopics(ctx, topic)
	if err != nil {
		return fmt.Errorf("listing sync topic metadata: %w", err)
	}
	td, ok := details[topic]
	if !ok || td.Err != nil {
		return fmt.Errorf("sync topic %q does not exist or is not readable", topic)
	}
	log.Infof("ctm: sync topic %q has %d partitions", topic, len(td.Partitions))
	return nil
}

// runLoop is the single dispatch goroutine. It brings components up in a
// fixed order so that no task can begin CLAIMING before the watcher has
// actually joined and could observe a peer's existing claim: the Pending
// Handler starts first (and is waited on, since every later timer goes
// through it), then the Watcher starts and the loop blocks on its Ready
// milestone, and only once the watcher has positioned itself does the
// heartbeat start and every registered task get its INITIATING_I.
func (n *Node) runLoop(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.pending.Run(ctx)
	}()
	select {
	case <-n.pending.Ready():
	case <-ctx.Done():
		wg.Wait()
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.watcher.Run(ctx)
	}()
	select {
	case <-n.watcher.Ready():
	case <-ctx.Done():
		wg.Wait()
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.hb.Run(ctx)
	}()

	n.initiateAll()

	for {
		select {
		case <-ctx.Done():
			n.flushUnclaims()
			wg.Wait()
			return
		case sig := <-n.signalCh:
			n.dispatch(sig)
		case info := <-n.infoCh:
			n.applyPeerInfo(info)
		}
	}
}

// dispatch classifies a signal's origin relative to this node and routes
// it to the state machine. This is the single place origin classification
// happens, and the single caller of StateMachine.Dispatch, for both
// log-sourced and internally-generated signals.
func (n *Node) dispatch(sig Signal) {
	if sig.TaskName == nil {
		return
	}
	t, ok := n.lookup(*sig.TaskName)
	if !ok {
		return
	}
	origin := originInternal
	switch {
	case sig.OriginID == "":
		origin = originInternal
	case sig.OriginID == n.id:
		origin = originOwn
	default:
		origin = originForeign
	}
	n.sm.Dispatch(t, sig, origin)
}

// initiateAll sends the internal INITIATING_I signal for every registered
// task, kicking off the claim protocol for each.
func (n *Node) initiateAll() {
	n.mu.RLock()
	names := make([]string, 0, len(n.tasks))
	for name := range n.tasks {
		names = append(names, name)
	}
	n.mu.RUnlock()

	for _, name := range names {
		n.signalCh <- Signal{TaskName: strptr(name), Kind: KindInitiatingInternal, Timestamp: n.container.Clock().Now()}
	}
}

// flushUnclaims publishes UNCLAIMED for every task this node currently
// holds, best-effort, during shutdown; if it published any, it then sleeps
// ShutdownFlushWait on the node's clock so the echoes can flush.
func (n *Node) flushUnclaims() {
	n.mu.RLock()
	held := make([]*Task, 0)
	for _, t := range n.tasks {
		switch t.State() {
		case StateClaimedByNode, StateHandlingByNode:
			held = append(held, t)
		}
	}
	n.mu.RUnlock()

	now := n.container.Clock().Now()
	for _, t := range held {
		n.sender.Publish(Signal{TaskName: strptr(t.Name()), Kind: KindUnclaimed, OriginID: n.id, Timestamp: now})
	}
	if len(held) > 0 {
		n.container.Clock().Sleep(n.opts.ShutdownFlushWait)
	}
}

// Shutdown requests the node stop; it returns once the supervisor loop has
// exited and best-effort UNCLAIMED signals have been flushed. Once called,
// further calls to Register fail with ErrShuttingDown.
func (n *Node) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&n.closed, 1)
	return n.sup.Stop(ctx)
}
