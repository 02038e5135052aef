package cluster

import (
	"time"

	"go.uber.org/zap"

	"github.com/pcholakov/restate/internal/watch"
)

// StateRefresher produces a fresh ClusterState snapshot (e.g. by gossiping
// with or polling every node). It is intentionally the only extension
// point: this package never decides how liveness is observed, only what to
// do once it has been.
type StateRefresher interface {
	Refresh() (*ClusterState, error)
}

// Aggregator periodically calls out to a StateRefresher and republishes
// the result on a watch channel with latest-value-wins semantics: a slow
// consumer only ever misses intermediate snapshots, never the newest one.
type Aggregator struct {
	log       *zap.SugaredLogger
	refresher StateRefresher
	interval  time.Duration

	sender *watch.Sender[*ClusterState]

	shutdown chan struct{}
	done     chan struct{}
}

// NewAggregator constructs an Aggregator seeded with an empty cluster
// state; call Run in its own goroutine to start refreshing.
func NewAggregator(log *zap.SugaredLogger, refresher StateRefresher, interval time.Duration) *Aggregator {
	empty := &ClusterState{Nodes: map[PlainNodeId]NodeState{}}
	return &Aggregator{
		log:       log,
		refresher: refresher,
		interval:  interval,
		sender:    watch.NewSender[*ClusterState](empty),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Watcher returns a new observer of published ClusterState snapshots.
func (a *Aggregator) Watcher() *watch.Receiver[*ClusterState] {
	return a.sender.Receiver()
}

// Current returns the most recently published snapshot without blocking.
func (a *Aggregator) Current() *ClusterState {
	return a.sender.Receiver().Current()
}

// Run refreshes on a timer until Stop is called. Missed ticks are not
// coalesced aggressively; this is a plain ticker, not a control-loop
// timer subject to the delay/burst distinction that matters for the
// leader's own timers.
func (a *Aggregator) Run() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			state, err := a.refresher.Refresh()
			if err != nil {
				a.log.Warnw("failed to refresh cluster state", "error", err)
				continue
			}
			a.sender.Send(state)
		case <-a.shutdown:
			return
		}
	}
}

// Stop requests the aggregator's goroutine to exit and waits for it.
func (a *Aggregator) Stop() {
	close(a.shutdown)
	<-a.done
}
