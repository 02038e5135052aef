package cluster

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pcholakov/restate/internal/metrics"
	"github.com/pcholakov/restate/internal/watch"
)

// LeaderEvent names the non-cancellation-safe actions a leading controller
// must perform: timer/watch branches in the control loop that only
// discover work are handled inline, but anything that commits externally
// visible state is surfaced as a LeaderEvent and handled by onLeaderEvent
// outside the select, one at a time, never interleaved with the next
// iteration of the loop.
type LeaderEvent int

const (
	LeaderEventTrimLogs LeaderEvent = iota
	LeaderEventLogsUpdate
	LeaderEventPartitionTableUpdate
)

func (e LeaderEvent) String() string {
	switch e {
	case LeaderEventTrimLogs:
		return "trim_logs"
	case LeaderEventLogsUpdate:
		return "logs_update"
	case LeaderEventPartitionTableUpdate:
		return "partition_table_update"
	default:
		return "unknown"
	}
}

// Services bundles the collaborators a freshly promoted Leader wires up.
// A single Services value is shared by every Follower<->Leader transition
// on one node.
type Services struct {
	Log                           *zap.SugaredLogger
	ClusterStateWatcher           *watch.Receiver[*ClusterState]
	LogsWatcher                   *watch.Receiver[uint64]
	PartitionTableWatcher         *watch.Receiver[uint64]
	LogsController                *LogsController
	Scheduler                     *Scheduler
	TrimExecutor                  TrimExecutor
	PartitionTable                func() []PartitionId
	ReplicationStrategy           func() ReplicationStrategy
	NodesConfiguration            func() *NodesConfiguration
	Config                        AdminConfig
	SnapshotsRepositoryConfigured bool
	Metrics                       *metrics.ControllerMetrics
}

// TrimExecutor applies a computed trim target to the underlying log
// storage.
type TrimExecutor interface {
	CurrentTrimPoint(ctx context.Context, logID LogId) (Lsn, error)
	Trim(ctx context.Context, logID LogId, upTo Lsn) error
}

// ControllerState is the Follower<->Leader state machine for one node. It
// is not safe for concurrent use; it is owned by the single goroutine that
// also drives the control loop, so the leader path needs no locks.
type ControllerState struct {
	self NodeId

	leader *Leader
}

// NewControllerState constructs a node in the Follower state.
func NewControllerState(self NodeId) *ControllerState {
	return &ControllerState{self: self}
}

// IsLeader reports whether this node currently believes itself to be the
// cluster leader.
func (cs *ControllerState) IsLeader() bool { return cs.leader != nil }

// Update evaluates the leader-election rule against the given nodes
// configuration and observed cluster state, and transitions Follower
// <-> Leader if the outcome differs from the current state. Evaluated on
// every observed-state refresh.
func (cs *ControllerState) Update(nodesConfig *NodesConfiguration, state *ClusterState, services Services) {
	isLeader := cs.computeIsLeader(nodesConfig, state)

	switch {
	case isLeader && cs.leader != nil:
		// already leading, nothing to do
	case !isLeader && cs.leader == nil:
		// already following, nothing to do
	case isLeader && cs.leader == nil:
		services.Log.Infow("cluster controller switching to leader mode", "node", cs.self)
		cs.leader = newLeader(services)
		if services.Metrics != nil {
			services.Metrics.LeaderTransitions.Inc()
		}
	case !isLeader && cs.leader != nil:
		services.Log.Infow("cluster controller switching to follower mode", "node", cs.self)
		cs.leader.close()
		cs.leader = nil
		if services.Metrics != nil {
			services.Metrics.LeaderTransitions.Inc()
		}
	}
}

// Shutdown releases the leader context, if any. Called once when the
// control loop exits; demotion races with in-flight committing actions are
// resolved by the metadata store's precondition checks.
func (cs *ControllerState) Shutdown() {
	if cs.leader != nil {
		cs.leader.close()
		cs.leader = nil
	}
}

// computeIsLeader picks the designated leader: the alive admin node with
// the smallest plain id. If no admin node other than self is alive, self
// assumes leadership unconditionally.
func (cs *ControllerState) computeIsLeader(nodesConfig *NodesConfiguration, state *ClusterState) bool {
	alive := state.AliveNodes()

	var designated *NodeId
	for _, adminGen := range nodesConfig.AdminNodes() {
		if _, ok := alive[adminGen.Plain]; !ok {
			continue
		}
		if designated == nil || adminGen.Less(*designated) {
			g := adminGen
			designated = &g
		}
	}

	if designated == nil {
		return true
	}
	return designated.Plain == cs.self.Plain
}

// Run drives the control loop until either a LeaderEvent needs
// non-cancel-safe handling (event, true, nil) or the observed cluster
// state changed and leadership must be re-evaluated (0, false, nil).
// While following there are no events to produce: only a state change or
// ctx cancellation wakes the loop.
func (cs *ControllerState) Run(ctx context.Context, stateChanged <-chan struct{}) (LeaderEvent, bool, error) {
	if cs.leader == nil {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-stateChanged:
			return 0, false, nil
		}
	}
	return cs.leader.run(ctx, stateChanged)
}

// OnLeaderEvent performs the non-cancel-safe action named by event; a
// no-op while following, since a demoted node must have already stopped
// waiting on Run.
func (cs *ControllerState) OnLeaderEvent(ctx context.Context, event LeaderEvent) error {
	if cs.leader == nil {
		return nil
	}
	return cs.leader.onLeaderEvent(ctx, event)
}

// OnObservedClusterState forwards a refreshed snapshot to the logs
// controller and scheduler while leading; a no-op while following.
func (cs *ControllerState) OnObservedClusterState(ctx context.Context, state *ClusterState, nodesConfig *NodesConfiguration) error {
	if cs.leader == nil {
		return nil
	}
	return cs.leader.onObservedClusterState(ctx, state, nodesConfig)
}

// Reconfigure updates the trim interval/threshold in place; never blocks.
func (cs *ControllerState) Reconfigure(config AdminConfig) {
	if cs.leader == nil {
		return
	}
	cs.leader.reconfigure(config)
}

// Leader is the per-promotion control-loop context. close releases
// everything it holds: the tickers and the watcher pump goroutines that
// adapt watch.Receiver's blocking Changed into select arms.
type Leader struct {
	log *zap.SugaredLogger

	services Services

	findLogsTailTicker *time.Ticker
	logTrimTicker      *time.Ticker // nil when trimming is disabled
	logTrimThreshold   Lsn

	logsChanged           chan struct{}
	partitionTableChanged chan struct{}
	stopped               chan struct{}

	asyncDone    chan error
	asyncCancel  context.CancelFunc
	asyncRunning bool

	logsController *LogsController
	scheduler      *Scheduler
	trimExecutor   TrimExecutor

	snapshotsRepositoryConfigured bool
	metrics                       *metrics.ControllerMetrics
}

func newLeader(services Services) *Leader {
	l := &Leader{
		log:                           services.Log,
		services:                      services,
		findLogsTailTicker:            time.NewTicker(services.Config.LogTailUpdateInterval),
		logTrimThreshold:              services.Config.LogTrimThreshold,
		logsChanged:                   make(chan struct{}, 1),
		partitionTableChanged:         make(chan struct{}, 1),
		stopped:                       make(chan struct{}),
		asyncDone:                     make(chan error, 1),
		logsController:                services.LogsController,
		scheduler:                     services.Scheduler,
		trimExecutor:                  services.TrimExecutor,
		snapshotsRepositoryConfigured: services.SnapshotsRepositoryConfigured,
		metrics:                       services.Metrics,
	}
	if l.logsController != nil {
		l.logsController.SetMetrics(services.Metrics)
	}
	if services.Config.LogTrimInterval != nil {
		l.logTrimTicker = time.NewTicker(*services.Config.LogTrimInterval)
	}

	// Force the first iteration to immediately process whatever logs/
	// partition-table state is already current instead of waiting for the
	// next publish.
	services.LogsWatcher.MarkChanged()
	services.PartitionTableWatcher.MarkChanged()

	go pumpChanged(services.LogsWatcher, l.logsChanged, l.stopped)
	go pumpChanged(services.PartitionTableWatcher, l.partitionTableChanged, l.stopped)

	return l
}

// pumpChanged forwards watch notifications onto a buffered channel usable
// as a select arm. The buffer of one coalesces bursts, preserving the
// latest-value-wins contract: a notification only tells the control loop
// to re-read Current(), so dropping duplicates is harmless.
func pumpChanged(r *watch.Receiver[uint64], out chan<- struct{}, stopped <-chan struct{}) {
	for {
		if _, ok := r.Changed(stopped); !ok {
			return
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}
}

// close releases the leader context: timers stop, pump goroutines exit,
// and any in-flight async operations are cancelled.
func (l *Leader) close() {
	l.findLogsTailTicker.Stop()
	if l.logTrimTicker != nil {
		l.logTrimTicker.Stop()
	}
	if l.asyncCancel != nil {
		l.asyncCancel()
	}
	close(l.stopped)
}

func (l *Leader) reconfigure(config AdminConfig) {
	l.logTrimThreshold = config.LogTrimThreshold
	if l.logTrimTicker != nil {
		l.logTrimTicker.Stop()
		l.logTrimTicker = nil
	}
	if config.LogTrimInterval != nil {
		l.logTrimTicker = time.NewTicker(*config.LogTrimInterval)
	}
}

// run is the leader's control loop: it multiplexes timer ticks and watch
// notifications, handling discovery-only branches inline and returning as
// soon as a non-cancel-safe LeaderEvent is ready (event, true) or the
// observed cluster state changed (0, false).
func (l *Leader) run(ctx context.Context, stateChanged <-chan struct{}) (LeaderEvent, bool, error) {
	var trimTickC <-chan time.Time
	if l.logTrimTicker != nil {
		trimTickC = l.logTrimTicker.C
	}

	for {
		if !l.asyncRunning {
			l.asyncRunning = true
			runCtx, cancel := context.WithCancel(ctx)
			l.asyncCancel = cancel
			go func() {
				l.asyncDone <- l.logsController.RunAsyncOperations(runCtx)
			}()
		}

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()

		case <-stateChanged:
			return 0, false, nil

		case <-l.findLogsTailTicker.C:
			l.logsController.FindLogsTail(ctx)

		case err := <-l.asyncDone:
			l.asyncCancel()
			l.asyncRunning = false
			if err != nil && !errors.Is(err, context.Canceled) {
				return 0, false, err
			}

		case <-trimTickC:
			l.log.Info("checking if logs need to be trimmed")
			return LeaderEventTrimLogs, true, nil

		case <-l.logsChanged:
			return LeaderEventLogsUpdate, true, nil

		case <-l.partitionTableChanged:
			return LeaderEventPartitionTableUpdate, true, nil
		}
	}
}

// onLeaderEvent performs the non-cancel-safe action for event.
func (l *Leader) onLeaderEvent(ctx context.Context, event LeaderEvent) error {
	switch event {
	case LeaderEventTrimLogs:
		l.trimLogs(ctx)
	case LeaderEventLogsUpdate:
		l.onLogsUpdate(ctx)
	case LeaderEventPartitionTableUpdate:
		l.onPartitionTableUpdate(ctx)
	}
	return nil
}

func (l *Leader) onLogsUpdate(ctx context.Context) {
	l.logsController.OnLogsUpdate()
	l.scheduler.OnLogsUpdate()
}

func (l *Leader) onPartitionTableUpdate(ctx context.Context) {
	l.logsController.OnPartitionTableUpdate(l.services.PartitionTable())
}

func (l *Leader) onObservedClusterState(ctx context.Context, state *ClusterState, nodesConfig *NodesConfiguration) error {
	if l.metrics != nil && state.LastRefreshed != nil {
		l.metrics.ObservedStateLag.Set(time.Since(*state.LastRefreshed).Seconds())
	}

	// Cross-pollinate hints in both directions: the scheduler's
	// tail-collocation preferences feed the logs controller's bookkeeping,
	// and the logs controller's current tail-node hints feed the
	// scheduler's placement decisions below. Both sides only ever see a
	// value-typed snapshot of the other, never a live reference.
	hints := PlacementHints{FavoredNodes: l.scheduler.SchedulingPlanNodeSetSelectorHints()}
	l.logsController.OnObservedClusterStateUpdate(state, hints)

	// Committing the placement is the placement layer's job; the leader
	// only records what the scheduler decided this round.
	decisions := l.scheduler.OnObservedClusterState(state, l.services.ReplicationStrategy(), nodesConfig, l.logsController.PlacementHints())
	l.log.Debugw("recomputed partition processor placement", "partitions", len(decisions.Placements))
	return nil
}

// trimLogs runs the pure trim policy against the latest observed cluster
// state and applies the result through the TrimExecutor. Trim failures are
// warned and swallowed: trimming is a liveness optimisation, never a
// correctness requirement.
func (l *Leader) trimLogs(ctx context.Context) {
	if err := l.trimLogsInner(ctx); err != nil {
		l.log.Warnw("could not trim the logs; this can lead to increased disk usage on log servers", "error", err)
	}
}

func (l *Leader) trimLogsInner(ctx context.Context) error {
	if l.metrics != nil {
		l.metrics.TrimRounds.Inc()
	}

	state := l.services.ClusterStateWatcher.Current()

	currentTrimPoints, err := l.currentTrimPoints(ctx, state)
	if err != nil {
		return err
	}

	newTrimPoints := SafeTrimPoints(l.log, state, currentTrimPoints, l.snapshotsRepositoryConfigured)
	l.log.Infow("new safe trim points", "trim_points", newTrimPoints)

	for logID, target := range newTrimPoints {
		// The threshold dampens trim churn: an advance smaller than
		// log_trim_threshold is deferred to a later round.
		if uint64(target.TrimLsn-currentTrimPoints[logID]) < uint64(l.logTrimThreshold) {
			l.log.Debugw("trim advance below threshold; deferring",
				"log", logID, "trim_lsn", target.TrimLsn, "threshold", l.logTrimThreshold)
			continue
		}
		l.log.Infow("automatic trim", "log", logID, "partition", target.PartitionId, "trim_lsn", target.TrimLsn)
		if err := l.trimExecutor.Trim(ctx, logID, target.TrimLsn); err != nil {
			if l.metrics != nil {
				l.metrics.LogsTrimmed.WithLabelValues("failure").Inc()
			}
			return err
		}
		if l.metrics != nil {
			l.metrics.LogsTrimmed.WithLabelValues("success").Inc()
		}
	}
	return nil
}

func (l *Leader) currentTrimPoints(ctx context.Context, state *ClusterState) (map[LogId]Lsn, error) {
	seen := map[LogId]struct{}{}
	for _, alive := range state.AliveNodes() {
		for partitionID := range alive.Partitions {
			seen[LogIdFromPartition(partitionID)] = struct{}{}
		}
	}

	out := make(map[LogId]Lsn, len(seen))
	for logID := range seen {
		lsn, err := l.trimExecutor.CurrentTrimPoint(ctx, logID)
		if err != nil {
			return nil, err
		}
		out[logID] = lsn
	}
	return out, nil
}
