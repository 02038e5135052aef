package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcholakov/restate/chain"
	"github.com/pcholakov/restate/internal/metrics"
	"github.com/pcholakov/restate/internal/watch"
	"github.com/pcholakov/restate/loglet"
)

type fakeLogsMetadata struct{}

func (fakeLogsMetadata) CurrentLogs() *chain.Logs { return chain.NewLogs() }

func adminNode(plain PlainNodeId) (PlainNodeId, NodeInfo) {
	return plain, NodeInfo{
		CurrentGeneration: NodeId{Plain: plain, Generation: 1},
		Roles:             map[Role]struct{}{RoleAdmin: {}},
	}
}

func aliveAdmin(plain PlainNodeId) (PlainNodeId, NodeState) {
	return plain, AliveState(AliveNode{
		GenerationalNodeId: NodeId{Plain: plain, Generation: 1},
		LastHeartbeatAt:    time.Now(),
		Partitions:         map[PartitionId]PartitionProcessorStatus{},
	})
}

// Among any set of nodes observing the same ClusterState, the predicted
// leader (the alive admin node with the smallest plain id) is unique and
// agreed on regardless of which node evaluates it.
func TestComputeIsLeader_UniqueAcrossObservers(t *testing.T) {
	n1, info1 := adminNode(1)
	n2, info2 := adminNode(2)
	n3, info3 := adminNode(3)
	nodesConfig := &NodesConfiguration{Nodes: map[PlainNodeId]NodeInfo{n1: info1, n2: info2, n3: info3}}

	id1, s1 := aliveAdmin(1)
	id2, s2 := aliveAdmin(2)
	state := &ClusterState{Nodes: map[PlainNodeId]NodeState{id1: s1, id2: s2}}

	leaderVotes := map[PlainNodeId]bool{}
	for _, self := range []PlainNodeId{1, 2} {
		cs := NewControllerState(NodeId{Plain: self, Generation: 1})
		leaderVotes[self] = cs.computeIsLeader(nodesConfig, state)
	}

	// Exactly one of the two alive admins believes itself leader (node 1,
	// the smallest plain id among the alive admin set).
	assert.True(t, leaderVotes[1])
	assert.False(t, leaderVotes[2])
}

// If self is the only alive admin node, it unconditionally self-elects.
func TestComputeIsLeader_SelfElectsWhenNoOtherAdminAlive(t *testing.T) {
	n1, info1 := adminNode(1)
	nodesConfig := &NodesConfiguration{Nodes: map[PlainNodeId]NodeInfo{n1: info1}}

	state := &ClusterState{Nodes: map[PlainNodeId]NodeState{}}

	cs := NewControllerState(NodeId{Plain: 1, Generation: 1})
	assert.True(t, cs.computeIsLeader(nodesConfig, state))
}

// After a ClusterState change, Update transitions the node's own
// Follower<->Leader status to match the newly computed outcome within one
// call (one observation).
func TestControllerState_UpdateConvergesWithinOneObservation(t *testing.T) {
	n1, info1 := adminNode(1)
	n2, info2 := adminNode(2)
	nodesConfig := &NodesConfiguration{Nodes: map[PlainNodeId]NodeInfo{n1: info1, n2: info2}}

	cs := NewControllerState(NodeId{Plain: 2, Generation: 1})
	require.False(t, cs.IsLeader())

	services := Services{
		Log: testLogger(t),
		Config: AdminConfig{
			LogTailUpdateInterval: time.Hour,
		},
		LogsController:        mustEmptyLogsController(t),
		Scheduler:             NewScheduler(testLogger(t)),
		LogsWatcher:           watch.NewSender[uint64](0).Receiver(),
		PartitionTableWatcher: watch.NewSender[uint64](0).Receiver(),
	}

	// Node 1 (the lower id) is alive: node 2 must remain a follower.
	id1, s1 := aliveAdmin(1)
	state := &ClusterState{Nodes: map[PlainNodeId]NodeState{id1: s1}}
	cs.Update(nodesConfig, state, services)
	assert.False(t, cs.IsLeader())

	// Node 1 goes away: node 2 is now the sole alive admin and self-elects,
	// converging to Leader within this single Update call.
	state = &ClusterState{Nodes: map[PlainNodeId]NodeState{}}
	cs.Update(nodesConfig, state, services)
	assert.True(t, cs.IsLeader())

	// Node 1 returns: node 2 must step back down to Follower immediately.
	id1, s1 = aliveAdmin(1)
	state = &ClusterState{Nodes: map[PlainNodeId]NodeState{id1: s1}}
	cs.Update(nodesConfig, state, services)
	assert.False(t, cs.IsLeader())
}

// A Follower<->Leader transition must be observable on the wired metrics
// registry, not silently discarded.
func TestControllerState_UpdateIncrementsLeaderTransitionsMetric(t *testing.T) {
	n1, info1 := adminNode(1)
	n2, info2 := adminNode(2)
	nodesConfig := &NodesConfiguration{Nodes: map[PlainNodeId]NodeInfo{n1: info1, n2: info2}}

	registry := prometheus.NewRegistry()
	controllerMetrics := metrics.NewControllerMetrics(registry)

	cs := NewControllerState(NodeId{Plain: 2, Generation: 1})
	services := Services{
		Log: testLogger(t),
		Config: AdminConfig{
			LogTailUpdateInterval: time.Hour,
		},
		LogsController:        mustEmptyLogsController(t),
		Scheduler:             NewScheduler(testLogger(t)),
		LogsWatcher:           watch.NewSender[uint64](0).Receiver(),
		PartitionTableWatcher: watch.NewSender[uint64](0).Receiver(),
		Metrics:               controllerMetrics,
	}

	// Node 1 goes away: node 2 self-elects, a Follower->Leader transition.
	state := &ClusterState{Nodes: map[PlainNodeId]NodeState{}}
	cs.Update(nodesConfig, state, services)
	require.True(t, cs.IsLeader())
	assert.Equal(t, float64(1), testutil.ToFloat64(controllerMetrics.LeaderTransitions))

	// Node 1 returns: node 2 steps down, a Leader->Follower transition.
	id1, s1 := aliveAdmin(1)
	state = &ClusterState{Nodes: map[PlainNodeId]NodeState{id1: s1}}
	cs.Update(nodesConfig, state, services)
	require.False(t, cs.IsLeader())
	assert.Equal(t, float64(2), testutil.ToFloat64(controllerMetrics.LeaderTransitions))
}

type recordingTrimExecutor struct {
	current map[LogId]Lsn
	trims   map[LogId]Lsn
}

func (e *recordingTrimExecutor) CurrentTrimPoint(ctx context.Context, logID LogId) (Lsn, error) {
	return e.current[logID], nil
}

func (e *recordingTrimExecutor) Trim(ctx context.Context, logID LogId, upTo Lsn) error {
	e.trims[logID] = upTo
	return nil
}

// A trim advance smaller than log_trim_threshold is deferred; Reconfigure
// lowering the threshold lets the same candidate through on the next round.
func TestLeader_TrimThresholdDefersSmallAdvances(t *testing.T) {
	n1, info1 := adminNode(1)
	nodesConfig := &NodesConfiguration{Nodes: map[PlainNodeId]NodeInfo{n1: info1}}

	id1, s1 := aliveNodeWithPartitions(1, map[PartitionId]PartitionProcessorStatus{
		2: {LastPersistedLsn: lsnPtr(5)},
	})
	state := &ClusterState{Nodes: map[PlainNodeId]NodeState{id1: s1}}

	exec := &recordingTrimExecutor{current: map[LogId]Lsn{}, trims: map[LogId]Lsn{}}
	trimInterval := time.Hour
	services := Services{
		Log: testLogger(t),
		Config: AdminConfig{
			LogTailUpdateInterval: time.Hour,
			LogTrimInterval:       &trimInterval,
			LogTrimThreshold:      10,
		},
		ClusterStateWatcher:   watch.NewSender[*ClusterState](state).Receiver(),
		LogsWatcher:           watch.NewSender[uint64](0).Receiver(),
		PartitionTableWatcher: watch.NewSender[uint64](0).Receiver(),
		LogsController:        mustEmptyLogsController(t),
		Scheduler:             NewScheduler(testLogger(t)),
		TrimExecutor:          exec,
	}

	cs := NewControllerState(NodeId{Plain: 1, Generation: 1})
	defer cs.Shutdown()
	cs.Update(nodesConfig, state, services)
	require.True(t, cs.IsLeader())

	// Candidate advance is 5, below the threshold of 10: nothing trimmed.
	require.NoError(t, cs.OnLeaderEvent(context.Background(), LeaderEventTrimLogs))
	assert.Empty(t, exec.trims)

	cs.Reconfigure(AdminConfig{
		LogTailUpdateInterval: time.Hour,
		LogTrimInterval:       &trimInterval,
		LogTrimThreshold:      1,
	})
	require.NoError(t, cs.OnLeaderEvent(context.Background(), LeaderEventTrimLogs))
	assert.Equal(t, Lsn(5), exec.trims[LogId(2)])
}

func mustEmptyLogsController(t *testing.T) *LogsController {
	t.Helper()
	lc, err := NewLogsController(testLogger(t), fakeLogsMetadata{}, map[chain.ProviderKind]loglet.Provider{}, 8)
	require.NoError(t, err)
	return lc
}
