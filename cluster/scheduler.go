package cluster

import (
	"sort"

	"go.uber.org/zap"
)

// ReplicationStrategy is the partition table's configured replication
// factor, consumed but not interpreted beyond node-count selection. The
// placement policy itself lives with the placer; only its hint exchange
// with the logs controller is modeled here.
type ReplicationStrategy struct {
	Factor int
}

// PartitionPlacement is one partition's current processor assignment.
type PartitionPlacement struct {
	PartitionId PartitionId
	Nodes       []PlainNodeId
}

// PlacementDecisions is the scheduler's idempotent output: the desired
// processor placement for every partition whose log appears in the logs
// controller's placement hints. Committing it is the
// placement layer's job, through the metadata store; the leader only
// observes the decisions.
type PlacementDecisions struct {
	Placements map[PartitionId]PartitionPlacement
}

// Scheduler recomputes, on every observed-state update, the desired
// partition-processor placement from the current replication strategy, the
// nodes configuration, and the logs controller's placement hints. It is a
// pure, idempotent reconciler: re-running with identical inputs produces
// identical decisions, so it holds no state of its own beyond the most
// recently favored node set it hands back to the logs controller.
type Scheduler struct {
	log *zap.SugaredLogger

	favoredNodes map[LogId][]PlainNodeId
}

// NewScheduler constructs an empty scheduler.
func NewScheduler(log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{log: log, favoredNodes: map[LogId][]PlainNodeId{}}
}

// OnObservedClusterState recomputes placement for the partition of every
// log named in hints.TailNodes (other partitions get no entry), given the
// current alive-node set, replication strategy, and the logs
// controller's tail-node hints (favoring collocation with a log's
// sequencer). The result is deterministic for a fixed input.
func (s *Scheduler) OnObservedClusterState(
	state *ClusterState,
	strategy ReplicationStrategy,
	nodesConfig *NodesConfiguration,
	hints LogPlacementHints,
) PlacementDecisions {
	alive := state.AliveNodes()

	candidates := make([]PlainNodeId, 0, len(nodesConfig.Nodes))
	for id, info := range nodesConfig.Nodes {
		if info.HasRole(RoleWorker) {
			if _, ok := alive[id]; ok {
				candidates = append(candidates, id)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	decisions := map[PartitionId]PartitionPlacement{}
	for logID, favored := range hints.TailNodes {
		partitionID := PartitionId(logID)
		nodes := selectNodeSet(favored, candidates, strategy.Factor)
		decisions[partitionID] = PartitionPlacement{PartitionId: partitionID, Nodes: nodes}
	}

	s.favoredNodes = hints.TailNodes
	return PlacementDecisions{Placements: decisions}
}

// OnLogsUpdate is a no-op placeholder for symmetry with the logs
// controller's reactive surface; the scheduler only needs the hints
// supplied alongside the next observed-state update, never logs metadata
// directly.
func (s *Scheduler) OnLogsUpdate() {}

// SchedulingPlanNodeSetSelectorHints is what this scheduler exposes back to
// the logs controller: nodes already favored for a log's partition, so a
// newly created or extended chain can prefer the same node set rather than
// picking one independently.
func (s *Scheduler) SchedulingPlanNodeSetSelectorHints() map[LogId][]PlainNodeId {
	out := make(map[LogId][]PlainNodeId, len(s.favoredNodes))
	for k, v := range s.favoredNodes {
		out[k] = append([]PlainNodeId(nil), v...)
	}
	return out
}

// selectNodeSet prefers nodes already favored by the logs controller
// (keeping a partition's processor collocated with its log's current
// writers), padding out to factor with the remaining alive candidates in
// deterministic order if the favored set is too small, or truncating if
// too large.
func selectNodeSet(favored, candidates []PlainNodeId, factor int) []PlainNodeId {
	if factor <= 0 {
		factor = 1
	}
	seen := map[PlainNodeId]struct{}{}
	out := make([]PlainNodeId, 0, factor)
	for _, n := range favored {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
		if len(out) == factor {
			return out
		}
	}
	for _, n := range candidates {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
		if len(out) == factor {
			break
		}
	}
	return out
}
