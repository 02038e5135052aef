package cluster

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// RunMode is the effective or planned role of a partition processor.
type RunMode int

const (
	Follower RunMode = iota
	LeaderRunMode
)

func (m RunMode) String() string {
	if m == LeaderRunMode {
		return "leader"
	}
	return "follower"
}

// PartitionProcessorStatus is the last reported state of one partition
// processor running on one node.
type PartitionProcessorStatus struct {
	PlannedMode   RunMode
	EffectiveMode RunMode

	// LastAppliedLsn is the greatest LSN the processor has consumed and
	// applied to its in-memory state.
	LastAppliedLsn *Lsn
	// LastPersistedLsn is the greatest LSN durably applied to the
	// processor's local state.
	LastPersistedLsn *Lsn
	// LastArchivedLsn is the greatest LSN for which a durable snapshot
	// exists in the snapshot repository.
	LastArchivedLsn *Lsn
}

func (s PartitionProcessorStatus) appliedOr(fallback Lsn) Lsn {
	if s.LastAppliedLsn == nil {
		return fallback
	}
	return *s.LastAppliedLsn
}

func (s PartitionProcessorStatus) persistedOr(fallback Lsn) Lsn {
	if s.LastPersistedLsn == nil {
		return fallback
	}
	return *s.LastPersistedLsn
}

func (s PartitionProcessorStatus) archivedOr(fallback Lsn) Lsn {
	if s.LastArchivedLsn == nil {
		return fallback
	}
	return *s.LastArchivedLsn
}

// AliveNode is the liveness-tagged state of a node that has recently
// heartbeated.
type AliveNode struct {
	GenerationalNodeId NodeId
	LastHeartbeatAt    time.Time
	Partitions         map[PartitionId]PartitionProcessorStatus
}

// HeartbeatProto renders the heartbeat timestamp using the protobuf
// well-known timestamp type, matching the wire form used for cluster-state
// snapshots exchanged between nodes.
func (a AliveNode) HeartbeatProto() *timestamppb.Timestamp {
	return timestamppb.New(a.LastHeartbeatAt)
}

// SuspectNode has missed enough heartbeats to be no longer trusted, but has
// not yet been declared dead.
type SuspectNode struct {
	GenerationalNodeId NodeId
	LastAttempt        time.Time
}

// DeadNode is a node presumed gone; LastSeenAlive is nil if it was never
// observed alive by this aggregator.
type DeadNode struct {
	LastSeenAlive *time.Time
}

// NodeState is a tagged variant of the liveness states a cluster member can
// be in. Exactly one of the three pointer fields is non-nil.
type NodeState struct {
	Alive   *AliveNode
	Suspect *SuspectNode
	Dead    *DeadNode
}

func AliveState(n AliveNode) NodeState { return NodeState{Alive: &n} }
func SuspectState(n SuspectNode) NodeState { return NodeState{Suspect: &n} }
func DeadState(n DeadNode) NodeState       { return NodeState{Dead: &n} }

func (s NodeState) IsAlive() bool   { return s.Alive != nil }
func (s NodeState) IsSuspect() bool { return s.Suspect != nil }
func (s NodeState) IsDead() bool    { return s.Dead != nil }

// ClusterState is an immutable snapshot of the whole cluster's liveness
// view. It is always handled by reference and never mutated in place; a new
// refresh produces a brand new snapshot.
type ClusterState struct {
	LastRefreshed         *time.Time
	NodesConfigVersion    uint64
	PartitionTableVersion uint64
	LogsMetadataVersion   uint64
	Nodes                 map[PlainNodeId]NodeState
}

// AliveNodes returns the subset of nodes observed Alive, keyed by plain id.
func (c *ClusterState) AliveNodes() map[PlainNodeId]*AliveNode {
	out := make(map[PlainNodeId]*AliveNode, len(c.Nodes))
	for id, st := range c.Nodes {
		if st.Alive != nil {
			out[id] = st.Alive
		}
	}
	return out
}
