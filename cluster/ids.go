// Package cluster implements the control plane of the cluster controller:
// observed-state aggregation, leader election, the reactive control loop,
// and the trim policy that runs on top of them.
package cluster

import "fmt"

// PlainNodeId is the stable identity of a cluster member, independent of
// how many times it has restarted.
type PlainNodeId uint32

func (p PlainNodeId) String() string {
	return fmt.Sprintf("N%d", uint32(p))
}

// NodeId pairs a PlainNodeId with a generation that increments on every
// incarnation of the node. Leadership comparisons use Plain; liveness
// comparisons use the full generational identity.
type NodeId struct {
	Plain      PlainNodeId
	Generation uint32
}

func (n NodeId) String() string {
	return fmt.Sprintf("N%d:%d", uint32(n.Plain), n.Generation)
}

// Less orders NodeIds by plain id, then generation. Used to pick the
// designated leader deterministically.
func (n NodeId) Less(other NodeId) bool {
	if n.Plain != other.Plain {
		return n.Plain < other.Plain
	}
	return n.Generation < other.Generation
}

// PartitionId is an opaque numeric partition identifier.
type PartitionId uint32

func (p PartitionId) String() string {
	return fmt.Sprintf("p%d", uint32(p))
}

// LogId identifies the log backing a partition's event stream. The mapping
// from PartitionId to LogId is total and injective; in this implementation
// it is the identity on the underlying integer.
type LogId uint32

// LogIdFromPartition implements the 1:1 PartitionId -> LogId mapping.
func LogIdFromPartition(p PartitionId) LogId {
	return LogId(p)
}

func (l LogId) String() string {
	return fmt.Sprintf("log-%d", uint32(l))
}

// Role identifies a capability a cluster node can advertise in the nodes
// configuration (only Admin is consulted by leader election).
type Role int

const (
	RoleAdmin Role = iota
	RoleWorker
	RoleLogServer
)
