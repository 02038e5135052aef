// Package chain implements the log chain metadata model: an ordered,
// non-empty sequence of segments, each bound to one loglet provider
// configuration, with the seal-and-extend protocol that rolls a log from
// one configuration to the next.
package chain

import (
	"errors"
	"fmt"
)

// ProviderKind names a loglet provider implementation. The set is closed;
// dispatch is static wherever possible.
type ProviderKind int

const (
	ProviderInMemory ProviderKind = iota
	ProviderLocal
	ProviderReplicated
)

func (k ProviderKind) String() string {
	switch k {
	case ProviderInMemory:
		return "in-memory"
	case ProviderLocal:
		return "local"
	case ProviderReplicated:
		return "replicated"
	default:
		return "unknown"
	}
}

// SegmentIndex is the position of a segment within a chain. Indices are
// strictly increasing and contiguous from zero.
type SegmentIndex uint32

func (i SegmentIndex) Next() SegmentIndex { return i + 1 }

// SegmentConfig names a segment's provider and opaque, provider-specific
// parameters (e.g. a serialized ReplicatedLogletParams for the Replicated
// provider, or a bare loglet id string for Local/InMemory).
type SegmentConfig struct {
	Kind   ProviderKind
	Params []byte
}

// Segment is one contiguous LSN range of a log, served by one loglet under
// one provider configuration.
type Segment struct {
	Index   SegmentIndex
	BaseLsn uint64
	Config  SegmentConfig
}

// Chain is the ordered, non-empty sequence of segments backing one log.
// The last element is always the tail.
type Chain struct {
	Segments []Segment
}

var ErrEmptyChain = errors.New("chain: segment list must be non-empty")

// Tail returns the last (currently writable, or most recently sealed)
// segment in the chain.
func (c *Chain) Tail() Segment {
	return c.Segments[len(c.Segments)-1]
}

// TailIndex is a convenience accessor for Tail().Index.
func (c *Chain) TailIndex() SegmentIndex {
	return c.Tail().Index
}

// Segment looks up a segment by index.
func (c *Chain) Segment(index SegmentIndex) (Segment, bool) {
	for _, s := range c.Segments {
		if s.Index == index {
			return s, true
		}
	}
	return Segment{}, false
}

// Extend appends a new tail segment. Callers must have already sealed the
// previous tail loglet before calling this; Extend only maintains the
// chain's index-contiguity invariant.
func (c *Chain) Extend(next Segment) error {
	tail := c.Tail()
	if next.Index != tail.Index.Next() {
		return fmt.Errorf("chain: segment index %d does not extend tail index %d", next.Index, tail.Index)
	}
	c.Segments = append(c.Segments, next)
	return nil
}

// Logs is the full set of chains known to this cluster, keyed by log id.
// The concrete key type is left to the caller (cluster.LogId) to avoid an
// import cycle between chain and cluster; callers index this map
// themselves via a parallel uint32 key.
type Logs struct {
	Version uint64
	Chains  map[uint32]*Chain
}

func NewLogs() *Logs {
	return &Logs{Chains: map[uint32]*Chain{}}
}

func (l *Logs) Chain(logID uint32) (*Chain, bool) {
	c, ok := l.Chains[logID]
	return c, ok
}
