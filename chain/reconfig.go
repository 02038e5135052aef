package chain

import (
	"encoding/json"
	"fmt"
)

// ReplicatedLogletParams is the parameter envelope for the Replicated
// provider kind. Its internal structure (nodeset, replication property,
// sequencer placement) is opaque to the controller beyond the fields chain
// reconfiguration needs to inherit or validate.
type ReplicatedLogletParams struct {
	LogletID     uint64   `json:"loglet_id"`
	NodeSet      []uint32 `json:"node_set"`
	Replication  string   `json:"replication"`
	SequencerGen uint64   `json:"sequencer_gen"`
	SequencerID  uint32   `json:"sequencer_id"`
}

func (p ReplicatedLogletParams) serialize() []byte {
	b, _ := json.Marshal(p)
	return b
}

func deserializeReplicatedParams(b []byte) (ReplicatedLogletParams, error) {
	var p ReplicatedLogletParams
	if err := json.Unmarshal(b, &p); err != nil {
		return ReplicatedLogletParams{}, fmt.Errorf("chain: invalid replicated loglet params: %w", err)
	}
	return p, nil
}

// DeserializeReplicatedParams exposes the Replicated params codec to
// callers outside this package (e.g. the logs controller deriving
// placement hints from a segment's opaque params).
func DeserializeReplicatedParams(b []byte) (ReplicatedLogletParams, error) {
	return deserializeReplicatedParams(b)
}

// ExtensionRequest describes a requested chain extension: the segment
// being extended (defaulting to the current tail) and the new segment's
// desired provider/params, any of which may be omitted to mean "reuse the
// tail's value".
type ExtensionRequest struct {
	SegmentIndex *SegmentIndex
	Provider     *ProviderKind
	NodeSet      []uint32
	Replication  string
	SequencerGen uint64
	SequencerID  uint32
}

// ErrCapabilityDowngrade is returned when an extension tries to move a
// Replicated tail segment to a non-Replicated provider kind. Provider
// capability is a one-way ladder: once replicated, always replicated.
var ErrCapabilityDowngrade = fmt.Errorf("chain: cannot reconfigure a replicated segment to a lower-capability provider")

// ErrMissingReplicatedFields is returned when a Replicated extension omits
// a required field and the tail segment was not itself Replicated (so
// there is nothing to inherit it from).
type ErrMissingReplicatedFields struct{ Field string }

func (e *ErrMissingReplicatedFields) Error() string {
	return fmt.Sprintf("chain: missing required replicated loglet field %q", e.Field)
}

// ErrMeaninglessField is returned when sequencer/nodeset options are
// supplied for a non-Replicated provider kind, where they have no meaning.
type ErrMeaninglessField struct{ Field string }

func (e *ErrMeaninglessField) Error() string {
	return fmt.Sprintf("chain: field %q is only meaningful for the replicated provider", e.Field)
}

// ResolveExtension computes the concrete Segment that should be appended
// to the chain's tail for logID, applying the capability-ladder and
// field-inheritance rules: any provider may move to Replicated, Replicated
// may never move back down, and a Replicated extension inherits
// unspecified fields from a Replicated tail.
func ResolveExtension(logID uint32, tail Segment, req ExtensionRequest) (Segment, error) {
	nextIndex := tail.Index.Next()
	if req.SegmentIndex != nil {
		nextIndex = req.SegmentIndex.Next()
	}

	provider := tail.Config.Kind
	if req.Provider != nil {
		provider = *req.Provider
	}

	if tail.Config.Kind == ProviderReplicated && provider != ProviderReplicated {
		return Segment{}, ErrCapabilityDowngrade
	}

	var params []byte
	switch provider {
	case ProviderReplicated:
		resolved, err := resolveReplicatedParams(tail, req)
		if err != nil {
			return Segment{}, err
		}
		// The new loglet id pairs the log with the segment index it will
		// serve, never reusing the sealed segment's id.
		resolved.LogletID = uint64(logID)<<32 | uint64(nextIndex)
		params = resolved.serialize()
	case ProviderLocal, ProviderInMemory:
		if len(req.NodeSet) > 0 {
			return Segment{}, &ErrMeaninglessField{Field: "nodeset"}
		}
		if req.SequencerID != 0 || req.SequencerGen != 0 {
			return Segment{}, &ErrMeaninglessField{Field: "sequencer"}
		}
		params = []byte(fmt.Sprintf("%d", nextIndex))
	default:
		return Segment{}, fmt.Errorf("chain: unknown provider kind %v", provider)
	}

	return Segment{
		Index:   nextIndex,
		BaseLsn: 0, // filled in by the caller once the tail is sealed (sealed base + sealed tail offset - 1)
		Config:  SegmentConfig{Kind: provider, Params: params},
	}, nil
}

func resolveReplicatedParams(tail Segment, req ExtensionRequest) (ReplicatedLogletParams, error) {
	var base ReplicatedLogletParams
	tailWasReplicated := tail.Config.Kind == ProviderReplicated
	if tailWasReplicated {
		var err error
		base, err = deserializeReplicatedParams(tail.Config.Params)
		if err != nil {
			return ReplicatedLogletParams{}, err
		}
	}

	out := base
	if len(req.NodeSet) > 0 {
		out.NodeSet = req.NodeSet
	} else if !tailWasReplicated {
		return ReplicatedLogletParams{}, &ErrMissingReplicatedFields{Field: "nodeset"}
	}

	if req.Replication != "" {
		out.Replication = req.Replication
	} else if !tailWasReplicated {
		return ReplicatedLogletParams{}, &ErrMissingReplicatedFields{Field: "replication"}
	}

	if req.SequencerID != 0 || req.SequencerGen != 0 {
		out.SequencerID = req.SequencerID
		out.SequencerGen = req.SequencerGen
	} else if !tailWasReplicated {
		return ReplicatedLogletParams{}, &ErrMissingReplicatedFields{Field: "sequencer"}
	}

	return out, nil
}
