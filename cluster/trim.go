package cluster

import (
	"sort"

	"go.uber.org/zap"
)

// TrimTarget is the result of the trim policy for one log: the new trim
// point to apply, and the partition that log backs (carried through purely
// for logging/observability).
type TrimTarget struct {
	TrimLsn     Lsn
	PartitionId PartitionId
}

type safeTrimPointMode int

const (
	modePersistedLsn safeTrimPointMode = iota
	modeArchivedLsn
)

// SafeTrimPoints is the pure functional core of the log trim policy.
// Given a cluster snapshot, the currently known trim point per log, and
// whether a snapshot repository is configured, it returns the set of logs
// that may safely advance their trim point, along with the new point to
// advance to. Only logs that require action appear in the result; the
// candidate for every entry is strictly greater than its current trim
// point.
//
// Mode selection: archived mode is used when a snapshot repository is
// configured, or when any partition reports an archived LSN greater than
// the invalid zero value. Otherwise persisted mode is used, and is the
// only mode that can be suspended outright by the presence of dead or
// suspect nodes, since without snapshots a trimmed record must have been
// durably persisted on every active processor that might otherwise need
// to re-derive it.
func SafeTrimPoints(
	log *zap.SugaredLogger,
	state *ClusterState,
	currentTrimPoints map[LogId]Lsn,
	snapshotsRepositoryConfigured bool,
) map[LogId]TrimTarget {
	type statusEntry struct {
		node   NodeId
		status PartitionProcessorStatus
	}

	partitionStatuses := map[PartitionId][]statusEntry{}
	archivedLsns := map[PartitionId]Lsn{}
	suspectOrDead := map[PlainNodeId]struct{}{}

	for nodeID, nodeState := range state.Nodes {
		switch {
		case nodeState.Alive != nil:
			alive := nodeState.Alive
			for partitionID, status := range alive.Partitions {
				reported := status.archivedOr(InvalidLsn)
				if existing, ok := archivedLsns[partitionID]; !ok || reported > existing {
					archivedLsns[partitionID] = reported
				}
				partitionStatuses[partitionID] = append(partitionStatuses[partitionID], statusEntry{
					node: alive.GenerationalNodeId, status: status,
				})
			}
		case nodeState.Suspect != nil, nodeState.Dead != nil:
			suspectOrDead[nodeID] = struct{}{}
		}
	}

	anyPartitionReportsArchivedLsn := false
	for partitionID := range archivedLsns {
		for _, entry := range partitionStatuses[partitionID] {
			if entry.status.archivedOr(InvalidLsn) > InvalidLsn {
				anyPartitionReportsArchivedLsn = true
				break
			}
		}
		if anyPartitionReportsArchivedLsn {
			break
		}
	}

	mode := modePersistedLsn
	if snapshotsRepositoryConfigured || anyPartitionReportsArchivedLsn {
		mode = modeArchivedLsn
	}

	if mode == modePersistedLsn && len(suspectOrDead) > 0 {
		log.Warnw("log trimming is suspended until processor state is known on all cluster nodes",
			"suspect_or_dead_nodes", sortedPlainIds(suspectOrDead))
		return map[LogId]TrimTarget{}
	}

	result := map[LogId]TrimTarget{}

	// Deterministic iteration order over partitions, so identical inputs
	// produce identical output and log lines regardless of map order.
	partitionIDs := make([]PartitionId, 0, len(partitionStatuses))
	for pid := range partitionStatuses {
		partitionIDs = append(partitionIDs, pid)
	}
	sort.Slice(partitionIDs, func(i, j int) bool { return partitionIDs[i] < partitionIDs[j] })

	switch mode {
	case modeArchivedLsn:
		log.Info("using max(archived_lsn) to determine the safe trim point LSNs")
		for _, partitionID := range partitionIDs {
			entries := partitionStatuses[partitionID]
			logID := LogIdFromPartition(partitionID)

			minApplied := MaxLsn
			archived := InvalidLsn
			for _, e := range entries {
				minApplied = minLsn(minApplied, e.status.appliedOr(InvalidLsn))
				archived = maxLsn(archived, e.status.archivedOr(InvalidLsn))
			}
			if len(entries) == 0 {
				minApplied = InvalidLsn
			}

			current := currentTrimPoints[logID]
			if archived <= current {
				continue
			}
			if archived <= minApplied {
				log.Debugw("safe trim point determined", "partition", partitionID, "log", logID, "trim_lsn", archived)
				result[logID] = TrimTarget{TrimLsn: archived, PartitionId: partitionID}
			} else {
				log.Warnw("some alive nodes have not applied the log up to the archived LSN; not trimming",
					"partition", partitionID)
			}
		}
	case modePersistedLsn:
		log.Info("using min(persisted_lsn) to determine the safe trim point LSNs")
		for _, partitionID := range partitionIDs {
			entries := partitionStatuses[partitionID]
			logID := LogIdFromPartition(partitionID)

			minPersisted := MaxLsn
			for _, e := range entries {
				minPersisted = minLsn(minPersisted, e.status.persistedOr(InvalidLsn))
			}
			if len(entries) == 0 {
				minPersisted = InvalidLsn
			}

			current := currentTrimPoints[logID]
			if minPersisted > current {
				log.Debugw("safe trim point determined", "partition", partitionID, "log", logID, "trim_lsn", minPersisted)
				result[logID] = TrimTarget{TrimLsn: minPersisted, PartitionId: partitionID}
			}
		}
	}

	return result
}

func sortedPlainIds(m map[PlainNodeId]struct{}) []PlainNodeId {
	out := make([]PlainNodeId, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
