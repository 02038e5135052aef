package cluster

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pcholakov/restate/chain"
	"github.com/pcholakov/restate/internal/metrics"
	"github.com/pcholakov/restate/loglet"
)

// LogsMetadata is the slice of the metadata registry this package needs: a
// read-only view of the current chain configuration per log.
type LogsMetadata interface {
	CurrentLogs() *chain.Logs
}

// PlacementHints is the value-typed snapshot the scheduler hands the logs
// controller on every observed-state update; the two sides exchange hint
// snapshots rather than holding live references to each other.
// FavoredNodes is keyed by log id; an empty or absent entry means no
// preference.
type PlacementHints struct {
	FavoredNodes map[LogId][]PlainNodeId
}

// LogPlacementHints is what the logs controller exposes back to the
// scheduler: the set of nodes presently hosting the writable tail segment
// of each log, so the scheduler can prefer collocating a partition's
// processor with its log's sequencer.
type LogPlacementHints struct {
	TailNodes map[LogId][]PlainNodeId
}

// sealExtendOp is one queued, cancellation-safe unit of work: seal the
// current tail of a log and extend it with a new segment. Queued operations
// survive being dropped and re-polled, since they only read/write through
// idempotent, precondition-guarded calls.
type sealExtendOp struct {
	logID   LogId
	request chain.ExtensionRequest
}

// LogsController tracks per-log tail state, lazily creates and
// caches loglet handles for the current tail segment of every known log,
// and drives seal-and-extend reconfiguration as a batch of cancellation-
// safe background operations. It holds no lock on the control loop; all
// mutation happens from the single goroutine that calls its methods.
type LogsController struct {
	log       *zap.SugaredLogger
	metadata  LogsMetadata
	providers map[chain.ProviderKind]loglet.Provider

	handles *lru.Cache[LogId, loglet.Loglet]

	mu           sync.Mutex
	pending      []sealExtendOp
	work         chan struct{}
	tailHint     map[LogId][]PlainNodeId
	favoredNodes map[LogId][]PlainNodeId
	metrics      *metrics.ControllerMetrics
}

// SetMetrics wires the controller's counters after construction; nil is
// accepted (and is the default) for callers that do not export metrics.
func (c *LogsController) SetMetrics(m *metrics.ControllerMetrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// NewLogsController constructs a controller with a bounded cache of live
// loglet handles (handleCacheSize), evicting the least-recently-used tail
// handle once the cache is full; segments below a log's current trim
// point are cheap to reopen and do not need to stay resident.
func NewLogsController(log *zap.SugaredLogger, metadata LogsMetadata, providers map[chain.ProviderKind]loglet.Provider, handleCacheSize int) (*LogsController, error) {
	cache, err := lru.New[LogId, loglet.Loglet](handleCacheSize)
	if err != nil {
		return nil, fmt.Errorf("cluster: constructing loglet handle cache: %w", err)
	}
	return &LogsController{
		log:       log,
		metadata:  metadata,
		providers: providers,
		handles:   cache,
		work:      make(chan struct{}, 1),
		tailHint:  map[LogId][]PlainNodeId{},
	}, nil
}

// FindLogsTail probes the tail of every known log's current segment. The
// probed tail is not stored, and the tail-node hints exposed to the
// scheduler are not changed here (OnLogsUpdate recomputes them). Errors talking to
// an individual loglet are logged and skipped; a transient failure to
// probe one log must not block the others, and is retried on the next tick
// rather than propagated.
func (c *LogsController) FindLogsTail(ctx context.Context) {
	logs := c.metadata.CurrentLogs()
	for logID := range logs.Chains {
		lid := LogId(logID)
		handle, err := c.openTail(ctx, lid)
		if err != nil {
			c.log.Warnw("failed to open loglet for tail probe", "log", lid, "error", err)
			continue
		}
		if _, err := handle.FindTail(ctx); err != nil {
			c.log.Warnw("failed to find log tail", "log", lid, "error", err)
		}
	}
}

// RunAsyncOperations waits for queued seal-and-extend operations and
// drains one batch, fanning it out concurrently with
// golang.org/x/sync/errgroup. It is the single future the control loop
// multiplexes alongside its timers and watches: when nothing is queued it
// suspends rather than returning, and errgroup.WithContext makes it safe
// to abandon at any point. Cancelling ctx (because the control loop
// dropped this call to handle a higher-priority branch) stops every
// in-flight operation at its next suspension point, and any op not yet
// started is simply requeued rather than lost.
func (c *LogsController) RunAsyncOperations(ctx context.Context) error {
	for {
		c.mu.Lock()
		ops := c.pending
		c.pending = nil
		c.mu.Unlock()

		if len(ops) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.work:
				continue
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, op := range ops {
			op := op
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					c.requeue(op)
					return nil
				}
				if _, _, err := c.runSealExtend(gctx, op); err != nil {
					return fmt.Errorf("cluster: seal-and-extend for %s: %w", op.logID, err)
				}
				return nil
			})
		}
		return g.Wait()
	}
}

func (c *LogsController) requeue(op sealExtendOp) {
	c.mu.Lock()
	c.pending = append(c.pending, op)
	c.mu.Unlock()
	c.signalWork()
}

func (c *LogsController) signalWork() {
	select {
	case c.work <- struct{}{}:
	default:
	}
}

// runSealExtend seals the log's current tail loglet and appends the
// resolved extension segment, returning both the segment that was sealed
// (as it stood immediately before sealing) and the new tail. The new
// segment's BaseLsn is derived from the offset FindTail reports once the
// seal has taken effect, so chain-wide LSN addressing (segment base plus
// loglet offset) stays contiguous across the reconfiguration.
func (c *LogsController) runSealExtend(ctx context.Context, op sealExtendOp) (chain.Segment, chain.Segment, error) {
	chainLogs := c.metadata.CurrentLogs()
	ch, ok := chainLogs.Chain(uint32(op.logID))
	if !ok {
		c.observeReconfig("failure")
		return chain.Segment{}, chain.Segment{}, fmt.Errorf("unknown log %s", op.logID)
	}
	sealed := ch.Tail()
	req := c.withFavoredNodeSet(op.logID, sealed, op.request)

	handle, err := c.openTail(ctx, op.logID)
	if err != nil {
		c.observeReconfig("failure")
		return chain.Segment{}, chain.Segment{}, err
	}
	if err := handle.Seal(ctx); err != nil {
		c.observeReconfig("failure")
		return chain.Segment{}, chain.Segment{}, fmt.Errorf("sealing tail segment %d: %w", sealed.Index, err)
	}
	tailState, err := handle.FindTail(ctx)
	if err != nil {
		c.observeReconfig("failure")
		return chain.Segment{}, chain.Segment{}, fmt.Errorf("finding sealed offset of segment %d: %w", sealed.Index, err)
	}

	next, err := chain.ResolveExtension(uint32(op.logID), sealed, req)
	if err != nil {
		c.observeReconfig("failure")
		return chain.Segment{}, chain.Segment{}, err
	}
	next.BaseLsn = sealed.BaseLsn + uint64(tailState.Offset()-loglet.OldestOffset)
	if err := ch.Extend(next); err != nil {
		c.observeReconfig("failure")
		return chain.Segment{}, chain.Segment{}, err
	}
	c.handles.Remove(op.logID)
	c.observeReconfig("success")
	return sealed, next, nil
}

// withFavoredNodeSet fills in a Replicated extension's node set from the
// scheduler's placement hints when the caller left it unspecified, so a
// newly sequenced segment prefers nodes the scheduler already collocated
// this log's partition with.
func (c *LogsController) withFavoredNodeSet(logID LogId, tail chain.Segment, req chain.ExtensionRequest) chain.ExtensionRequest {
	if len(req.NodeSet) > 0 {
		return req
	}
	targetKind := tail.Config.Kind
	if req.Provider != nil {
		targetKind = *req.Provider
	}
	if targetKind != chain.ProviderReplicated {
		return req
	}
	c.mu.Lock()
	favored := c.favoredNodes[logID]
	c.mu.Unlock()
	if len(favored) == 0 {
		return req
	}
	nodeSet := make([]uint32, len(favored))
	for i, n := range favored {
		nodeSet[i] = uint32(n)
	}
	req.NodeSet = nodeSet
	return req
}

func (c *LogsController) observeReconfig(outcome string) {
	c.mu.Lock()
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.ChainReconfigs.WithLabelValues(outcome).Inc()
	}
}

// CurrentTrimPoint and Trim let LogsController double as the leader's
// TrimExecutor: chain-wide LSN is a segment's base LSN plus its loglet
// offset, so both methods translate through the tail segment's BaseLsn
// before delegating to the underlying loglet.

func (c *LogsController) CurrentTrimPoint(ctx context.Context, logID LogId) (Lsn, error) {
	ch, ok := c.metadata.CurrentLogs().Chain(uint32(logID))
	if !ok {
		return InvalidLsn, fmt.Errorf("unknown log %s", logID)
	}
	handle, err := c.openTail(ctx, logID)
	if err != nil {
		return InvalidLsn, err
	}
	offset, ok, err := handle.GetTrimPoint(ctx)
	if err != nil {
		return InvalidLsn, err
	}
	if !ok {
		return InvalidLsn, nil
	}
	return Lsn(ch.Tail().BaseLsn) + Lsn(offset), nil
}

func (c *LogsController) Trim(ctx context.Context, logID LogId, upTo Lsn) error {
	ch, ok := c.metadata.CurrentLogs().Chain(uint32(logID))
	if !ok {
		return fmt.Errorf("unknown log %s", logID)
	}
	handle, err := c.openTail(ctx, logID)
	if err != nil {
		return err
	}
	base := Lsn(ch.Tail().BaseLsn)
	if upTo <= base {
		return nil
	}
	return handle.Trim(ctx, loglet.Offset(upTo-base))
}

// SealAndExtend performs a seal-and-extend reconfiguration synchronously,
// as driven by the exposed SealAndExtendChain RPC:
// unlike QueueSealAndExtend, this runs inline and returns both the sealed
// segment (as it stood before sealing) and the new tail, so the RPC caller
// can observe the outcome immediately. The caller is responsible for the
// min_version precondition check against the metadata store before
// invoking this.
func (c *LogsController) SealAndExtend(ctx context.Context, logID LogId, req chain.ExtensionRequest) (sealed chain.Segment, newTail chain.Segment, err error) {
	op := sealExtendOp{logID: logID, request: req}
	return c.runSealExtend(ctx, op)
}

// QueueSealAndExtend enqueues a chain reconfiguration to run on a future
// RunAsyncOperations call; it returns immediately, leaving the leader to
// perform the reconfiguration asynchronously.
func (c *LogsController) QueueSealAndExtend(logID LogId, req chain.ExtensionRequest) {
	c.mu.Lock()
	c.pending = append(c.pending, sealExtendOp{logID: logID, request: req})
	c.mu.Unlock()
	c.signalWork()
}

func (c *LogsController) openTail(ctx context.Context, logID LogId) (loglet.Loglet, error) {
	if h, ok := c.handles.Get(logID); ok {
		return h, nil
	}
	ch, ok := c.metadata.CurrentLogs().Chain(uint32(logID))
	if !ok {
		return nil, fmt.Errorf("unknown log %s", logID)
	}
	tail := ch.Tail()
	provider, ok := c.providers[tail.Config.Kind]
	if !ok {
		return nil, fmt.Errorf("no loglet provider registered for kind %s", tail.Config.Kind)
	}
	handle, err := provider.Open(ctx, uint32(logID), uint32(tail.Index), tail.Config.Params)
	if err != nil {
		return nil, fmt.Errorf("opening loglet for log %s segment %d: %w", logID, tail.Index, err)
	}
	c.handles.Add(logID, handle)
	return handle, nil
}

// OnLogsUpdate reacts to a new logs metadata version becoming visible by
// recomputing the tail-node hints from each log's current tail segment. It
// does not evict cached loglet handles; runSealExtend evicts the handle of
// the log it extends.
func (c *LogsController) OnLogsUpdate() {
	logs := c.metadata.CurrentLogs()
	hints := map[LogId][]PlainNodeId{}
	for logID, ch := range logs.Chains {
		hints[LogId(logID)] = replicatedNodeSet(ch.Tail())
	}
	c.mu.Lock()
	c.tailHint = hints
	c.mu.Unlock()
}

// OnPartitionTableUpdate reacts to the partition table changing. The logs
// controller itself does not own placement; it only logs partitions that
// have no backing log yet. It creates no logs, and QueueSealAndExtend only
// extends logs that already have a chain.
func (c *LogsController) OnPartitionTableUpdate(knownPartitions []PartitionId) {
	logs := c.metadata.CurrentLogs()
	for _, p := range knownPartitions {
		logID := uint32(LogIdFromPartition(p))
		if _, ok := logs.Chain(logID); !ok {
			c.log.Debugw("partition has no backing log yet; awaiting placement", "partition", p)
		}
	}
}

// OnObservedClusterStateUpdate lets the logs controller react to liveness
// changes it needs to reflect in its own bookkeeping (dropping the cached
// handle of any log whose tail node set includes a node that is not alive
// in state, so the next access reopens the loglet rather than using a
// stale cache entry), and
// records the scheduler's latest placement hints for the next
// seal-and-extend to consult via withFavoredNodeSet.
func (c *LogsController) OnObservedClusterStateUpdate(state *ClusterState, hints PlacementHints) {
	alive := state.AliveNodes()
	c.mu.Lock()
	defer c.mu.Unlock()
	for logID, nodes := range c.tailHint {
		for _, n := range nodes {
			if _, ok := alive[n]; !ok {
				c.handles.Remove(logID)
				break
			}
		}
	}

	favored := make(map[LogId][]PlainNodeId, len(hints.FavoredNodes))
	for k, v := range hints.FavoredNodes {
		favored[k] = append([]PlainNodeId(nil), v...)
	}
	c.favoredNodes = favored
}

// PlacementHints returns the current tail-node hints for the scheduler.
func (c *LogsController) PlacementHints() LogPlacementHints {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[LogId][]PlainNodeId, len(c.tailHint))
	for k, v := range c.tailHint {
		out[k] = append([]PlainNodeId(nil), v...)
	}
	return LogPlacementHints{TailNodes: out}
}

func replicatedNodeSet(seg chain.Segment) []PlainNodeId {
	if seg.Config.Kind != chain.ProviderReplicated {
		return nil
	}
	params, err := chain.DeserializeReplicatedParams(seg.Config.Params)
	if err != nil {
		return nil
	}
	out := make([]PlainNodeId, 0, len(params.NodeSet))
	for _, n := range params.NodeSet {
		out = append(out, PlainNodeId(n))
	}
	return out
}
