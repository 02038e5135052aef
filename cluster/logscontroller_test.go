package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcholakov/restate/chain"
	"github.com/pcholakov/restate/loglet"
	"github.com/pcholakov/restate/loglet/memloglet"
)

type singleLogMetadata struct {
	logs *chain.Logs
}

func (m *singleLogMetadata) CurrentLogs() *chain.Logs { return m.logs }

func newTestLogsController(t *testing.T) (*LogsController, *singleLogMetadata) {
	t.Helper()
	logs := chain.NewLogs()
	logs.Chains[0] = &chain.Chain{Segments: []chain.Segment{{
		Index:  0,
		Config: chain.SegmentConfig{Kind: chain.ProviderInMemory},
	}}}
	metadata := &singleLogMetadata{logs: logs}

	lc, err := NewLogsController(testLogger(t), metadata, map[chain.ProviderKind]loglet.Provider{
		chain.ProviderInMemory: memloglet.Provider{},
	}, 8)
	require.NoError(t, err)
	return lc, metadata
}

func TestLogsController_SealAndExtendAppendsContiguousSegment(t *testing.T) {
	lc, metadata := newTestLogsController(t)
	ctx := context.Background()

	handle, err := lc.openTail(ctx, LogId(0))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := handle.Append(ctx, []byte("x"))
		require.NoError(t, err)
	}

	sealed, newTail, err := lc.SealAndExtend(ctx, LogId(0), chain.ExtensionRequest{})
	require.NoError(t, err)
	assert.Equal(t, chain.SegmentIndex(0), sealed.Index)
	assert.Equal(t, chain.SegmentIndex(1), newTail.Index)
	// Three records were appended to the sealed segment (offsets 1-3), so
	// the new tail's base must pick up immediately after them.
	assert.Equal(t, sealed.BaseLsn+3, newTail.BaseLsn)

	ch, ok := metadata.logs.Chain(0)
	require.True(t, ok)
	assert.Equal(t, chain.SegmentIndex(1), ch.TailIndex())
	assert.Equal(t, newTail.BaseLsn, ch.Tail().BaseLsn)
}

func TestLogsController_SealAndExtendSealsPreviousTailLoglet(t *testing.T) {
	lc, _ := newTestLogsController(t)
	ctx := context.Background()

	handle, err := lc.openTail(ctx, LogId(0))
	require.NoError(t, err)
	_, err = handle.Append(ctx, []byte("a"))
	require.NoError(t, err)

	_, _, err = lc.SealAndExtend(ctx, LogId(0), chain.ExtensionRequest{})
	require.NoError(t, err)

	tail, err := handle.FindTail(ctx)
	require.NoError(t, err)
	assert.True(t, tail.IsSealed())
}

func TestLogsController_QueueSealAndExtendRunsOnRunAsyncOperations(t *testing.T) {
	lc, metadata := newTestLogsController(t)
	ctx := context.Background()

	lc.QueueSealAndExtend(LogId(0), chain.ExtensionRequest{})
	require.NoError(t, lc.RunAsyncOperations(ctx))

	ch, ok := metadata.logs.Chain(0)
	require.True(t, ok)
	assert.Equal(t, chain.SegmentIndex(1), ch.TailIndex())
}

func TestLogsController_TrimTranslatesChainWideLsnToLogletOffset(t *testing.T) {
	lc, metadata := newTestLogsController(t)
	ctx := context.Background()

	ch, _ := metadata.logs.Chain(0)
	ch.Segments[0].BaseLsn = 100

	handle, err := lc.openTail(ctx, LogId(0))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := handle.Append(ctx, []byte("x"))
		require.NoError(t, err)
	}

	require.NoError(t, lc.Trim(ctx, LogId(0), Lsn(102)))

	offset, ok, err := handle.GetTrimPoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, loglet.Offset(2), offset)
}

func TestLogsController_RunAsyncOperationsSuspendsWhenIdle(t *testing.T) {
	lc, _ := newTestLogsController(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// With nothing queued the future pends rather than completing, so the
	// control loop can park on it; only cancellation wakes it.
	err := lc.RunAsyncOperations(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogsController_QueueWakesSuspendedRunAsyncOperations(t *testing.T) {
	lc, metadata := newTestLogsController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- lc.RunAsyncOperations(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	lc.QueueSealAndExtend(LogId(0), chain.ExtensionRequest{})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued operation did not wake the suspended runner")
	}

	ch, ok := metadata.logs.Chain(0)
	require.True(t, ok)
	assert.Equal(t, chain.SegmentIndex(1), ch.TailIndex())
}

// The scheduler's placement hints must flow back into a subsequent
// seal-and-extend: an unspecified node set on a Replicated extension
// inherits the scheduler's favored nodes for that log.
func TestLogsController_SealAndExtendUsesSchedulerFavoredNodesForReplicatedExtension(t *testing.T) {
	lc, _ := newTestLogsController(t)
	ctx := context.Background()

	lc.OnObservedClusterStateUpdate(&ClusterState{}, PlacementHints{
		FavoredNodes: map[LogId][]PlainNodeId{0: {7, 9}},
	})

	provider := chain.ProviderReplicated
	_, newTail, err := lc.SealAndExtend(ctx, LogId(0), chain.ExtensionRequest{
		Provider:    &provider,
		Replication: "quorum",
		SequencerID: 1,
	})
	require.NoError(t, err)

	params, err := chain.DeserializeReplicatedParams(newTail.Config.Params)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 9}, params.NodeSet)
}
