package rpcapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pcholakov/restate/chain"
	"github.com/pcholakov/restate/cluster"
	"github.com/pcholakov/restate/loglet"
	"github.com/pcholakov/restate/loglet/memloglet"
	"github.com/pcholakov/restate/metadatastore"
)

type testLogsMetadata struct {
	logs *chain.Logs
}

func (m *testLogsMetadata) CurrentLogs() *chain.Logs { return m.logs }

func newTestService(t *testing.T, isLeader bool) (*Service, *metadatastore.InMemoryStore) {
	t.Helper()
	rawLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	logger := rawLogger.Sugar()

	logs := chain.NewLogs()
	logs.Chains[0] = &chain.Chain{Segments: []chain.Segment{{
		Index:  0,
		Config: chain.SegmentConfig{Kind: chain.ProviderInMemory},
	}}}
	metadata := &testLogsMetadata{logs: logs}

	logsController, err := cluster.NewLogsController(logger, metadata, map[chain.ProviderKind]loglet.Provider{
		chain.ProviderInMemory: memloglet.Provider{},
	}, 8)
	require.NoError(t, err)

	store := metadatastore.NewInMemoryStore()
	require.NoError(t, store.Put(context.Background(), logsMetadataKey, []byte("0"), metadatastore.MustNotExist()))

	svc := NewService(logger, logsController, store, func() bool { return isLeader })
	return svc, store
}

func TestSealAndExtendChain_RejectsWhenNotLeader(t *testing.T) {
	svc, _ := newTestService(t, false)

	_, err := svc.SealAndExtendChain(context.Background(), SealAndExtendRequest{LogID: 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errNotLeader))
}

func TestSealAndExtendChain_RejectsStaleMinVersion(t *testing.T) {
	svc, _ := newTestService(t, true)

	_, err := svc.SealAndExtendChain(context.Background(), SealAndExtendRequest{LogID: 0, MinVersion: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, metadatastore.ErrFailedPrecondition))
}

func TestSealAndExtendChain_SucceedsAndCommitsMetadata(t *testing.T) {
	svc, store := newTestService(t, true)

	resp, err := svc.SealAndExtendChain(context.Background(), SealAndExtendRequest{LogID: 0, MinVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), resp.NewSegmentIndex)
	require.NotNil(t, resp.SealedSegment)
	// sealed_segment describes the rolled-over-from (old tail) segment, not
	// the freshly created one.
	assert.Equal(t, chain.ProviderInMemory.String(), resp.SealedSegment.Provider)
	assert.Equal(t, uint64(0), resp.SealedSegment.TailOffset)

	version, ok, err := store.GetVersion(context.Background(), logsMetadataKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), version)
}
