package rpcapi

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/pcholakov/restate/chain"
	"github.com/pcholakov/restate/cluster"
	"github.com/pcholakov/restate/metadatastore"
)

// SealAndExtendRequest carries the target log, the precondition version
// the logs metadata must have reached, and the new segment's requested
// configuration (any field may be left at its zero value to mean "reuse
// the tail segment's value", per chain.ResolveExtension).
type SealAndExtendRequest struct {
	LogID        uint32  `json:"log_id"`
	MinVersion   uint64  `json:"min_version"`
	SegmentIndex *uint32 `json:"segment_index,omitempty"`
	Provider     *string `json:"provider,omitempty"`
	NodeSet      []uint32 `json:"node_set,omitempty"`
	Replication  string  `json:"replication,omitempty"`
	SequencerGen uint64  `json:"sequencer_gen,omitempty"`
	SequencerID  uint32  `json:"sequencer_id,omitempty"`
}

// SealedSegmentInfo describes the segment that was sealed to make way for
// the new tail, echoed back so the caller can confirm what was rolled over.
type SealedSegmentInfo struct {
	TailOffset uint64 `json:"tail_offset"`
	Provider   string `json:"provider"`
	Params     []byte `json:"params"`
}

// SealAndExtendResponse reports the outcome of a chain reconfiguration.
type SealAndExtendResponse struct {
	NewSegmentIndex uint32             `json:"new_segment_index"`
	SealedSegment   *SealedSegmentInfo `json:"sealed_segment,omitempty"`
}

const logsMetadataKey = "logs"

// Service implements the leader-only SealAndExtendChain RPC. It is only
// meaningful to call against the current leader; isLeader lets a node
// that was just demoted reject requests instead of acting on them.
type Service struct {
	log            *zap.SugaredLogger
	logsController *cluster.LogsController
	metadataStore  metadatastore.Store
	isLeader       func() bool
}

// NewService constructs a Service. isLeader is consulted on every call so
// a node that has just been demoted stops accepting new reconfigurations
// without needing to unregister the gRPC handler.
func NewService(log *zap.SugaredLogger, logsController *cluster.LogsController, metadataStore metadatastore.Store, isLeader func() bool) *Service {
	return &Service{log: log, logsController: logsController, metadataStore: metadataStore, isLeader: isLeader}
}

var errNotLeader = fmt.Errorf("rpcapi: this node is not the cluster leader")

// SealAndExtendChain seals the target log's tail loglet and appends a new
// segment with the resolved configuration. The request is rejected before
// sealing if the logs metadata version is below min_version, and the commit
// is a compare-and-swap against the version read at that point. This does
// not make a retry idempotent: a retried request whose min_version is still
// met seals and extends the chain again, and a commit that loses the
// compare-and-swap returns an error after the seal and extension were applied.
func (s *Service) SealAndExtendChain(ctx context.Context, req SealAndExtendRequest) (SealAndExtendResponse, error) {
	requestID := uuid.New().String()
	s.log.Infow("incoming RPC: SealAndExtendChain", "request_id", requestID, "log_id", req.LogID, "min_version", req.MinVersion)

	if !s.isLeader() {
		return SealAndExtendResponse{}, errNotLeader
	}

	version, _, err := s.metadataStore.GetVersion(ctx, logsMetadataKey)
	if err != nil {
		return SealAndExtendResponse{}, fmt.Errorf("rpcapi: reading logs metadata version: %w", err)
	}
	if version < req.MinVersion {
		return SealAndExtendResponse{}, fmt.Errorf("rpcapi: %w: logs metadata at version %d, need at least %d", metadatastore.ErrFailedPrecondition, version, req.MinVersion)
	}

	extReq := toExtensionRequest(req)

	sealedSegment, newTail, err := s.logsController.SealAndExtend(ctx, cluster.LogId(req.LogID), extReq)
	if err != nil {
		return SealAndExtendResponse{}, fmt.Errorf("rpcapi: seal-and-extend log %d: %w", req.LogID, err)
	}

	if err := s.metadataStore.Put(ctx, logsMetadataKey, []byte(fmt.Sprintf("%d", newTail.Index)), metadatastore.MatchesVersion(version)); err != nil {
		return SealAndExtendResponse{}, fmt.Errorf("rpcapi: committing logs metadata: %w", err)
	}

	return SealAndExtendResponse{
		NewSegmentIndex: uint32(newTail.Index),
		SealedSegment: &SealedSegmentInfo{
			// The chain-wide LSN at which the sealed segment stopped, i.e.
			// the new tail's base, not the sealed segment's own base.
			TailOffset: newTail.BaseLsn,
			Provider:   sealedSegment.Config.Kind.String(),
			Params:     sealedSegment.Config.Params,
		},
	}, nil
}

func toExtensionRequest(req SealAndExtendRequest) chain.ExtensionRequest {
	var out chain.ExtensionRequest
	if req.SegmentIndex != nil {
		idx := chain.SegmentIndex(*req.SegmentIndex)
		out.SegmentIndex = &idx
	}
	if req.Provider != nil {
		kind := parseProviderKind(*req.Provider)
		out.Provider = &kind
	}
	out.NodeSet = req.NodeSet
	out.Replication = req.Replication
	out.SequencerGen = req.SequencerGen
	out.SequencerID = req.SequencerID
	return out
}

func parseProviderKind(s string) chain.ProviderKind {
	switch s {
	case "local":
		return chain.ProviderLocal
	case "replicated":
		return chain.ProviderReplicated
	default:
		return chain.ProviderInMemory
	}
}

// serviceName is the fully-qualified gRPC service name this package
// registers under.
const serviceName = "restate.cluster_controller.ClusterCtrlSvc"

// ServiceDesc is the hand-written grpc.ServiceDesc for the one method this
// package exposes. grpc-go dispatches purely on method name strings, so a
// ServiceDesc built without protoc-gen-go works identically so long as the
// registered codec (jsonCodec) can (de)serialize the handler's Go types.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*sealAndExtendChainServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SealAndExtendChain",
			Handler:    sealAndExtendChainHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcapi/service.proto",
}

// sealAndExtendChainServer is the interface grpc-go's generated dispatch
// glue would normally target; declared here to give ServiceDesc.HandlerType
// a concrete type without a .proto-derived one.
type sealAndExtendChainServer interface {
	SealAndExtendChain(ctx context.Context, req SealAndExtendRequest) (SealAndExtendResponse, error)
}

func sealAndExtendChainHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SealAndExtendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sealAndExtendChainServer).SealAndExtendChain(ctx, *in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SealAndExtendChain"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sealAndExtendChainServer).SealAndExtendChain(ctx, *req.(*SealAndExtendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Register attaches the service to a grpc.Server; use grpc.ForceServerCodec
// with jsonCodec{} (or grpc.CallContentSubtype("json")) when constructing
// both server and client so requests are framed with this package's codec.
func Register(server *grpc.Server, svc *Service) {
	server.RegisterService(&ServiceDesc, svc)
}
