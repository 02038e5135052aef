// Command controller runs a single cluster-controller node: it aggregates
// observed cluster state, runs the leader election and control loop, and
// exposes the SealAndExtendChain RPC and a filtered Prometheus metrics
// endpoint. It wires an in-memory metadata store and loglet provider, since
// concrete storage backends are external collaborators out of scope here
// (see internal/rpcapi, metadatastore, loglet/memloglet).
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/pcholakov/restate/chain"
	"github.com/pcholakov/restate/cluster"
	"github.com/pcholakov/restate/internal/metrics"
	"github.com/pcholakov/restate/internal/rpcapi"
	"github.com/pcholakov/restate/internal/watch"
	"github.com/pcholakov/restate/loglet"
	"github.com/pcholakov/restate/loglet/memloglet"
	"github.com/pcholakov/restate/metadatastore"
)

// terminalSignalCh returns a channel that fires when the process receives a
// signal that usually indicates terminal shutdown intent.
func terminalSignalCh() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return ch
}

func main() {
	plainID := flag.Uint("node-id", 1, "this node's plain id")
	rpcAddr := flag.String("rpc-addr", ":7300", "address for the SealAndExtendChain RPC listener")
	metricsAddr := flag.String("metrics-addr", ":7301", "address for the Prometheus metrics endpoint")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	self := cluster.NodeId{Plain: cluster.PlainNodeId(*plainID), Generation: 1}

	nodesConfig := &cluster.NodesConfiguration{
		Version: 1,
		Nodes: map[cluster.PlainNodeId]cluster.NodeInfo{
			self.Plain: {
				CurrentGeneration: self,
				Roles: map[cluster.Role]struct{}{
					cluster.RoleAdmin:  {},
					cluster.RoleWorker: {},
				},
			},
		},
	}

	logs := chain.NewLogs()
	logs.Chains[0] = &chain.Chain{Segments: []chain.Segment{{
		Index:   0,
		BaseLsn: 0,
		Config:  chain.SegmentConfig{Kind: chain.ProviderInMemory},
	}}}
	logsMetadata := &staticLogsMetadata{logs: logs}

	metadataStore := metadatastore.NewInMemoryStore()

	providers := map[chain.ProviderKind]loglet.Provider{
		chain.ProviderInMemory: memloglet.Provider{},
	}

	logsController, err := cluster.NewLogsController(log, logsMetadata, providers, 128)
	if err != nil {
		log.Fatalw("failed to construct logs controller", "error", err)
	}

	scheduler := cluster.NewScheduler(log)

	refresher := &singleNodeRefresher{self: self}
	aggregator := cluster.NewAggregator(log, refresher, 2*time.Second)
	go aggregator.Run()
	defer aggregator.Stop()

	registry := prometheus.NewRegistry()
	controllerMetrics := metrics.NewControllerMetrics(registry)
	logsController.SetMetrics(controllerMetrics)

	state := cluster.NewControllerState(self)

	logsWatcherSender := watch.NewSender[uint64](1)
	partitionTableWatcherSender := watch.NewSender[uint64](1)

	config := cluster.AdminConfig{
		LogTailUpdateInterval: 3 * time.Second,
		LogTrimInterval:       durationPtr(10 * time.Second),
		LogTrimThreshold:      0,
	}

	services := cluster.Services{
		Log:                   log,
		ClusterStateWatcher:   aggregator.Watcher(),
		LogsWatcher:           logsWatcherSender.Receiver(),
		PartitionTableWatcher: partitionTableWatcherSender.Receiver(),
		LogsController:        logsController,
		Scheduler:             scheduler,
		TrimExecutor:          logsController,
		PartitionTable:        func() []cluster.PartitionId { return []cluster.PartitionId{0} },
		ReplicationStrategy:   func() cluster.ReplicationStrategy { return cluster.ReplicationStrategy{Factor: 1} },
		NodesConfiguration:    func() *cluster.NodesConfiguration { return nodesConfig },
		Config:                config,
		Metrics:               controllerMetrics,
	}

	rpcService := rpcapi.NewService(log, logsController, metadataStore, state.IsLeader)
	grpcServer := grpc.NewServer()
	rpcapi.Register(grpcServer, rpcService)

	lis, err := net.Listen("tcp", *rpcAddr)
	if err != nil {
		log.Fatalw("failed to bind RPC listener", "addr", *rpcAddr, "error", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Warnw("grpc server stopped", "error", err)
		}
	}()

	metricsServer := &http.Server{
		Addr:    *metricsAddr,
		Handler: metrics.Handler(registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runControlLoop(ctx, log, state, services, nodesConfig)

	log.Infow("cluster controller started", "node", self, "rpc_addr", *rpcAddr, "metrics_addr", *metricsAddr)

	<-terminalSignalCh()
	log.Info("shutting down")
	cancel()
	grpcServer.GracefulStop()
	_ = metricsServer.Close()
}

// runControlLoop ties the leader election rule to the reactive control
// loop: every time the observed cluster state changes, it
// re-evaluates leadership, then if leading, drains one LeaderEvent at a
// time through the non-cancel-safe handler, never two in flight at once.
func runControlLoop(ctx context.Context, log *zap.SugaredLogger, state *cluster.ControllerState, services cluster.Services, nodesConfig *cluster.NodesConfiguration) {
	defer state.Shutdown()
	clusterStateCh := services.ClusterStateWatcher

	stateChanged := make(chan struct{}, 1)
	go func() {
		for {
			if _, ok := clusterStateCh.Changed(ctx.Done()); !ok {
				return
			}
			select {
			case stateChanged <- struct{}{}:
			default:
			}
		}
	}()

	for {
		current := clusterStateCh.Current()
		state.Update(nodesConfig, current, services)
		if err := state.OnObservedClusterState(ctx, current, nodesConfig); err != nil {
			log.Warnw("failed to process observed cluster state", "error", err)
		}

		event, ready, err := state.Run(ctx, stateChanged)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("control loop iteration failed", "error", err)
			continue
		}
		if !ready {
			// Observed state changed; loop back to re-evaluate leadership.
			continue
		}
		if err := state.OnLeaderEvent(ctx, event); err != nil {
			log.Warnw("failed to handle leader event", "event", event, "error", err)
		}
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

type staticLogsMetadata struct {
	logs *chain.Logs
}

func (m *staticLogsMetadata) CurrentLogs() *chain.Logs { return m.logs }

// singleNodeRefresher is the cluster-state refresher for a single-node
// deployment: self is always reported alive with no partitions
// assigned yet, enough to exercise leader election deterministically
// without a real gossip/heartbeat transport.
type singleNodeRefresher struct {
	self cluster.NodeId
}

func (r *singleNodeRefresher) Refresh() (*cluster.ClusterState, error) {
	now := time.Now()
	return &cluster.ClusterState{
		LastRefreshed: &now,
		Nodes: map[cluster.PlainNodeId]cluster.NodeState{
			r.self.Plain: cluster.AliveState(cluster.AliveNode{
				GenerationalNodeId: r.self,
				LastHeartbeatAt:    now,
				Partitions:         map[cluster.PartitionId]cluster.PartitionProcessorStatus{},
			}),
		},
	}, nil
}
