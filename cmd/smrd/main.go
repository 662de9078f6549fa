package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	httpapi "smrcore/internal/http"
	"smrcore/pkg/checkpoint"
	"smrcore/pkg/cluster"
	"smrcore/pkg/execution"
	"smrcore/pkg/journal"
	"smrcore/pkg/metrics"
	"smrcore/pkg/ordering"
	"smrcore/pkg/pipeline"
	"smrcore/pkg/reconfig"
	"smrcore/pkg/replica"
	"smrcore/pkg/statetransfer"
	"smrcore/pkg/types"
	"smrcore/pkg/view"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the replica config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	// --- durable log ---
	fileLog, err := journal.OpenFileLog(cfg.Journal.Dir)
	if err != nil {
		slog.Error("failed to open journal", "error", err)
		os.Exit(1)
	}
	jr := journal.NewAdapter(fileLog)

	// --- execution engine + gateway, recovered from the journal ---
	gw := execution.NewGateway(execution.NewKVEngine())
	recovered, err := gw.Recover(ctx, jr)
	if err != nil {
		slog.Error("failed to recover state from journal", "error", err)
		os.Exit(1)
	}

	mc := metrics.Nop{}

	// --- initial view over the configured replica set ---
	members := make([]types.ReplicaID, 0, len(cfg.Replica.Peers))
	for _, id := range cfg.Replica.Peers {
		members = append(members, types.ReplicaID(id))
	}
	initialView, err := view.New(1, members)
	if err != nil {
		slog.Error("invalid replica set", "error", err)
		os.Exit(1)
	}

	// --- decision pipeline + checkpoint manager ---
	pl := pipeline.New(gw, jr, mc, pipeline.Config{
		MaxBuffered:        cfg.Pipeline.MaxBufferedDecisions,
		ApplyBuffSize:      cfg.Pipeline.ApplyChanBuffSize,
		ReplyBuffSize:      cfg.Pipeline.ReplyChanBuffSize,
		CheckpointInterval: cfg.Checkpoint.Interval,
		NotifyBuffSize:     cfg.Checkpoint.NotifyBuffSize,
	})
	pl.WarmReplyCache(recovered)

	ck, err := checkpoint.NewManager(gw, jr, mc, cfg.Checkpoint.Interval)
	if err != nil {
		slog.Error("failed to init checkpoint manager", "error", err)
		os.Exit(1)
	}

	// --- state transfer over the peer HTTP surface ---
	addrs := make(map[types.ReplicaID]string, len(cfg.Ordering.Peers))
	for _, p := range cfg.Ordering.Peers {
		addrs[types.ReplicaID(p.ID)] = p.Address
	}
	st := statetransfer.NewCoordinator(statetransfer.Config{
		Self:              types.ReplicaID(cfg.Replica.ID),
		CertQuorum:        cfg.Transfer.CertificationQuorum,
		OfferTimeout:      cfg.Transfer.OfferTimeout,
		RetryBackoff:      cfg.Transfer.RetryBackoff,
		MaxRetries:        cfg.Transfer.MaxRetries,
		InitialCandidates: cfg.Transfer.InitialCandidates,
	}, statetransfer.NewHTTPPeers(addrs), gw, pl, ck, jr, mc)

	// --- ordering protocol + reconfiguration ---
	ord, err := ordering.NewRaftProtocol(cfg.Replica.ID, cfg.Ordering)
	if err != nil {
		slog.Error("failed to init ordering protocol", "error", err)
		os.Exit(1)
	}
	rc := reconfig.NewIntegrator()

	ctrl := replica.NewController(replica.Config{
		Self:         types.ReplicaID(cfg.Replica.ID),
		DrainTimeout: cfg.Replica.DrainTimeout,
	}, initialView, ord, pl, st, ck, rc)

	pl.Start(ctx)
	ck.Start(ctx, pl.CheckpointBoundaries())
	st.Start(ctx, ck.Notifications())
	if err := ctrl.Start(ctx); err != nil {
		slog.Error("failed to start replica controller", "error", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(ctrl, st, ord, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	// --- optional ZooKeeper membership -> view proposals ---
	if len(cfg.Cluster.Servers) > 0 {
		membership, err := cluster.NewZKMembership(
			cfg.Cluster.Servers, cfg.Cluster.RootPath,
			types.ReplicaID(cfg.Replica.ID), initialView.Epoch,
		)
		if err != nil {
			slog.Error("failed to connect to ZooKeeper", "error", err)
			os.Exit(1)
		}
		defer membership.Close()

		if err := membership.RegisterSelf(); err != nil {
			slog.Error("failed to register replica in ZooKeeper", "error", err)
			os.Exit(1)
		}
		membership.RunWatch(ctx, rc, pl.LastApplied)
	}

	slog.Info("replica running",
		"id", cfg.Replica.ID, "members", initialView.N(), "f", initialView.F())

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Warn("error stopping server", "error", err)
	}
	ctrl.Stop()
	st.Stop()
	ck.Stop()
	pl.Stop()
	if err := jr.Close(); err != nil {
		slog.Warn("error closing journal", "error", err)
	}

	slog.Info("replica stopped")
}
