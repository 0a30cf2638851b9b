package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	httpapi "scarabd/internal/http"
	"scarabd/pkg/cluster"
	"scarabd/pkg/coordinator"
	"scarabd/pkg/counterstore"
	"scarabd/pkg/metrics"
	"scarabd/pkg/ownership"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", "scarabd.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	fmt.Printf("scarabd starting. NodeID=%d DataDir=%s\n", cfg.Node.ID, cfg.Storage.Dir)

	// --- ownership consensus ---
	table := ownership.NewTable()
	node, err := ownership.NewNode(&cfg.Raft, table)
	if err != nil {
		fmt.Printf("Failed to start ownership consensus: %v\n", err)
		os.Exit(1)
	}

	// --- ZooKeeper membership (optional in single-node deployments) ---
	var membership *cluster.Membership
	resolve := func(nodeID uint64) (string, bool) {
		addr, ok := node.Peers[nodeID]
		return addr, ok
	}
	if len(cfg.ZooKeeper.Servers) > 0 {
		sessionTimeout := time.Duration(cfg.ZooKeeper.SessionTimeoutMs) * time.Millisecond
		membership, err = cluster.NewMembership(
			cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, cfg.Node.ID, cfg.Node.Addr, sessionTimeout)
		if err != nil {
			fmt.Printf("Failed to connect to ZooKeeper: %v\n", err)
			os.Exit(1)
		}
		defer membership.Close()

		if err := membership.RegisterSelf(); err != nil {
			fmt.Printf("Failed to register node in ZooKeeper: %v\n", err)
			os.Exit(1)
		}
		resolve = membership.Resolve
	}

	// --- coordinator core over sparse counters ---
	collector := metrics.NewInProc()
	coord, err := coordinator.New(
		cfg.Node.ID,
		cfg.Storage.Dir,
		counterstore.Options{
			VirtualSizeBytes:    cfg.Storage.VirtualSizeBytes,
			FlushEveryIncrement: cfg.Storage.FlushEveryIncrement,
		},
		node,
		resolve,
		collector,
	)
	if err != nil {
		fmt.Printf("Failed to build coordinator: %v\n", err)
		os.Exit(1)
	}

	// упавший владелец - переизбираем его счётчики
	if membership != nil {
		membership.RunWatch(ctx, func(lost uint64) {
			claimCtx, claimCancel := context.WithTimeout(ctx, 3*time.Second)
			defer claimCancel()
			coord.TakeOver(claimCtx, lost)
		})
	}

	// --- HTTP surface ---
	server := httpapi.NewServer(coord, node, strconv.Itoa(cfg.Server.Port))
	server.SetMetrics(collector)
	if err := server.Start(); err != nil {
		fmt.Printf("Failed to start server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("scarabd is running on :%d\n", cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop...")

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		fmt.Printf("Error stopping server: %v\n", err)
	}
	if err := coord.Close(); err != nil {
		fmt.Printf("Error closing coordinator: %v\n", err)
	}

	fmt.Println("scarabd stopped")
}
