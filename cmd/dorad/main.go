package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dorad-project/dorad/pkg/admin"
	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/component"
	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/coordination/localkv"
	"github.com/dorad-project/dorad/pkg/coordination/natskv"
	"github.com/dorad-project/dorad/pkg/ddns"
	"github.com/dorad-project/dorad/pkg/dhcp4"
	"github.com/dorad-project/dorad/pkg/dhcp6"
	"github.com/dorad-project/dorad/pkg/lease"
	"github.com/dorad-project/dorad/pkg/lease/sqlite"
	"github.com/dorad-project/dorad/pkg/listener"
	"github.com/dorad-project/dorad/pkg/logger"
	"github.com/dorad-project/dorad/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	componentLevels := make(map[string]logger.LogLevel, len(cfg.Logging.Components))
	for name, lvl := range cfg.Logging.Components {
		componentLevels[name] = logger.LogLevel(lvl)
	}
	logger.Configure(cfg.Logging.Format, logger.LogLevel(cfg.Logging.Level), componentLevels)

	mainLog := logger.Component(logger.ComponentMain)
	mainLog.Info("Starting dorad", "instance_id", cfg.Server.InstanceID)

	store, err := openStore(cfg.Server.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open lease store: %v", err)
	}

	metricsReg := metrics.New(prometheus.DefaultRegisterer)

	kv, closeKV, err := openKV(cfg.Coordination)
	if err != nil {
		log.Fatalf("Failed to open coordination store: %v", err)
	}
	if closeKV != nil {
		defer closeKV()
	}

	pinger := allocator.NewICMPPinger()
	alloc := allocator.New(store, pinger)

	coord := coordination.New(kv, alloc, coordination.Config{
		ConflictRetryBudget: cfg.Coordination.ConflictRetryBudget,
		CacheThreshold:      cfg.Coordination.CacheThreshold,
		StatePollInterval:   cfg.Coordination.StatePollInterval.Duration(),
		LeaseGCInterval:     cfg.Coordination.LeaseGCInterval.Duration(),
		ServerID:            cfg.Server.InstanceID,
	}, metricsReg)

	selfTestTimeout := cfg.Server.RequestTimeout.Duration()
	if selfTestTimeout <= 0 {
		selfTestTimeout = 5 * time.Second
	}
	selfTestCtx, cancelSelfTest := context.WithTimeout(context.Background(), selfTestTimeout)
	err = coord.SelfTest(selfTestCtx)
	cancelSelfTest()
	if err != nil {
		log.Fatalf("Coordinator self-test failed: %v", err)
	}

	classDefs := make([]classify.ClassDef, 0, len(cfg.Classes))
	for _, c := range cfg.Classes {
		classDefs = append(classDefs, classify.ClassDef{
			Name:       c.Name,
			Expression: c.Expression,
			Options:    c.Options,
		})
	}
	classifyReg, err := classify.NewRegistry(classDefs)
	if err != nil {
		log.Fatalf("Failed to build client classifier: %v", err)
	}

	ddnsClient := ddns.New(cfg.DDNS)

	networks := make([]*config.NetworkConfig, 0, len(cfg.Networks))
	for i := range cfg.Networks {
		networks = append(networks, &cfg.Networks[i])
	}

	v4Dispatcher, err := dhcp4.NewDispatcher(dhcp4.Deps{
		Networks:    networks,
		Allocator:   alloc,
		Coordinator: coord,
		Classify:    classifyReg,
		KV:          kv,
		DDNS:        ddnsClient,
		InstanceID:  cfg.Server.InstanceID,
		Metrics:     metricsReg,
	})
	if err != nil {
		log.Fatalf("Failed to build v4 pipeline: %v", err)
	}

	v6Dispatcher, err := dhcp6.NewDispatcher(dhcp6.Deps{
		Networks:    networks,
		Allocator:   alloc,
		Coordinator: coord,
		Classify:    classifyReg,
		KV:          kv,
		DDNS:        ddnsClient,
		InstanceID:  cfg.Server.InstanceID,
		Metrics:     metricsReg,
	})
	if err != nil {
		log.Fatalf("Failed to build v6 pipeline: %v", err)
	}

	udpListener := listener.New(listener.Deps{
		Server:  cfg.Server,
		V4:      v4Dispatcher,
		V6:      v6Dispatcher,
		Metrics: metricsReg,
	})

	orch := component.NewOrchestrator()
	orch.Register(coord)
	orch.Register(udpListener)

	if cfg.Admin.Enabled {
		addr := cfg.Admin.ListenAddress
		if addr == "" {
			addr = ":8080"
		}
		adminServer := admin.New(addr, cfg, coord, store)
		orch.Register(adminServer)
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("Failed to start components: %v", err)
	}

	mainLog.Info("dorad started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	mainLog.Info("Shutting down dorad...")

	if err := orch.Stop(ctx); err != nil {
		mainLog.Error("Error stopping components", "error", err)
	}

	if err := store.Close(); err != nil {
		mainLog.Error("Error closing lease store", "error", err)
	}

	mainLog.Info("dorad stopped")
}

func openStore(databaseURL string) (lease.Store, error) {
	path := databaseURL
	if path == "" {
		path = "dorad.db"
	}
	return sqlite.Open(path)
}

func openKV(cfg config.CoordinationConfig) (coordination.KV, func(), error) {
	if cfg.BackendMode == config.BackendModeNATS {
		store, err := natskv.Connect(context.Background(), cfg.NATSServers)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return localkv.New(), nil, nil
}
