package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/filexfer/core/internal/clock"
	"github.com/filexfer/core/internal/config"
	"github.com/filexfer/core/internal/flowcontrol"
	"github.com/filexfer/core/internal/identity"
	"github.com/filexfer/core/internal/observability"
	"github.com/filexfer/core/internal/receiver"
	"github.com/filexfer/core/internal/registry"
	"github.com/filexfer/core/internal/sink"
	"github.com/filexfer/core/internal/substrate/quicsubstrate"
	"github.com/filexfer/core/internal/worker"
)

func main() {
	listenAddr := flag.String("listen-addr", "", "Substrate listen address (overrides config)")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "Observability server address")
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	logger := observability.NewLogger("filexfer-daemon", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "filexfer-daemon"); err == nil {
		defer shutdown(context.Background())
	} else {
		logger.Warn("tracing disabled: " + err.Error())
	}

	logger.Info("filexfer daemon starting")

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal(err, "failed to load config")
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}
	logger.Info("configuration loaded")

	id, err := identity.LoadOrCreate(cfg.KeysDirectory, "")
	if err != nil {
		logger.Fatal(err, "failed to load or create node identity")
	}
	logger.Info("node identity ready, fingerprint " + id.Fingerprint)

	sub := quicsubstrate.New(quicsubstrate.Identity{PrivateKey: id.PrivateKey, PublicKey: id.PublicKey}, nil)

	clk := clock.Real{}
	reg := registry.New(registry.Limits{
		Global:      cfg.Registry.Global,
		PerPeer:     cfg.Registry.PerPeer,
		PerRole:     cfg.Registry.PerRole,
		GracePeriod: cfg.Registry.GracePeriod,
	}, clk, logger)
	if err := reg.StartSweep(cfg.Registry.SweepSpec); err != nil {
		logger.Fatal(err, "failed to start registry sweep")
	}

	convWorker := worker.New()
	convWorker.WallClockCap = cfg.Conversion.WallClockCap

	storageSink, err := sink.NewLocalFS(cfg.Storage.OutputDirectory)
	if err != nil {
		logger.Fatal(err, "failed to initialize storage sink")
	}

	recvCfg := receiver.Config{
		Admission: receiver.Admission{
			MaxFileSizeBytes:     cfg.Admission.MaxFileSizeBytes,
			AcceptedSourceTypes:  cfg.Admission.AcceptedSourceTypes,
			LookaheadChunks:      2,
			PerPeerRatePerSecond: cfg.Admission.RateLimitPerSecond,
			PerPeerBurst:         cfg.Admission.RateLimitBurst,
		},
		Storage: receiver.Storage{
			ReassemblyMemoryCapBytes: cfg.Storage.ReassemblyMemoryCapBytes,
			SpillDirectory:           cfg.Storage.SpillDirectory,
		},
		WindowSize: cfg.WindowSize,
		Quality:    flowcontrol.Good,
	}
	recvEngine := receiver.New(reg, convWorker, storageSink, clk, logger, metrics, recvCfg)

	healthChecker.RegisterCheck("substrate_listener", observability.SubstrateListenerCheck(cfg.ListenAddress))
	healthChecker.RegisterCheck("keystore", observability.KeystoreCheck(true))
	healthChecker.RegisterCheck("registry_occupancy", observability.RegistryOccupancyCheck(func() (int, int) {
		return reg.Count(), cfg.Registry.Global
	}))
	healthChecker.RegisterCheck("disk_space", observability.DiskSpaceCheck(cfg.Storage.OutputDirectory, 64<<20))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := sub.Listen(ctx, cfg.ListenAddress)
	if err != nil {
		logger.Fatal(err, "failed to start substrate listener")
	}
	defer listener.Close()
	logger.Info("substrate listener started on " + cfg.ListenAddress)

	go startObservabilityServer(*observAddr, metrics, healthChecker, logger)

	go func() {
		if err := recvEngine.Serve(ctx, listener); err != nil {
			logger.Error(err, "receiver engine stopped")
		}
	}()

	logger.Info("filexfer daemon running")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	if err := reg.Shutdown(context.Background(), cfg.Registry.GracePeriod); err != nil {
		logger.Error(err, "registry shutdown reported an error")
	}
	logger.Info("daemon stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
