package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/worldland/energy-sensor/internal/adapters/mtls"
	"github.com/worldland/energy-sensor/internal/adapters/nvml"
	"github.com/worldland/energy-sensor/internal/adapters/rapl"
	"github.com/worldland/energy-sensor/internal/api"
	"github.com/worldland/energy-sensor/internal/auth"
	"github.com/worldland/energy-sensor/internal/config"
	"github.com/worldland/energy-sensor/internal/container"
	"github.com/worldland/energy-sensor/internal/domain"
	"github.com/worldland/energy-sensor/internal/sensor"
	"github.com/worldland/energy-sensor/internal/services"
	"github.com/worldland/energy-sensor/internal/setup"
	"github.com/worldland/energy-sensor/internal/sink"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("INFO: No .env file found, relying on system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Command line flags override the environment
	flag.DurationVar(&cfg.Period, "period", cfg.Period, "Polling period")
	flag.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Directory for CSV results")
	logLevel := flag.String("log-level", cfg.LogLevel.String(), "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent device reads per tick")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")
	flag.IntVar(&cfg.NVML.MockDevices, "mock-devices", cfg.NVML.MockDevices, "Synthetic GPUs to use when NVML is unavailable")
	noNVML := flag.Bool("no-nvml", !cfg.NVML.Enable, "Disable the NVML source")
	noRAPL := flag.Bool("no-rapl", !cfg.RAPL.Enable, "Disable the RAPL source")
	flag.StringVar(&cfg.Hub.Addr, "hub", cfg.Hub.Addr, "Hub mTLS address (empty disables streaming)")
	flag.StringVar(&cfg.Hub.NodeID, "node-id", cfg.Hub.NodeID, "Node ID reported to the hub")
	check := flag.Bool("check", false, "Probe the energy sources, print what was found and exit")
	flag.Parse()

	cfg.NVML.Enable = !*noNVML
	cfg.RAPL.Enable = !*noRAPL
	if cfg.LogLevel, err = config.ParseLogLevel(*logLevel); err != nil {
		log.Fatalf("Invalid -log-level: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if *check {
		result := setup.RunPreflight(sources(cfg, logger)...)
		fmt.Println("Energy sensor preflight")
		result.PrintStatus(os.Stdout)
		if !result.Ready() {
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("energy sensor failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	logger.Info("energy sensor starting", "period", cfg.Period, "output", cfg.OutputDir)

	var shared sink.Multi

	var promSink *sink.PrometheusSink
	if cfg.MetricsAddr != "" {
		promSink = sink.NewPrometheusSink()
		shared = append(shared, promSink)
	}

	if cfg.Hub.Enabled() {
		hubSink, closeHub, err := newHubSink(cfg, logger)
		if err != nil {
			return err
		}
		defer closeHub()
		shared = append(shared, hubSink)
	}

	newSink := func(source domain.EnergySource) (domain.Sink, error) {
		f, err := sink.CreateCSVFile(cfg.OutputDir, start, source.Name())
		if err != nil {
			return nil, err
		}
		csvSink, err := sink.NewCSVSink(f, source.Unit(), sink.CSVOptions{
			Separator: cfg.CSVSeparator,
			Absent:    cfg.CSVAbsent,
		})
		if err != nil {
			f.Close()
			return nil, err
		}
		logger.Info("writing results", "source", source.Name(), "file", f.Name())
		if len(shared) == 0 {
			return csvSink, nil
		}
		return sink.Multi{csvSink, sink.Shared(shared)}, nil
	}

	daemon := services.NewSensorDaemon(sensor.LoopConfig{
		Interval:       cfg.Period,
		Workers:        cfg.Workers,
		MaxFailedTicks: cfg.MaxFailedTicks,
		Processes:      cfg.Processes,
	}, logger)

	for _, source := range sources(cfg, logger) {
		daemon.AddSource(source, newSink)
	}

	if promSink != nil {
		srv, err := serveHTTP(cfg.MetricsAddr, promSink, daemon, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown error", "err", err)
			}
		}()
	}

	err := daemon.Run(ctx)
	logger.Info("shutdown complete")
	return err
}

func sources(cfg config.Config, logger *slog.Logger) []domain.EnergySource {
	var out []domain.EnergySource
	if cfg.NVML.Enable {
		out = append(out, gpuSource(cfg, logger))
	}
	if cfg.RAPL.Enable {
		out = append(out, rapl.NewSource(cfg.RAPL.Root))
	}
	return out
}

// gpuSource probes NVML and falls back to synthetic devices when requested
func gpuSource(cfg config.Config, logger *slog.Logger) domain.EnergySource {
	realNVML := nvml.NewNVMLProvider()
	if err := realNVML.Init(); err != nil {
		if cfg.NVML.MockDevices > 0 {
			logger.Warn("NVML not available, using mock provider", "err", err, "devices", cfg.NVML.MockDevices)
			return nvml.NewMockProvider(cfg.NVML.MockDevices)
		}
		return realNVML
	}
	realNVML.Shutdown()
	return realNVML
}

func newHubSink(cfg config.Config, logger *slog.Logger) (domain.Sink, func(), error) {
	cert, rootCAs, err := mtls.LoadCredentials(cfg.Hub.CertFile, cfg.Hub.KeyFile, cfg.Hub.CAFile)
	if err != nil {
		return nil, nil, err
	}

	// node id: explicit setting, then certificate CN, then hostname
	nodeID := cfg.Hub.NodeID
	if nodeID == "" {
		if nodeID, err = mtls.CommonName(cert); err != nil {
			return nil, nil, err
		}
		if nodeID != "" {
			logger.Info("using certificate CN as node-id", "node_id", nodeID)
		}
	}
	if nodeID == "" {
		if nodeID, err = os.Hostname(); err != nil || nodeID == "" {
			return nil, nil, errors.New("node-id is required (certificate has no CN)")
		}
	}

	opts := sink.HubOptions{Logger: logger}

	signer, err := auth.LoadSigner(cfg.Hub.PrivateKey, cfg.Hub.PrivateKeyFile)
	if err != nil {
		return nil, nil, err
	}
	if signer != nil {
		opts.Signer = signer
		logger.Info("signing hub batches", "address", signer.Address())
	}

	var resolver *container.Resolver
	if cfg.Hub.DockerAttribution {
		resolver, err = container.NewResolver(cfg.ProcRoot, logger)
		if err != nil {
			return nil, nil, err
		}
		opts.Annotator = resolver
	}

	// the hub sink dials from its own goroutine
	client := mtls.NewClient(cfg.Hub.Addr, cert, rootCAs, logger)

	hubSink := sink.NewHubSink(client, nodeID, opts)
	closeFn := func() {
		hubSink.Close()
		client.Close()
		if resolver != nil {
			resolver.Close()
		}
	}
	return hubSink, closeFn, nil
}

// serveHTTP exposes /metrics, /status, /devices and /health
func serveHTTP(addr string, promSink *sink.PrometheusSink, daemon *services.SensorDaemon, logger *slog.Logger) (*http.Server, error) {
	handler, err := promSink.Handler()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	api.NewStatusHandler(daemon).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
	return srv, nil
}
