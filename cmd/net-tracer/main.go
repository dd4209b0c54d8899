// net-tracer turns kernel socket telemetry into connection, DNS and HTTP facts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrzor/net-tracer/internal/attributes"
	"github.com/mrzor/net-tracer/internal/bpfloader"
	"github.com/mrzor/net-tracer/internal/bytering"
	"github.com/mrzor/net-tracer/internal/config"
	"github.com/mrzor/net-tracer/internal/eventmerge"
	"github.com/mrzor/net-tracer/internal/eventprocessor"
	"github.com/mrzor/net-tracer/internal/eventstream"
	"github.com/mrzor/net-tracer/internal/otel"
	"github.com/mrzor/net-tracer/internal/output"
	"github.com/mrzor/net-tracer/internal/procmeta"
	"github.com/mrzor/net-tracer/internal/reversedns"
	"github.com/mrzor/net-tracer/internal/telemetry"
	"github.com/mrzor/net-tracer/internal/timesync"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// exitRestart is the exit status after lost events, for supervisors that
// restart the agent.
const exitRestart = 3

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, eventmerge.ErrLostEvents) {
			os.Exit(exitRestart)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string

	cmd := &cobra.Command{
		Use:          "net-tracer",
		Short:        "Network observability agent fed by kernel socket probes",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to a YAML configuration file")
	flags.String("object", v.GetString("object_path"), "compiled probe object")
	flags.String("output", v.GetString("output"), "fact output: log, otel or nats")
	flags.String("nats-url", v.GetString("nats_url"), "NATS server URL")
	flags.String("otel-endpoint", "", "OTLP/HTTP collector, host:port or URL (default $OTEL_EXPORTER_OTLP_ENDPOINT or "+config.DefaultOTELEndpoint+")")
	flags.String("log-level", v.GetString("log_level"), "log level: debug, info, warn or error")
	flags.String("metrics-addr", v.GetString("metrics_addr"), "Prometheus listen address, empty to disable")
	flags.String("filter", "", "expression selecting the facts to forward")
	flags.StringArray("attribute", nil, "custom span attribute NAME=EXPR (repeatable)")
	flags.Bool("restart-on-loss", false, "exit when the kernel drops records")

	if err := bindFlags(v, cmd); err != nil {
		panic(err)
	}
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := map[string]string{
		"object_path":     "object",
		"output":          "output",
		"nats_url":        "nats-url",
		"otel.endpoint":   "otel-endpoint",
		"log_level":       "log-level",
		"metrics_addr":    "metrics-addr",
		"filter":          "filter",
		"attributes":      "attribute",
		"restart_on_loss": "restart-on-loss",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting net-tracer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("output", cfg.Output))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.New(reg)
	if err != nil {
		return err
	}

	writer, closeWriter, err := setupOutput(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWriter()

	filter, err := attributes.NewFilter(cfg.Filter)
	if err != nil {
		return err
	}
	buffer := output.NewBuffer(writer, output.BufferConfig{
		Capacity: cfg.OutputBuffer,
		Filter:   filter,
		Metrics:  metrics,
		Logger:   logger.Named("output"),
	})

	resolver := reversedns.New(cfg.ReverseDNSSize, cfg.ReverseDNSTTL)
	resolver.Start()
	defer resolver.Stop()

	loader, err := setupBPF(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := loader.Close(); err != nil {
			logger.Warn("closing probes", zap.Error(err))
		}
	}()

	processor, err := eventprocessor.New(eventprocessor.Config{
		TCPCapacity:    cfg.TCPCapacity,
		UDPCapacity:    cfg.UDPCapacity,
		EpochLength:    nanos(cfg.EpochLength),
		EpochRing:      cfg.EpochRing,
		DNSTimeout:     nanos(cfg.DNSTimeout),
		DNSMaxPending:  cfg.DNSMaxPending,
		MaxConnections: cfg.MaxConnections,
		Controller:     loader.Control(),
		Resolver:       resolver,
		Metrics:        metrics,
		Logger:         logger.Named("processor"),
	}, buffer)
	if err != nil {
		return err
	}

	ncpu, err := ebpf.PossibleCPU()
	if err != nil {
		return fmt.Errorf("failed to count possible CPUs: %w", err)
	}
	queues := make([]*eventstream.Queue, ncpu)
	rings := make([]*bytering.Ring, ncpu)
	for cpu := range ncpu {
		//nolint:gosec // cpu < ncpu
		queues[cpu] = eventstream.NewQueue(uint32(cpu), cfg.QueueCapacity)
		rings[cpu] = bytering.New(cfg.PayloadRingSize)
		processor.AttachSource(queues[cpu], rings[cpu])
	}

	rd, err := loader.OpenReader(cfg.PerCPUBuffer)
	if err != nil {
		return err
	}
	stream := eventstream.New(rd, queues, rings, processor, eventstream.Config{
		PollInterval:  cfg.PollInterval,
		RestartOnLoss: cfg.RestartOnLoss,
		Logger:        logger.Named("stream"),
		Metrics:       metrics,
	})

	logger.Info("tracing", zap.Int("cpus", ncpu))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stream.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, reg, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, eventmerge.ErrLostEvents) {
		logger.Error("kernel dropped records, exiting for restart",
			zap.Uint64("lost", processor.LostRecords()))
	}
	return err
}

// setupOutput builds the writer selected by cfg.Output and its cleanup.
func setupOutput(ctx context.Context, cfg *config.Config, logger *zap.Logger) (output.Writer, func(), error) {
	switch cfg.Output {
	case config.OutputOTEL:
		converter, err := timesync.NewConverter()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create time converter: %w", err)
		}
		attrs, err := cfg.CustomAttributes()
		if err != nil {
			return nil, nil, err
		}
		evaluator, err := attributes.NewEvaluator(attrs, logger.Named("attributes"))
		if err != nil {
			return nil, nil, err
		}
		tp, err := otel.InitProvider(ctx, &cfg.OTEL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
		}
		processes := procmeta.NewManager(procmeta.DefaultCacheSize, procmeta.DefaultTTL)
		processes.Start()
		cleanup := func() {
			processes.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
				logger.Warn("shutting down OTEL provider", zap.Error(err))
			}
		}
		w := output.NewOTELWriter(tp.Tracer("net-tracer"), converter, evaluator).WithProcesses(processes)
		return w, cleanup, nil

	case config.OutputNATS:
		nc, err := output.ConnectNATS(cfg.NATSURL, logger.Named("nats"))
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("draining NATS connection", zap.Error(err))
			}
		}
		return output.NewNATSWriter(nc, cfg.NATSSubject), cleanup, nil

	default:
		return output.NewLogWriter(logger), func() {}, nil
	}
}

// setupBPF loads the probe object and attaches its programs.
func setupBPF(cfg *config.Config, logger *zap.Logger) (*bpfloader.Loader, error) {
	loader, err := bpfloader.New(cfg.ObjectPath, logger.Named("bpf"))
	if err != nil {
		return nil, err
	}
	if err := loader.Attach(); err != nil {
		if closeErr := loader.Close(); closeErr != nil {
			logger.Warn("closing loader after attach failure", zap.Error(closeErr))
		}
		return nil, err
	}
	return loader, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func nanos(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Nanoseconds())
}
