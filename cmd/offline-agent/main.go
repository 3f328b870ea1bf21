// Command offline-agent is the gigbook offline sidecar: it mirrors content
// for offline playback, queues write mutations while disconnected and
// replays them once connectivity returns.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/blob"
	"github.com/gigbook/offline-cache/content"
	"github.com/gigbook/offline-cache/kv"
	"github.com/gigbook/offline-cache/memory"
	"github.com/gigbook/offline-cache/queue"
	"github.com/gigbook/offline-cache/telemetry"
)

var version = "dev"

var cli struct {
	DataDir       string           `help:"Directory holding cache state." default:"./offline-data" type:"path"`
	Engine        string           `help:"Key-value engine backing the caches." enum:"bolt,fs" default:"bolt"`
	Listen        string           `help:"Address to listen on." default:":8745"`
	Upstream      string           `help:"Base URL of the gigbook API." required:""`
	CacheMaxBytes int64            `help:"Byte budget for the offline file cache." default:"52428800"`
	ProbeInterval time.Duration    `help:"How often to probe upstream connectivity." default:"15s"`
	OTLPEndpoint  string           `help:"OTLP gRPC endpoint for metric export (disabled when empty)."`
	Prometheus    bool             `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:""`
	LogLevel      string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat     string           `help:"Log format." enum:"text,json" default:"text"`
	Version       kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("offline-agent"),
		kong.Description("Offline cache and mutation replay sidecar for gigbook."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(logger)
	defer stop()

	shutdownMetrics, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:      "offline-agent",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	handleDir := filepath.Join(cli.DataDir, "handles")
	if err := os.MkdirAll(handleDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, closeStore, err := openStore(cli.Engine, cli.DataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	limits := offlinecache.DefaultLimits()
	limits.MaxCacheBytes = cli.CacheMaxBytes

	// Surface subsystem events in the agent log.
	notifier := offlinecache.NotifierFunc(func(e offlinecache.Event) {
		switch e.Type {
		case offlinecache.EventCacheError:
			logger.Warn("cache error", "id", e.ID, "error", e.Err)
		case offlinecache.EventSyncComplete:
			logger.Info("sync complete", "replayed", e.Replayed, "remaining", e.Remaining)
		case offlinecache.EventLeakWarning:
			logger.Warn("sustained memory growth")
		case offlinecache.EventConnectivity:
			logger.Info("connectivity changed", "online", e.Online)
		}
	})

	meter := telemetry.Meter()

	blobMetrics, err := blob.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("building blob metrics: %w", err)
	}
	blobs, err := blob.New(store, blob.Config{
		MaxBytes: limits.MaxCacheBytes,
		Logger:   logger,
		Metrics:  blobMetrics,
	})
	if err != nil {
		return fmt.Errorf("creating blob store: %w", err)
	}

	contentMetrics, err := content.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("building content metrics: %w", err)
	}
	httpClient := &http.Client{Timeout: 60 * time.Second}
	fetcher := content.NewProxyFetcher(cli.Upstream, httpClient)
	contents := content.New(store, blobs, fetcher, content.Config{
		MaxObjectBytes: limits.MaxCacheBytes,
		Provider:       content.NewTempFileProvider(handleDir),
		Notifier:       notifier,
		Logger:         logger,
		Metrics:        contentMetrics,
	})

	queueMetrics, err := queue.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("building queue metrics: %w", err)
	}
	mutations := queue.New(store, queue.Config{
		Client:   httpClient,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  queueMetrics,
	})

	memoryMetrics, err := memory.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("building memory metrics: %w", err)
	}
	manager := memory.New(memory.Config{
		Limits:   limits,
		Images:   fetcher,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  memoryMetrics,
	})
	manager.StartMonitoring()
	defer manager.ForceCleanup()

	// Connectivity probe feeds the auto drainer; an offline-to-online
	// transition triggers a queue drain.
	transitions := make(chan bool, 1)
	go probeConnectivity(ctx, httpClient, cli.Upstream, cli.ProbeInterval, transitions, logger)
	go mutations.AutoDrain(ctx, transitions)

	api := &agent{
		contents: contents,
		queue:    mutations,
		manager:  manager,
		client:   httpClient,
		logger:   logger,
	}
	srv := &http.Server{
		Addr:              cli.Listen,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("offline agent started",
		"address", cli.Listen,
		"engine", cli.Engine,
		"data_dir", cli.DataDir,
		"upstream", cli.Upstream,
		"cache_max_bytes", limits.MaxCacheBytes,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// signalContext cancels on SIGINT or SIGTERM, logging the first signal.
func signalContext(logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// openStore opens the configured key-value engine and returns it with its
// closer.
func openStore(engine, dataDir string) (kv.Store, func(), error) {
	switch engine {
	case "bolt":
		store := kv.NewBolt()
		if err := store.Open(filepath.Join(dataDir, "offline.db")); err != nil {
			return nil, nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "fs":
		store, err := kv.NewFilesystem(filepath.Join(dataDir, "kv"))
		if err != nil {
			return nil, nil, fmt.Errorf("opening filesystem store: %w", err)
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine: %s", engine)
	}
}

// probeConnectivity periodically checks the upstream API and reports each
// result to the transitions channel.
func probeConnectivity(ctx context.Context, client *http.Client, upstream string, interval time.Duration, transitions chan<- bool, logger *slog.Logger) {
	defer close(transitions)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		online := probeOnce(ctx, client, upstream)
		logger.Debug("connectivity probe", "online", online)

		select {
		case <-ctx.Done():
			return
		case transitions <- online:
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, upstream string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, upstream, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode < http.StatusInternalServerError
}
