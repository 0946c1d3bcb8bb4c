// Command tokentap runs the LLM-API observability proxy: it forwards
// requests for configured provider domains upstream over HTTPS, extracts
// token-usage metadata from requests and responses (buffered and streamed),
// and hands assembled Events to a pluggable event store. Its own listener
// serves plain HTTP; it does not terminate TLS itself.
//
// Logging setup (pretty text for local development, JSON for production,
// selected by LOG_FORMAT) is grounded on the teacher's
// cmd/llm-proxy/main.go CustomPrettyHandler.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/tokentap/tokentap/internal/config"
	"github.com/tokentap/tokentap/internal/control"
	"github.com/tokentap/tokentap/internal/device"
	"github.com/tokentap/tokentap/internal/eventstore"
	"github.com/tokentap/tokentap/internal/extractor"
	"github.com/tokentap/tokentap/internal/flowcontrol"
	"github.com/tokentap/tokentap/internal/metrics"
	"github.com/tokentap/tokentap/internal/registry"
	"github.com/tokentap/tokentap/internal/security"
	"github.com/tokentap/tokentap/internal/sink"
)

// CustomPrettyHandler is a slog.Handler that prints one readable line per
// record for local development; JSON output is used in production via
// LOG_FORMAT=json. Mirrors cmd/llm-proxy/main.go's handler of the same
// name.
type CustomPrettyHandler struct {
	level slog.Level
	w     io.Writer
}

func NewCustomPrettyHandler(w io.Writer, level slog.Level) *CustomPrettyHandler {
	return &CustomPrettyHandler{level: level, w: w}
}

func (h *CustomPrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *CustomPrettyHandler) Handle(_ context.Context, r slog.Record) error {
	timeStr := r.Time.Format("15:04:05")
	message := r.Message
	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		message = fmt.Sprintf("%s; %s", message, strings.Join(attrs, ", "))
	}
	_, err := fmt.Fprintf(h.w, "%s [%s] %s\n", r.Level.String(), timeStr, message)
	return err
}

func (h *CustomPrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *CustomPrettyHandler) WithGroup(name string) slog.Handler      { return h }

func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewCustomPrettyHandler(os.Stderr, level)
	}
	return slog.New(handler)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/config.yaml", "Path to process configuration file")
	flag.Parse()

	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.LogConfiguration(logger)

	registryMgr, err := registry.NewManager(cfg.ProvidersPath, cfg.ProvidersOverride, logger)
	if err != nil {
		logger.Error("failed to load provider registry", "error", err)
		os.Exit(1)
	}

	store, err := buildEventStore(cfg.EventStore, logger)
	if err != nil {
		logger.Error("failed to initialize event store", "error", err)
		os.Exit(1)
	}

	metricsClient := buildMetricsClient(cfg.Metrics, logger)
	defer metricsClient.Close()

	evSink := sink.New(logger, map[string]eventstore.Store{cfg.EventStore.Driver: store},
		sink.WithQueueCapacity(cfg.Sink.QueueCapacity),
		sink.WithWorkers(cfg.Sink.Workers),
		sink.WithMetrics(metricsClient))
	evSink.Start()

	var deviceRegistry *device.Registry
	if cfg.Device.Enabled {
		deviceRegistry = device.NewRegistry(device.Config{Addr: cfg.Device.RedisAddr}, logger)
		defer deviceRegistry.Close()
	}

	gate, err := security.New(security.Config{
		NetworkModePath: cfg.Security.NetworkModePath,
		DebugModePath:   cfg.Security.DebugModePath,
		AdminTokenPath:  cfg.Security.AdminTokenPath,
	})
	if err != nil {
		logger.Error("security gate refused to start", "error", err)
		os.Exit(1)
	}

	extract := extractor.New(logger)

	flowController := flowcontrol.New(flowcontrol.Config{
		Logger:             logger,
		Registry:           registryMgr,
		Extractor:          extract,
		Devices:            deviceRegistry,
		Sink:               evSink,
		Gate:               gate,
		Metrics:            metricsClient,
		LegacyHostRewrites: cfg.LegacyHostRewrites,
	})

	controlServer := control.New(control.Config{
		Logger:        logger,
		Proxy:         flowController,
		Registry:      registryMgr,
		Sink:          evSink,
		Gate:          gate,
		Metrics:       metricsClient,
		GraceDeadline: cfg.GraceDeadline,
	})

	bindAddr := gate.BindAddress() + addrPort(cfg.ListenAddr)
	httpServer := &http.Server{
		Addr:    bindAddr,
		Handler: controlServer,
	}

	go func() {
		logger.Info("tokentap listening", "addr", bindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listener failed", "error", err)
		}
	}()

	controlServer.RunSignalLoop(context.Background(), httpServer)
	logger.Info("tokentap shut down")
}

func addrPort(listenAddr string) string {
	if idx := strings.LastIndex(listenAddr, ":"); idx >= 0 {
		return listenAddr[idx:]
	}
	return ":8443"
}

func buildEventStore(cfg config.EventStoreConfig, logger *slog.Logger) (eventstore.Store, error) {
	switch cfg.Driver {
	case "dynamodb":
		store, err := eventstore.NewDynamoDBStore(context.Background(), eventstore.DynamoDBConfig{
			TableName: cfg.DynamoDB.TableName,
			Region:    cfg.DynamoDB.Region,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb event store: %w", err)
		}
		return store, nil
	case "file":
		store := eventstore.NewFileStore(cfg.File.Path)
		if err := store.EnsureIndexes(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown event store driver %q", cfg.Driver)
	}
}

func buildMetricsClient(cfg config.MetricsConfig, logger *slog.Logger) *metrics.Client {
	if !cfg.Enabled {
		return metrics.Noop()
	}
	client, err := metrics.New(metrics.Config{
		Host:      cfg.Host,
		Port:      strconv.Itoa(cfg.Port),
		Namespace: cfg.Namespace,
		Tags:      cfg.Tags,
		Logger:    logger,
	})
	if err != nil {
		logger.Warn("metrics client failed to start, continuing without metrics", "error", err)
		return metrics.Noop()
	}
	return client
}
