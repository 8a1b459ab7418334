// Package pfmea provides the PFMEA analysis service: HTTP routing,
// the model client, embedded storage, and observability wiring.
package pfmea

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stephenhungg/pfmea-agent/pkg/logging"
	"github.com/stephenhungg/pfmea-agent/services/llm"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/handlers"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/observability"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/pipeline"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/risk"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/routes"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/store"
)

// Service is the PFMEA analysis service lifecycle.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Close releases service resources. Safe after Run returns.
	Close() error
}

// Config holds service configuration. Zero values use defaults.
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// OllamaURL is the inference backend base URL. Defaults to the
	// OLLAMA_BASE_URL environment variable, then localhost.
	OllamaURL string

	// OllamaModel is the model name. Defaults to OLLAMA_MODEL.
	OllamaModel string

	// StorePath is the BadgerDB directory. Default: "./data/pfmea".
	StorePath string

	// ScalesPath optionally overrides the embedded rating scales with
	// a YAML file, watched for changes while the service runs.
	ScalesPath string

	// Concurrency bounds simultaneous model calls. Default: 1.
	Concurrency int

	// OTelEndpoint is the OTLP collector endpoint. Empty disables
	// trace export.
	OTelEndpoint string

	// EnableMetrics exposes Prometheus metrics on /metrics.
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// LogDir is where daily log files go. Empty logs to stderr only.
	LogDir string

	// LogLevel is the minimum log level ("debug", "info", "warn",
	// "error"). Default: "info".
	LogLevel string
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "./data/pfmea"
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg
}

type service struct {
	config        Config
	router        *gin.Engine
	logger        *logging.Logger
	db            *store.Store
	client        llm.Client
	runner        *handlers.Runner
	hub           *handlers.ProgressHub
	watcher       *risk.ScalesWatcher
	tracerCleanup func(context.Context)
}

// New creates a ready-to-run Service.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	logger := logging.New(logging.Config{
		Service: "pfmea",
		Level:   logging.ParseLevel(s.config.LogLevel),
		LogDir:  s.config.LogDir,
	})
	s.logger = logger
	slog.SetDefault(logger.Slog())

	if s.config.OTelEndpoint != "" {
		cleanup, err := initTracer(s.config.OTelEndpoint)
		if err != nil {
			return nil, fmt.Errorf("initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	storeCfg := store.DefaultConfig(s.config.StorePath)
	storeCfg.Logger = logger.Slog()
	db, err := store.Open(storeCfg)
	s.db = db
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open store: %w", err)
	}

	s.client, err = llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL: s.config.OllamaURL,
		Model:   s.config.OllamaModel,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("create model client: %w", err)
	}

	scales := risk.DefaultScales()
	if s.config.ScalesPath != "" {
		scales, err = risk.LoadScales(s.config.ScalesPath)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("load scales: %w", err)
		}
	}

	var metrics *observability.PipelineMetrics
	if s.config.EnableMetrics {
		metrics = observability.NewPipelineMetrics(prometheus.DefaultRegisterer)
	}

	s.hub = handlers.NewProgressHub(logger.Slog())
	s.runner, err = handlers.NewRunner(handlers.RunnerConfig{
		Store:   s.db,
		Client:  s.client,
		Hub:     s.hub,
		Gate:    pipeline.NewConcurrencyGate(s.config.Concurrency),
		Scales:  scales,
		Metrics: metrics,
		Logger:  logger.Slog(),
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("create runner: %w", err)
	}

	// Hot-reload the scale criteria when the YAML file changes; jobs
	// already running keep their snapshot.
	if s.config.ScalesPath != "" {
		s.watcher, err = risk.WatchScales(s.config.ScalesPath, s.runner.UpdateScales)
		if err != nil {
			slog.Warn("scales watcher unavailable", "error", err)
		}
	}

	s.initRouter()
	return s, nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("pfmea-service"))
	if s.config.EnableMetrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	routes.SetupRoutes(s.router, s.db, s.client, s.runner, s.hub)
}

func (s *service) Run() error {
	defer s.cleanup()

	if !s.client.CheckConnection(context.Background()) {
		slog.Warn("inference backend unreachable at startup",
			"model", s.client.Model())
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("starting pfmea server", "port", s.config.Port, "model", s.client.Model())
	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close() error {
	s.cleanup()
	return nil
}

// cleanup releases resources; safe to call more than once.
func (s *service) cleanup() {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			slog.Warn("scales watcher close error", "error", err)
		}
		s.watcher = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("store close error", "error", err)
		}
		s.db = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	if s.logger != nil {
		if err := s.logger.Close(); err != nil {
			slog.Warn("logger close error", "error", err)
		}
		s.logger = nil
	}
}

// initTracer configures OTLP trace export over gRPC.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("pfmea-service")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
