// Command payeeflow runs the payee enrichment service: the HTTP surface, the
// batch orchestrator, the merchant polling sweeper and the retention sweep,
// all in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/api"
	"github.com/ledgerworks/payeeflow/pkg/artifacts"
	"github.com/ledgerworks/payeeflow/pkg/classify"
	"github.com/ledgerworks/payeeflow/pkg/config"
	"github.com/ledgerworks/payeeflow/pkg/exclusion"
	"github.com/ledgerworks/payeeflow/pkg/merchant"
	"github.com/ledgerworks/payeeflow/pkg/observability"
	"github.com/ledgerworks/payeeflow/pkg/pipeline"
	"github.com/ledgerworks/payeeflow/pkg/predict"
	"github.com/ledgerworks/payeeflow/pkg/store"
	"github.com/ledgerworks/payeeflow/pkg/supplier"

	addresspkg "github.com/ledgerworks/payeeflow/pkg/address"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
		profile.Apply(cfg)
		slog.Info("deployment profile applied", "profile", profile.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "payeeflow",
		ServiceVersion: "1.0.0",
		Environment:    cfg.CardNetwork.Env,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	files, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	var limiters pipeline.LimiterStore = pipeline.NewMemoryLimiterStore()
	if cfg.Redis.Addr != "" {
		limiters = pipeline.NewRedisLimiterStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		slog.Info("rate limits shared via redis", "addr", cfg.Redis.Addr)
	}
	gate := func(stage string, rps float64) *pipeline.Gate {
		if rps <= 0 {
			return nil
		}
		return pipeline.NewGate(limiters, "stage:"+stage, pipeline.RatePolicy{RPS: rps, Burst: 1})
	}

	classifier := classify.NewOpenAIClassifier(cfg.Classifier.APIKey, cfg.Classifier.Model, cfg.Classifier.BaseURL)
	validator := addresspkg.NewHTTPValidator(cfg.AddressValidator.APIKey, cfg.AddressValidator.BaseURL)
	predictor := predict.NewHTTPPredictor(cfg.Predictor.APIKey, cfg.Predictor.ModelID, cfg.Predictor.BaseURL)
	matcher := supplier.NewMatcher(st, 0.7, 10)
	filter := exclusion.New(st, 30*time.Second)

	network := merchant.NewHTTPCardNetwork(
		cfg.CardNetwork.ConsumerKey, cfg.CardNetwork.PrivateKey,
		cfg.CardNetwork.Env, cfg.CardNetwork.BaseURL)
	tracker := merchant.NewTracker(st, network, cfg.Merchant.MaxBatchSize, cfg.Workers.RateLimit.Merchant)
	sweeper := merchant.NewSweeper(tracker,
		time.Duration(cfg.Merchant.PollIntervalSeconds)*time.Second, 30*time.Second, 100)
	go sweeper.Run(ctx)

	retention := pipeline.NewRetentionSweeper(st,
		time.Duration(cfg.Retention.SearchRequestsDays)*24*time.Hour, time.Hour)
	go retention.Run(ctx)

	orch := pipeline.NewOrchestrator(st,
		pipeline.StageWorkers{
			Classify: pipeline.NewClassifyWorker(classifier),
			Supplier: pipeline.NewSupplierWorker(matcher),
			Address:  pipeline.NewAddressWorker(validator),
			Predict:  pipeline.NewPredictWorker(predictor),
		},
		tracker, filter,
		pipeline.Options{
			Gates: pipeline.StageGates{
				Classify: gate("classify", cfg.Workers.RateLimit.Classify),
				Supplier: gate("supplier", cfg.Workers.RateLimit.Supplier),
				Address:  gate("address", cfg.Workers.RateLimit.Address),
				Predict:  gate("predict", cfg.Workers.RateLimit.Predict),
			},
			Concurrency: pipeline.StageConcurrency{
				Classify: int(cfg.Workers.Concurrency.Classify),
				Supplier: int(cfg.Workers.Concurrency.Supplier),
				Address:  int(cfg.Workers.Concurrency.Address),
				Predict:  int(cfg.Workers.Concurrency.Predict),
			},
			Observe:                    obs.TrackStageJob,
			ObserveStale:               obs.RecordStaleBatch,
			SubBatchSize:               cfg.Batch.SubBatchSize,
			AwaitMerchantForPrediction: cfg.PredictAwaitMerchant,
		})

	queue := pipeline.NewBatchQueue(0)
	go queue.Run(ctx, orch.ProcessBatch)

	server := api.NewServer(api.Config{
		Store:         st,
		Files:         files,
		Queue:         queue,
		Canceller:     orch,
		Filter:        filter,
		Classifier:    classifier,
		Events:        tracker,
		WebhookSecret: cfg.CardNetwork.WebhookSecret,
		AdminSecret:   cfg.AdminJWTSecret,
	})
	limiter := api.NewRateLimiter(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           limiter.Middleware(server.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(dsn string) (*store.SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return store.OpenPostgres(dsn)
	}
	return store.OpenSQLite(dsn)
}

func openBlobStore(ctx context.Context, cfg config.BlobConfig) (api.FileArchive, error) {
	switch cfg.Backend {
	case "s3":
		return artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return artifacts.NewGCSStore(ctx, cfg.GCSBucket, cfg.Prefix)
	default:
		return artifacts.NewFileStore(cfg.LocalDir)
	}
}
