package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"credit-risk-engine/internal/common/config"
	apperrors "credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/common/observability"
	"credit-risk-engine/internal/engine"
	"credit-risk-engine/internal/monitor"
	"credit-risk-engine/internal/pool"
	"credit-risk-engine/internal/service"
	"credit-risk-engine/internal/stages"
	"credit-risk-engine/internal/store"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting credit risk engine...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("risk-engine")
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init PostgreSQL with retry ---
	var pg *store.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = store.NewPostgres(cfg.Database.Postgres, cfg.Engine.PoolSize)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *store.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = store.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch with retry ---
	var esClient *store.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var err error
		esClient, err = store.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		return esClient.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

	if err != nil {
		zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
	}
	zapLog.Info("Elasticsearch connected successfully")

	// --- Performance Monitor ---
	mon := monitor.New(monitor.Config{
		Window:          time.Duration(cfg.Monitor.WindowSeconds) * time.Second,
		MaxRecords:      cfg.Monitor.MaxRecords,
		MinSamples:      cfg.Monitor.MinSamples,
		ErrorRateLimit:  cfg.Monitor.DegradedErrorRate,
		LatencyP95Limit: time.Duration(cfg.Monitor.DegradedLatencyP95Ms) * time.Millisecond,
	}, monitor.PrometheusSink{}, log)

	// --- Connection Pool ---
	connPool, err := pool.New(cfg.Engine.PoolSize, pg.ConnFactory(), log, pool.Options{
		ProbeFailureLimit: cfg.Engine.HealthFailureLimit,
		Observer:          mon,
	})
	if err != nil {
		zapLog.Fatal("pool init failed", zap.Error(err))
	}
	defer connPool.Close()
	connPool.StartHealthProbes(ctx, time.Duration(cfg.Engine.HealthIntervalMs)*time.Millisecond)

	// --- Assemble Stage Graph ---
	collectionCfg := stages.CollectionConfig{
		Cache:          redis,
		CacheTTL:       time.Duration(cfg.Engine.StaleCacheTTLMinute) * time.Minute,
		AcquireTimeout: time.Duration(cfg.Engine.AcquireTimeoutMs) * time.Millisecond,
		Logger:         log,
	}
	pipeline := []engine.Stage{
		stages.NewCustomerProfileStage(collectionCfg),
		stages.NewFinancialSummaryStage(collectionCfg),
		stages.NewCreditHistoryStage(collectionCfg),
		stages.NewMarketDataStage(collectionCfg),
		stages.NewRiskAnalysisStage(log),
		stages.NewDocumentationStage(log),
		stages.NewReportingStage(esClient, log),
	}

	orch, err := engine.New(engine.Config{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		RetryLimit:     cfg.Engine.RetryLimit,
		RetryBaseDelay: time.Duration(cfg.Engine.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.Engine.RetryMaxDelayMs) * time.Millisecond,
		RunTimeout:     time.Duration(cfg.Engine.RunTimeoutMs) * time.Millisecond,
	}, pipeline, connPool, mon, log)
	if err != nil {
		zapLog.Fatal("orchestrator init failed", zap.Error(err))
	}

	// --- Notifier + Service ---
	var hook service.CompletionHook
	if cfg.Notifications.Email.Enabled || cfg.Notifications.SMS.Enabled {
		notifier, nerr := service.NewNotifier(cfg.Notifications, log)
		if nerr != nil {
			zapLog.Fatal("notifier init failed", zap.Error(nerr))
		}
		hook = notifier.NotifyCompletion
	}

	svc, err := service.NewAnalysisService(orch, mon, obs, hook, log)
	if err != nil {
		zapLog.Fatal("service init failed", zap.Error(err))
	}

	// --- API & Admin Server ---
	mux := http.DefaultServeMux
	mux.HandleFunc("/api/v1/assessments", assessHandler(svc, zapLog))
	mux.HandleFunc("/health", healthHandler(svc, connPool))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ready",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: cfg.Server.Address, Handler: mux}
	go func() {
		zapLog.Info("API server listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			zapLog.Error("API server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down API server", zap.Error(err))
	}

	zapLog.Info("Credit risk engine stopped gracefully")
}

func assessHandler(svc *service.AnalysisService, zapLog *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}

		var input engine.ApplicationInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("parse input: %v", err))
			return
		}

		result, err := svc.Assess(r.Context(), input)
		if err != nil {
			status, body := failureResponse(err)
			zapLog.Warn("assessment failed",
				zap.String("applicantId", input.ApplicantID),
				zap.Error(err),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(body)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(result)
	}
}

func healthHandler(svc *service.AnalysisService, connPool *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := svc.Health()
		stats := connPool.Stats()

		status := "healthy"
		code := http.StatusOK
		if snap.Degraded || stats.Degraded {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      status,
			"time":        time.Now().Format(time.RFC3339),
			"performance": snap,
			"pool":        stats,
		})
	}
}

// failureResponse maps engine error taxonomy to HTTP status codes.
func failureResponse(err error) (int, interface{}) {
	var engErr *apperrors.EngineError
	if stderrors.As(err, &engErr) {
		switch engErr.Code {
		case apperrors.ErrCodeInputValidationFailed:
			return http.StatusBadRequest, engErr
		case apperrors.ErrCodeConfigurationError:
			return http.StatusInternalServerError, engErr
		}
		return http.StatusServiceUnavailable, engErr
	}

	var runErr *apperrors.RunFailure
	if stderrors.As(err, &runErr) {
		if runErr.Status == string(engine.StatusCancelled) {
			return http.StatusRequestTimeout, runErr
		}
		return http.StatusBadGateway, runErr
	}

	return http.StatusInternalServerError, map[string]string{"error": err.Error()}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
