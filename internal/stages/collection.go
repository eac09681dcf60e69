// Package stages holds the concrete pipeline stages: four independent
// collection stages, the risk model, documentation and reporting. They
// plug into the engine through its Stage contract; the engine knows
// nothing about their internals.
package stages

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/engine"
	"credit-risk-engine/internal/pool"
	"credit-risk-engine/internal/store"
)

// Stage names, also the keys under which outputs are published.
const (
	StageCustomerProfile  = "customer-profile"
	StageFinancialSummary = "financial-summary"
	StageCreditHistory    = "credit-history"
	StageMarketData       = "market-data"
	StageRiskAnalysis     = "risk-analysis"
	StageDocumentation    = "documentation"
	StageReporting        = "reporting"
)

// Cache is the stale-data store behind collection fallbacks. Satisfied by
// store.RedisClient.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type fetchFunc func(ctx context.Context, conn pool.Conn, input engine.ApplicationInput) (interface{}, error)
type decodeFunc func(data []byte) (interface{}, error)

// CollectionStage borrows a pooled connection, runs one store query, and
// caches the fresh result so its fallback can serve a stale copy later.
type CollectionStage struct {
	name           string
	fetch          fetchFunc
	decode         decodeFunc
	cache          Cache
	cacheTTL       time.Duration
	acquireTimeout time.Duration
	logger         logger.Logger
}

func (s *CollectionStage) Name() string        { return s.name }
func (s *CollectionStage) DependsOn() []string { return nil }

func (s *CollectionStage) Run(ctx context.Context, sc *engine.StageContext, conns *pool.Pool) (interface{}, error) {
	var output interface{}
	err := conns.WithConn(ctx, s.acquireTimeout, func(pc *pool.PooledConnection) error {
		v, ferr := s.fetch(ctx, pc.Conn(), sc.Input())
		if ferr != nil {
			if stderrors.Is(ferr, driver.ErrBadConn) {
				pc.MarkBroken()
			}
			if stderrors.Is(ferr, sql.ErrNoRows) {
				return errors.NewFatalStageError(errors.ErrCodeQueryExecutionFailed,
					fmt.Errorf("%s: no record for applicant %q", s.name, sc.Input().ApplicantID))
			}
			return errors.NewRetryableStageError(errors.ErrCodeQueryExecutionFailed, ferr)
		}
		output = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cacheFresh(ctx, sc.Input(), output)
	return output, nil
}

// Fallback serves the last cached copy of this stage's data. Cache
// failures are fatal here: with no fresh and no stale data the stage has
// nothing to offer.
func (s *CollectionStage) Fallback(ctx context.Context, sc *engine.StageContext) (interface{}, error) {
	if s.cache == nil {
		return nil, errors.NewFatalStageError(errors.ErrCodeCacheMiss,
			fmt.Errorf("%s: no stale cache configured", s.name))
	}

	payload, err := s.cache.Get(ctx, s.cacheKey(sc.Input()))
	if err != nil {
		return nil, errors.NewFatalStageError(errors.ErrCodeCacheMiss,
			fmt.Errorf("%s: stale cache read: %w", s.name, err))
	}

	output, err := s.decode([]byte(payload))
	if err != nil {
		return nil, errors.NewFatalStageError(errors.ErrCodeCacheMiss,
			fmt.Errorf("%s: stale cache decode: %w", s.name, err))
	}

	s.logger.Warn("serving stale data from cache", map[string]interface{}{
		"stage": s.name, "applicantId": sc.Input().ApplicantID,
	})
	return output, nil
}

func (s *CollectionStage) cacheFresh(ctx context.Context, input engine.ApplicationInput, output interface{}) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(output)
	if err != nil {
		s.logger.Warn("stale cache encode failed", map[string]interface{}{"stage": s.name, "error": err})
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(input), payload, s.cacheTTL); err != nil {
		s.logger.Warn("stale cache write failed", map[string]interface{}{"stage": s.name, "error": err})
	}
}

func (s *CollectionStage) cacheKey(input engine.ApplicationInput) string {
	if s.name == StageMarketData {
		// Market data is not per-applicant.
		return "stale:" + s.name
	}
	return "stale:" + s.name + ":" + input.ApplicantID
}

// CollectionConfig is shared by the four collection stage constructors.
type CollectionConfig struct {
	Cache          Cache
	CacheTTL       time.Duration
	AcquireTimeout time.Duration
	Logger         logger.Logger
}

func NewCustomerProfileStage(cfg CollectionConfig) *CollectionStage {
	return newCollectionStage(cfg, StageCustomerProfile,
		func(ctx context.Context, conn pool.Conn, input engine.ApplicationInput) (interface{}, error) {
			return store.GetCustomerProfile(ctx, conn, input.ApplicantID)
		},
		func(data []byte) (interface{}, error) {
			var v store.CustomerProfile
			return &v, json.Unmarshal(data, &v)
		})
}

func NewFinancialSummaryStage(cfg CollectionConfig) *CollectionStage {
	return newCollectionStage(cfg, StageFinancialSummary,
		func(ctx context.Context, conn pool.Conn, input engine.ApplicationInput) (interface{}, error) {
			return store.GetFinancialSummary(ctx, conn, input.ApplicantID)
		},
		func(data []byte) (interface{}, error) {
			var v store.FinancialSummary
			return &v, json.Unmarshal(data, &v)
		})
}

func NewCreditHistoryStage(cfg CollectionConfig) *CollectionStage {
	return newCollectionStage(cfg, StageCreditHistory,
		func(ctx context.Context, conn pool.Conn, input engine.ApplicationInput) (interface{}, error) {
			return store.GetCreditHistory(ctx, conn, input.ApplicantID)
		},
		func(data []byte) (interface{}, error) {
			var v store.CreditHistory
			return &v, json.Unmarshal(data, &v)
		})
}

func NewMarketDataStage(cfg CollectionConfig) *CollectionStage {
	return newCollectionStage(cfg, StageMarketData,
		func(ctx context.Context, conn pool.Conn, _ engine.ApplicationInput) (interface{}, error) {
			return store.GetLatestMarketData(ctx, conn)
		},
		func(data []byte) (interface{}, error) {
			var v store.MarketData
			return &v, json.Unmarshal(data, &v)
		})
}

func newCollectionStage(cfg CollectionConfig, name string, fetch fetchFunc, decode decodeFunc) *CollectionStage {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 3 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &CollectionStage{
		name:           name,
		fetch:          fetch,
		decode:         decode,
		cache:          cfg.Cache,
		cacheTTL:       cfg.CacheTTL,
		acquireTimeout: cfg.AcquireTimeout,
		logger:         log,
	}
}
