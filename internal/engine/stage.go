// Package engine executes a dependency-ordered stage graph over a shared
// connection pool, with retry, fallback and cancellation policy.
package engine

import (
	"context"

	"credit-risk-engine/internal/pool"
)

// Stage is a pluggable unit of work. The orchestrator never inspects a
// stage's internals, only this contract: a unique name, the names of the
// stages whose outputs it needs, and a run function.
type Stage interface {
	Name() string
	DependsOn() []string
	Run(ctx context.Context, sc *StageContext, conns *pool.Pool) (interface{}, error)
}

// FallbackStage is implemented by stages that can produce a degraded
// substitute output (e.g. stale cached data) once retries exhaust. A
// successful fallback marks the whole AnalysisResult Degraded.
type FallbackStage interface {
	Stage
	Fallback(ctx context.Context, sc *StageContext) (interface{}, error)
}
