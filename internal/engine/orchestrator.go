package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/monitor"
	"credit-risk-engine/internal/pool"

	"github.com/google/uuid"
)

// Config holds the per-orchestrator execution policy. MaxConcurrency
// bounds compute fan-out; the pool bounds store-side concurrency
// independently, so the two are tuned separately.
type Config struct {
	MaxConcurrency int
	RetryLimit     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RunTimeout     time.Duration
}

// Orchestrator executes the stage graph for one request at a time per Run
// call. Multiple runs may execute fully concurrently; they share nothing
// mutable except the pool and the monitor.
type Orchestrator struct {
	cfg     Config
	stages  map[string]Stage
	order   []string
	pool    *pool.Pool
	monitor *monitor.Monitor
	logger  logger.Logger
}

func New(cfg Config, stages []Stage, p *pool.Pool, mon *monitor.Monitor, log logger.Logger) (*Orchestrator, error) {
	if len(stages) == 0 {
		return nil, errors.NewConfigurationError("at least one stage is required")
	}
	if p == nil {
		return nil, errors.NewConfigurationError("a connection pool is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}

	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		if s.Name() == "" {
			return nil, errors.NewConfigurationError("stage with empty name")
		}
		if _, dup := byName[s.Name()]; dup {
			return nil, errors.NewConfigurationError(
				fmt.Sprintf("duplicate stage name %q", s.Name()))
		}
		byName[s.Name()] = s
	}

	order, err := validateGraph(byName)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:     cfg,
		stages:  byName,
		order:   order,
		pool:    p,
		monitor: mon,
		logger:  log.WithFields(map[string]interface{}{"component": "orchestrator"}),
	}, nil
}

type stageOutcome struct {
	name     string
	output   interface{}
	err      error
	attempts int
	degraded bool
}

// Run executes the full stage graph for one input. It returns an
// AnalysisResult on success, or a *errors.RunFailure naming the failing
// stage, root cause and attempt count. Cancellation (run timeout or caller
// context) is cooperative: in-flight stages drain, nothing new starts.
func (o *Orchestrator) Run(ctx context.Context, input ApplicationInput) (*AnalysisResult, error) {
	runID := uuid.NewString()
	start := time.Now()
	log := o.logger.WithFields(map[string]interface{}{
		"runId":       runID,
		"applicantId": input.ApplicantID,
	})
	log.Info("run started", map[string]interface{}{
		"stages":      len(o.stages),
		"loanAmount":  input.LoanAmount,
		"loanType":    input.LoanType,
	})

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	sc := NewStageContext(runID, input)

	pending := make(map[string]bool, len(o.order))
	for _, name := range o.order {
		pending[name] = true
	}
	running := make(map[string]bool)
	succeeded := make(map[string]bool)
	results := make(chan stageOutcome)

	var fatal *stageOutcome
	cancelled := false
	degraded := false

	for {
		if fatal == nil && !cancelled {
			for _, name := range o.order {
				if len(running) >= o.cfg.MaxConcurrency {
					break
				}
				if !pending[name] || !o.depsMet(name, succeeded) {
					continue
				}
				delete(pending, name)
				running[name] = true
				go o.executeStage(runCtx, name, sc, results)
			}
		}

		if len(running) == 0 {
			break
		}

		if cancelled || fatal != nil {
			// Drain: let in-flight stages finish so no connection leaks.
			out := <-results
			delete(running, out.name)
			continue
		}

		select {
		case out := <-results:
			delete(running, out.name)
			if out.err != nil {
				// A failure observed after the run context died is the
				// cancellation surfacing through the stage, not a stage fault.
				if runCtx.Err() != nil {
					cancelled = true
					continue
				}
				log.Error("stage failed fatally", map[string]interface{}{
					"stage": out.name, "attempts": out.attempts, "error": out.err,
				})
				fatal = &out
				continue
			}
			// Publish before any dependent can be dispatched.
			if err := sc.Publish(out.name, out.output); err != nil {
				fatal = &stageOutcome{name: out.name, err: errors.NewProtocolViolationError(err.Error()), attempts: out.attempts}
				continue
			}
			succeeded[out.name] = true
			if out.degraded {
				degraded = true
			}
		case <-runCtx.Done():
			log.Warn("run cancelled, draining in-flight stages", map[string]interface{}{
				"inFlight": len(running), "reason": runCtx.Err(),
			})
			cancelled = true
		}
	}

	elapsed := time.Since(start)

	switch {
	case cancelled:
		o.record("run", elapsed, false, "CANCELLED")
		return nil, &errors.RunFailure{
			RunID:   runID,
			Status:  string(StatusCancelled),
			Cause:   runCtx.Err(),
			Partial: sc.Outputs(),
		}

	case fatal != nil:
		o.record("run", elapsed, false, errors.Kind(fatal.err))
		return nil, &errors.RunFailure{
			RunID:    runID,
			Stage:    fatal.name,
			Status:   string(StatusFailed),
			Attempts: fatal.attempts,
			Cause:    fatal.err,
			Partial:  sc.Outputs(),
		}

	case len(pending) > 0:
		// The upfront cycle check makes this unreachable; seeing it means
		// a scheduling invariant broke.
		names := make([]string, 0, len(pending))
		for name := range pending {
			names = append(names, name)
		}
		sort.Strings(names)
		err := errors.NewConfigurationError(
			"ready set empty with stages unscheduled: " + strings.Join(names, ", "))
		o.record("run", elapsed, false, errors.Kind(err))
		return nil, err
	}

	result := o.aggregate(runID, sc, degraded, elapsed)
	o.record("run", elapsed, true, "")
	log.Info("run succeeded", map[string]interface{}{
		"riskScore": result.RiskScore,
		"riskLevel": result.RiskLevel,
		"degraded":  result.Degraded,
		"elapsedMs": elapsed.Milliseconds(),
	})
	return result, nil
}

func (o *Orchestrator) depsMet(name string, succeeded map[string]bool) bool {
	for _, dep := range o.stages[name].DependsOn() {
		if !succeeded[dep] {
			return false
		}
	}
	return true
}

// executeStage runs one stage with the retry/fallback policy and reports
// exactly one outcome. Connection acquisition and release are scoped
// inside the stage via pool.WithConn.
func (o *Orchestrator) executeStage(ctx context.Context, name string, sc *StageContext, results chan<- stageOutcome) {
	stage := o.stages[name]
	log := o.logger.WithFields(map[string]interface{}{"runId": sc.runID, "stage": name})

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= o.cfg.RetryLimit; attempt++ {
		if ctx.Err() != nil {
			results <- stageOutcome{name: name, err: ctx.Err(), attempts: attempts}
			return
		}

		attempts++
		attemptStart := time.Now()
		output, err := stage.Run(ctx, sc, o.pool)
		o.record("stage."+name, time.Since(attemptStart), err == nil, errors.Kind(err))

		if err == nil {
			results <- stageOutcome{name: name, output: output, attempts: attempts}
			return
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			log.Warn("stage failed, not retryable", map[string]interface{}{
				"attempt": attempts, "error": err,
			})
			break
		}
		if attempt == o.cfg.RetryLimit {
			log.Warn("stage retries exhausted", map[string]interface{}{
				"attempts": attempts, "error": err,
			})
			break
		}

		delay := o.backoff(attempt)
		log.Warn("stage attempt failed, backing off", map[string]interface{}{
			"attempt": attempts, "retryIn": delay.String(), "error": err,
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			results <- stageOutcome{name: name, err: ctx.Err(), attempts: attempts}
			return
		}
	}

	if fb, ok := stage.(FallbackStage); ok {
		fbStart := time.Now()
		output, err := fb.Fallback(ctx, sc)
		o.record("stage."+name+".fallback", time.Since(fbStart), err == nil, errors.Kind(err))
		if err == nil {
			log.Warn("stage recovered through fallback", map[string]interface{}{"attempts": attempts})
			results <- stageOutcome{name: name, output: output, attempts: attempts, degraded: true}
			return
		}
		log.Error("fallback failed", map[string]interface{}{"error": err})
	}

	results <- stageOutcome{name: name, err: lastErr, attempts: attempts}
}

// backoff returns base * 2^attempt capped at the configured maximum.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= o.cfg.RetryMaxDelay {
			return o.cfg.RetryMaxDelay
		}
	}
	return delay
}

func (o *Orchestrator) aggregate(runID string, sc *StageContext, degraded bool, elapsed time.Duration) *AnalysisResult {
	result := &AnalysisResult{
		RunID:       runID,
		ApplicantID: sc.input.ApplicantID,
		Degraded:    degraded,
		Elapsed:     elapsed,
		CompletedAt: time.Now().UTC(),
	}
	for _, output := range sc.Outputs() {
		if rs, ok := output.(RiskSummarizer); ok {
			result.RiskScore, result.RiskLevel, result.InterestRate, result.ApprovalProbability = rs.RiskSummary()
		}
		if a, ok := output.(Artifact); ok {
			result.Artifacts = append(result.Artifacts, a.ArtifactRef())
		}
	}
	sort.Strings(result.Artifacts)
	return result
}

func (o *Orchestrator) record(op string, d time.Duration, success bool, kind string) {
	if o.monitor == nil {
		return
	}
	o.monitor.Record("orchestrator", op, d, success, kind)
}
