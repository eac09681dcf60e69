// Package service fronts the engine: it validates incoming applications,
// runs the orchestrator, records run-level metrics and fires decision
// notifications.
package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/common/observability"
	"credit-risk-engine/internal/engine"
	"credit-risk-engine/internal/monitor"
)

const applicationSchema = `{
	"type": "object",
	"required": ["applicantId", "loanAmount", "termMonths", "loanType"],
	"properties": {
		"applicantId": {"type": "string", "minLength": 1},
		"loanAmount":  {"type": "number", "exclusiveMinimum": 0},
		"termMonths":  {"type": "integer", "minimum": 1, "maximum": 480},
		"loanType":    {"type": "string", "enum": ["personal", "auto", "mortgage", "business"]}
	}
}`

// CompletionHook is invoked after each successful run. Satisfied by
// Notifier.NotifyCompletion.
type CompletionHook func(ctx context.Context, result *engine.AnalysisResult)

// AnalysisService is the application-facing entry point for assessments.
type AnalysisService struct {
	orchestrator *engine.Orchestrator
	monitor      *monitor.Monitor
	obs          *observability.Observability
	onComplete   CompletionHook
	schema       *gojsonschema.Schema
	logger       logger.Logger
}

func NewAnalysisService(orch *engine.Orchestrator, mon *monitor.Monitor, obs *observability.Observability, hook CompletionHook, log logger.Logger) (*AnalysisService, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(applicationSchema))
	if err != nil {
		return nil, fmt.Errorf("compile application schema: %w", err)
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &AnalysisService{
		orchestrator: orch,
		monitor:      mon,
		obs:          obs,
		onComplete:   hook,
		schema:       schema,
		logger:       log,
	}, nil
}

// Assess validates and runs one application through the pipeline.
func (s *AnalysisService) Assess(ctx context.Context, input engine.ApplicationInput) (*engine.AnalysisResult, error) {
	if err := s.validate(input); err != nil {
		s.recordRun(ctx, "rejected", 0)
		return nil, err
	}

	start := time.Now()
	result, err := s.orchestrator.Run(ctx, input)
	elapsed := time.Since(start)
	if err != nil {
		s.recordRun(ctx, runFailureStatus(err), elapsed)
		return nil, err
	}

	status := "succeeded"
	if result.Degraded {
		status = "degraded"
	}
	s.recordRun(ctx, status, elapsed)

	if s.onComplete != nil {
		s.onComplete(ctx, result)
	}
	return result, nil
}

// Health reports the engine's windowed performance snapshot.
func (s *AnalysisService) Health() monitor.Snapshot {
	return s.monitor.Snapshot()
}

func (s *AnalysisService) validate(input engine.ApplicationInput) error {
	doc, err := json.Marshal(input)
	if err != nil {
		return errors.NewInputValidationError(err.Error())
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.NewInputValidationError(err.Error())
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return errors.NewInputValidationError(strings.Join(errs, "; "))
	}
	return nil
}

func (s *AnalysisService) recordRun(ctx context.Context, status string, elapsed time.Duration) {
	if s.obs == nil {
		return
	}
	s.obs.RecordRun(ctx, status)
	if elapsed > 0 {
		s.obs.RecordRunDuration(ctx, elapsed, status)
	}
}

func runFailureStatus(err error) string {
	var rf *errors.RunFailure
	if stderrors.As(err, &rf) {
		return strings.ToLower(rf.Status)
	}
	return "failed"
}
