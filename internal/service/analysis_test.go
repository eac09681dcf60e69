package service

import (
	"context"
	"database/sql"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/engine"
	"credit-risk-engine/internal/monitor"
	"credit-risk-engine/internal/pool"
)

type nopConn struct{}

func (nopConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (nopConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}
func (nopConn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (nopConn) PingContext(ctx context.Context) error { return nil }
func (nopConn) Close() error                          { return nil }

type scoringStage struct {
	err error
}

type scoredOutput struct{}

func (scoredOutput) RiskSummary() (int, string, float64, float64) {
	return 20, "Low", 8.0, 0.95
}

func (s *scoringStage) Name() string        { return "scoring" }
func (s *scoringStage) DependsOn() []string { return nil }
func (s *scoringStage) Run(ctx context.Context, sc *engine.StageContext, _ *pool.Pool) (interface{}, error) {
	if s.err != nil {
		return nil, s.err
	}
	return scoredOutput{}, nil
}

func newTestService(t *testing.T, stage engine.Stage, hook CompletionHook) *AnalysisService {
	t.Helper()
	p, err := pool.New(2, func(ctx context.Context) (pool.Conn, error) {
		return nopConn{}, nil
	}, logger.NewTestLogger(t), pool.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	mon := monitor.New(monitor.Config{}, nil, logger.NewTestLogger(t))

	orch, err := engine.New(engine.Config{
		RetryLimit:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}, []engine.Stage{stage}, p, mon, logger.NewTestLogger(t))
	require.NoError(t, err)

	svc, err := NewAnalysisService(orch, mon, nil, hook, logger.NewTestLogger(t))
	require.NoError(t, err)
	return svc
}

func validInput() engine.ApplicationInput {
	return engine.ApplicationInput{
		ApplicantID: "CUST-1001",
		LoanAmount:  250000,
		TermMonths:  360,
		LoanType:    "mortgage",
	}
}

func TestAssess_Succeeds(t *testing.T) {
	var hooked *engine.AnalysisResult
	svc := newTestService(t, &scoringStage{}, func(ctx context.Context, r *engine.AnalysisResult) {
		hooked = r
	})

	result, err := svc.Assess(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, 20, result.RiskScore)
	assert.Equal(t, "Low", result.RiskLevel)
	require.NotNil(t, hooked, "completion hook must fire on success")
	assert.Equal(t, result.RunID, hooked.RunID)
}

func TestAssess_InputValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *engine.ApplicationInput)
	}{
		{"empty applicant id", func(in *engine.ApplicationInput) { in.ApplicantID = "" }},
		{"zero loan amount", func(in *engine.ApplicationInput) { in.LoanAmount = 0 }},
		{"negative loan amount", func(in *engine.ApplicationInput) { in.LoanAmount = -5000 }},
		{"zero term", func(in *engine.ApplicationInput) { in.TermMonths = 0 }},
		{"term past the cap", func(in *engine.ApplicationInput) { in.TermMonths = 600 }},
		{"unknown loan type", func(in *engine.ApplicationInput) { in.LoanType = "speedboat" }},
	}

	hookFired := false
	svc := newTestService(t, &scoringStage{}, func(ctx context.Context, r *engine.AnalysisResult) {
		hookFired = true
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := validInput()
			tt.mutate(&input)

			_, err := svc.Assess(context.Background(), input)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInputValidationFailed))
		})
	}
	assert.False(t, hookFired, "rejected inputs never reach the pipeline")
}

func TestAssess_RunFailurePropagates(t *testing.T) {
	svc := newTestService(t, &scoringStage{
		err: errors.NewFatalStageError(errors.ErrCodeQueryExecutionFailed, stderrors.New("applicant not found")),
	}, nil)

	_, err := svc.Assess(context.Background(), validInput())
	require.Error(t, err)

	var rf *errors.RunFailure
	require.True(t, stderrors.As(err, &rf))
	assert.Equal(t, "scoring", rf.Stage)
}

func TestService_HealthSnapshot(t *testing.T) {
	svc := newTestService(t, &scoringStage{}, nil)

	_, err := svc.Assess(context.Background(), validInput())
	require.NoError(t, err)

	snap := svc.Health()
	assert.Greater(t, snap.Count, 0, "runs must leave a trace in the monitor window")
}
