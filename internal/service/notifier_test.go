package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"

	appconfig "credit-risk-engine/internal/common/config"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/engine"
)

// ==========================
// Mock Implementations
// ==========================

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	calls         int
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.calls++
	if m.SendEmailFunc == nil {
		return &ses.SendEmailOutput{}, nil
	}
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	calls       int
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.calls++
	if m.PublishFunc == nil {
		return &sns.PublishOutput{}, nil
	}
	return m.PublishFunc(ctx, params, optFns...)
}

func notifierConfig() appconfig.NotificationConfig {
	var cfg appconfig.NotificationConfig
	cfg.Email.Enabled = true
	cfg.Email.FromEmail = "risk-engine@example.com"
	cfg.Email.ToEmail = "risk-desk@example.com"
	cfg.SMS.Enabled = true
	cfg.SMS.TopicARN = "arn:aws:sns:us-east-1:000000000000:risk-alerts"
	cfg.SMS.RiskThreshold = "High"
	cfg.AWS.Region = "us-east-1"
	return cfg
}

func newTestNotifier(t *testing.T, cfg appconfig.NotificationConfig, sesMock SESService, snsMock SNSService) *Notifier {
	t.Helper()
	return &Notifier{
		config:    cfg,
		logger:    logger.NewTestLogger(t),
		sesClient: sesMock,
		snsClient: snsMock,
	}
}

func completedResult(level string) *engine.AnalysisResult {
	return &engine.AnalysisResult{
		RunID:               "run-1",
		ApplicantID:         "CUST-1001",
		RiskScore:           80,
		RiskLevel:           level,
		InterestRate:        11.5,
		ApprovalProbability: 0.3,
	}
}

// ==========================
// Tests
// ==========================

func TestNotifier_EmailOnCompletion(t *testing.T) {
	sesMock := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			assert.Equal(t, "risk-desk@example.com", params.Destination.ToAddresses[0])
			assert.Equal(t, "risk-engine@example.com", *params.Source)
			assert.Contains(t, *params.Message.Subject.Data, "CUST-1001")
			return &ses.SendEmailOutput{}, nil
		},
	}
	snsMock := &MockSNSService{}

	n := newTestNotifier(t, notifierConfig(), sesMock, snsMock)
	n.NotifyCompletion(context.Background(), completedResult("Low"))

	assert.Equal(t, 1, sesMock.calls)
	assert.Equal(t, 0, snsMock.calls, "low risk must not trigger an alert")
}

func TestNotifier_AlertOnHighRisk(t *testing.T) {
	snsMock := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			assert.Equal(t, "arn:aws:sns:us-east-1:000000000000:risk-alerts", *params.TopicArn)
			assert.Contains(t, *params.Message, "High")
			return &sns.PublishOutput{}, nil
		},
	}

	n := newTestNotifier(t, notifierConfig(), &MockSESService{}, snsMock)
	n.NotifyCompletion(context.Background(), completedResult("High"))
	assert.Equal(t, 1, snsMock.calls)
}

func TestNotifier_ThresholdConfigurable(t *testing.T) {
	cfg := notifierConfig()
	cfg.SMS.RiskThreshold = "Medium"

	snsMock := &MockSNSService{}
	n := newTestNotifier(t, cfg, &MockSESService{}, snsMock)

	n.NotifyCompletion(context.Background(), completedResult("Medium"))
	assert.Equal(t, 1, snsMock.calls, "medium risk crosses a Medium threshold")

	n.NotifyCompletion(context.Background(), completedResult("Low"))
	assert.Equal(t, 1, snsMock.calls, "low risk stays below it")
}

func TestNotifier_DisabledChannelsSkipped(t *testing.T) {
	cfg := notifierConfig()
	cfg.Email.Enabled = false
	cfg.SMS.Enabled = false

	sesMock := &MockSESService{}
	snsMock := &MockSNSService{}
	n := newTestNotifier(t, cfg, sesMock, snsMock)

	n.NotifyCompletion(context.Background(), completedResult("High"))
	assert.Equal(t, 0, sesMock.calls)
	assert.Equal(t, 0, snsMock.calls)
}

func TestNotifier_SendFailuresAreSwallowed(t *testing.T) {
	sesMock := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			return nil, stderrors.New("ses throttled")
		},
	}
	snsMock := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, stderrors.New("sns unavailable")
		},
	}

	n := newTestNotifier(t, notifierConfig(), sesMock, snsMock)
	// Must not panic or propagate; notifications never fail a run.
	n.NotifyCompletion(context.Background(), completedResult("High"))
	assert.Equal(t, 1, sesMock.calls)
	assert.Equal(t, 1, snsMock.calls)
}
