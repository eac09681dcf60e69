package service

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	appconfig "credit-risk-engine/internal/common/config"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/engine"
)

// Define interfaces for mocking
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Notifier sends decision notifications once an assessment completes:
// email to the risk desk, plus an SNS alert when the risk level crosses
// the configured threshold. Notification failures never fail a run; they
// are logged and dropped.
type Notifier struct {
	config    appconfig.NotificationConfig
	logger    logger.Logger
	sesClient SESService
	snsClient SNSService
}

func NewNotifier(cfg appconfig.NotificationConfig, log logger.Logger) (*Notifier, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Notifier{
		config:    cfg,
		logger:    log.WithFields(map[string]interface{}{"component": "notifier"}),
		sesClient: ses.NewFromConfig(awsCfg),
		snsClient: sns.NewFromConfig(awsCfg),
	}, nil
}

// NotifyCompletion dispatches the configured channels for a finished run.
func (n *Notifier) NotifyCompletion(ctx context.Context, result *engine.AnalysisResult) {
	if n.config.Email.Enabled && n.config.Email.ToEmail != "" {
		if err := n.sendEmail(ctx, result); err != nil {
			n.logger.Error("email send failed", map[string]interface{}{
				"error": err,
				"runId": result.RunID,
			})
		}
	}

	if n.config.SMS.Enabled && n.config.SMS.TopicARN != "" && n.alertWorthy(result.RiskLevel) {
		if err := n.sendAlert(ctx, result); err != nil {
			n.logger.Error("SNS alert failed", map[string]interface{}{
				"error": err,
				"runId": result.RunID,
			})
		}
	}
}

// alertWorthy reports whether a risk level is at or above the configured
// SNS threshold.
func (n *Notifier) alertWorthy(level string) bool {
	rank := map[string]int{"Low": 0, "Medium": 1, "High": 2}
	threshold, ok := rank[n.config.SMS.RiskThreshold]
	if !ok {
		threshold = rank["High"]
	}
	return rank[level] >= threshold
}

func (n *Notifier) sendEmail(ctx context.Context, result *engine.AnalysisResult) error {
	subject := fmt.Sprintf("Credit assessment complete: applicant %s (%s risk)",
		result.ApplicantID, result.RiskLevel)
	body := fmt.Sprintf(
		"Run %s finished in %s.\n\nApplicant: %s\nRisk score: %d (%s)\nOffered rate: %.2f%%\nApproval probability: %.0f%%\nDegraded data: %t\n",
		result.RunID, result.Elapsed.Round(0), result.ApplicantID,
		result.RiskScore, result.RiskLevel, result.InterestRate,
		result.ApprovalProbability*100, result.Degraded)

	_, err := n.sesClient.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{n.config.Email.ToEmail},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(n.config.Email.FromEmail),
	})
	return err
}

func (n *Notifier) sendAlert(ctx context.Context, result *engine.AnalysisResult) error {
	message := fmt.Sprintf("High-risk assessment: applicant %s scored %d (%s), run %s",
		result.ApplicantID, result.RiskScore, result.RiskLevel, result.RunID)
	_, err := n.snsClient.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.config.SMS.TopicARN),
		Message:  aws.String(message),
	})
	return err
}
