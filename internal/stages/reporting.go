package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/engine"
	"credit-risk-engine/internal/pool"
)

// Archive persists finished reports for later search. Satisfied by
// store.ElasticsearchClient.
type Archive interface {
	IndexDocument(ctx context.Context, docID string, body []byte) error
}

// AssessmentReport is the executive summary of one assessment run.
type AssessmentReport struct {
	ReportID            string    `json:"reportId"`
	RunID               string    `json:"runId"`
	ApplicantID         string    `json:"applicantId"`
	LoanType            string    `json:"loanType"`
	LoanAmount          float64   `json:"loanAmount"`
	RiskScore           int       `json:"riskScore"`
	RiskLevel           string    `json:"riskLevel"`
	InterestRate        float64   `json:"interestRate"`
	ApprovalProbability float64   `json:"approvalProbability"`
	Confidence          float64   `json:"confidence"`
	RegulatoryFlags     []string  `json:"regulatoryFlags,omitempty"`
	Recommendation      string    `json:"recommendation"`
	Highlights          []string  `json:"highlights"`
	NextSteps           []string  `json:"nextSteps"`
	PackageRef          string    `json:"packageRef"`
	GeneratedAt         time.Time `json:"generatedAt"`
}

// ArtifactRef satisfies engine.Artifact.
func (r *AssessmentReport) ArtifactRef() string { return "report/" + r.ReportID }

// ReportingStage writes the executive summary and archives it. A nil
// archive skips archival, keeping the stage usable without a search
// backend.
type ReportingStage struct {
	archive Archive
	logger  logger.Logger
}

func NewReportingStage(archive Archive, log logger.Logger) *ReportingStage {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &ReportingStage{archive: archive, logger: log}
}

func (s *ReportingStage) Name() string { return StageReporting }

func (s *ReportingStage) DependsOn() []string {
	return []string{StageRiskAnalysis, StageDocumentation}
}

func (s *ReportingStage) Run(ctx context.Context, sc *engine.StageContext, _ *pool.Pool) (interface{}, error) {
	assessment, err := dependencyOutput[*RiskAssessment](sc, s.Name(), StageRiskAnalysis)
	if err != nil {
		return nil, err
	}
	pkg, err := dependencyOutput[*LoanPackage](sc, s.Name(), StageDocumentation)
	if err != nil {
		return nil, err
	}

	input := sc.Input()
	report := &AssessmentReport{
		ReportID:            uuid.New().String(),
		RunID:               sc.RunID(),
		ApplicantID:         input.ApplicantID,
		LoanType:            input.LoanType,
		LoanAmount:          input.LoanAmount,
		RiskScore:           assessment.RiskScore,
		RiskLevel:           assessment.RiskLevel,
		InterestRate:        assessment.InterestRate,
		ApprovalProbability: assessment.ApprovalProbability,
		Confidence:          assessment.Confidence,
		RegulatoryFlags:     assessment.RegulatoryFlags,
		Recommendation:      recommendation(assessment),
		Highlights:          highlights(assessment, pkg),
		NextSteps:           nextSteps(assessment),
		PackageRef:          pkg.ArtifactRef(),
		GeneratedAt:         time.Now().UTC(),
	}

	if s.archive != nil {
		body, merr := json.Marshal(report)
		if merr != nil {
			return nil, errors.NewFatalStageError(errors.ErrCodeReportIndexFailed,
				fmt.Errorf("encode report %s: %w", report.ReportID, merr))
		}
		if ierr := s.archive.IndexDocument(ctx, report.ReportID, body); ierr != nil {
			return nil, errors.NewRetryableStageError(errors.ErrCodeReportIndexFailed, ierr)
		}
	}

	s.logger.Info("assessment report generated", map[string]interface{}{
		"applicantId":    input.ApplicantID,
		"reportId":       report.ReportID,
		"recommendation": report.Recommendation,
	})
	return report, nil
}

func recommendation(a *RiskAssessment) string {
	switch a.RiskLevel {
	case "Low":
		return "approve_standard_terms"
	case "Medium":
		return "approve_adjusted_terms"
	default:
		return "refer_manual_review"
	}
}

func highlights(a *RiskAssessment, pkg *LoanPackage) []string {
	hs := []string{
		fmt.Sprintf("risk score %d (%s)", a.RiskScore, a.RiskLevel),
		fmt.Sprintf("offered rate %.2f%%", a.InterestRate),
		fmt.Sprintf("approval probability %.0f%%", a.ApprovalProbability*100),
	}
	for _, f := range a.RiskFactors {
		hs = append(hs, fmt.Sprintf("factor: %s=%s (+%d)", f.Factor, f.Value, f.Weight))
	}
	for _, flag := range a.RegulatoryFlags {
		hs = append(hs, "regulatory flag: "+flag)
	}
	if pkg.ComplianceStatus != "complete" {
		hs = append(hs, "compliance checklist pending review")
	}
	return hs
}

func nextSteps(a *RiskAssessment) []string {
	var steps []string
	switch a.RiskLevel {
	case "Low":
		steps = []string{"issue offer letter", "schedule closing"}
	case "Medium":
		steps = []string{"request additional documentation", "issue adjusted offer"}
	default:
		steps = []string{"route to underwriting review", "request collateral appraisal"}
	}
	if len(a.RegulatoryFlags) > 0 {
		steps = append(steps, "obtain regulatory review sign-off")
	}
	return steps
}
