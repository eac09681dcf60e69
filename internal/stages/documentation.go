package stages

import (
	"context"
	"time"

	"github.com/google/uuid"

	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/engine"
	"credit-risk-engine/internal/pool"
)

// ComplianceItem is one line of the regulatory checklist.
type ComplianceItem struct {
	Requirement string `json:"requirement"`
	Satisfied   bool   `json:"satisfied"`
}

// LoanPackage is the documentation stage output: the document set and
// compliance checklist a loan officer needs to process the application.
type LoanPackage struct {
	PackageID           string           `json:"packageId"`
	ApplicantID         string           `json:"applicantId"`
	LoanType            string           `json:"loanType"`
	RequiredDocuments   []string         `json:"requiredDocuments"`
	ComplianceChecklist []ComplianceItem `json:"complianceChecklist"`
	ComplianceStatus    string           `json:"complianceStatus"`
	PreparedAt          time.Time        `json:"preparedAt"`
}

// ArtifactRef satisfies engine.Artifact.
func (p *LoanPackage) ArtifactRef() string { return "package/" + p.PackageID }

// DocumentationStage assembles the loan package from the risk assessment.
type DocumentationStage struct {
	logger logger.Logger
}

func NewDocumentationStage(log logger.Logger) *DocumentationStage {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &DocumentationStage{logger: log}
}

func (s *DocumentationStage) Name() string { return StageDocumentation }

func (s *DocumentationStage) DependsOn() []string {
	return []string{StageRiskAnalysis}
}

func (s *DocumentationStage) Run(ctx context.Context, sc *engine.StageContext, _ *pool.Pool) (interface{}, error) {
	assessment, err := dependencyOutput[*RiskAssessment](sc, s.Name(), StageRiskAnalysis)
	if err != nil {
		return nil, err
	}

	input := sc.Input()
	pkg := &LoanPackage{
		PackageID:         uuid.New().String(),
		ApplicantID:       input.ApplicantID,
		LoanType:          input.LoanType,
		RequiredDocuments: requiredDocuments(input.LoanType, assessment),
		PreparedAt:        time.Now().UTC(),
	}

	checklist := []ComplianceItem{
		{Requirement: "identity_verification", Satisfied: true},
		{Requirement: "income_verification", Satisfied: true},
		{Requirement: "credit_disclosure_delivered", Satisfied: true},
		{Requirement: "manual_underwriting_review", Satisfied: assessment.RiskLevel != "High"},
	}
	pkg.ComplianceChecklist = checklist
	pkg.ComplianceStatus = complianceStatus(checklist)

	s.logger.Info("loan package prepared", map[string]interface{}{
		"applicantId": input.ApplicantID,
		"packageId":   pkg.PackageID,
		"documents":   len(pkg.RequiredDocuments),
	})
	return pkg, nil
}

func requiredDocuments(loanType string, assessment *RiskAssessment) []string {
	docs := []string{
		"government_id",
		"proof_of_income",
		"bank_statements_3m",
	}
	switch loanType {
	case "mortgage":
		docs = append(docs, "property_appraisal", "homeowners_insurance_quote", "title_report")
	case "auto":
		docs = append(docs, "vehicle_purchase_agreement", "auto_insurance_quote")
	case "business":
		docs = append(docs, "business_financial_statements", "business_tax_returns_2y")
	}
	if assessment.RiskLevel == "High" {
		docs = append(docs, "additional_collateral_statement")
	}
	for _, f := range assessment.RiskFactors {
		if f.Factor == "employment_type" {
			docs = append(docs, "tax_returns_2y")
			break
		}
	}
	return docs
}

func complianceStatus(checklist []ComplianceItem) string {
	for _, item := range checklist {
		if !item.Satisfied {
			return "pending_review"
		}
	}
	return "complete"
}
