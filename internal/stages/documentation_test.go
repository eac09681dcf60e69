package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/engine"
)

func docContext(t *testing.T, assessment *RiskAssessment, input engine.ApplicationInput) *engine.StageContext {
	t.Helper()
	sc := engine.NewStageContext("run-1", input)
	require.NoError(t, sc.Publish(StageRiskAnalysis, assessment))
	return sc
}

func runDocumentation(t *testing.T, assessment *RiskAssessment, input engine.ApplicationInput) *LoanPackage {
	t.Helper()
	stage := NewDocumentationStage(logger.NewTestLogger(t))
	out, err := stage.Run(context.Background(), docContext(t, assessment, input), nil)
	require.NoError(t, err)
	pkg, ok := out.(*LoanPackage)
	require.True(t, ok)
	return pkg
}

func TestDocumentation_BaseDocumentSet(t *testing.T) {
	input := stageInput()
	input.LoanType = "personal"

	pkg := runDocumentation(t, &RiskAssessment{RiskLevel: "Low"}, input)
	assert.NotEmpty(t, pkg.PackageID)
	assert.Equal(t, "CUST-1001", pkg.ApplicantID)
	assert.ElementsMatch(t, []string{
		"government_id", "proof_of_income", "bank_statements_3m",
	}, pkg.RequiredDocuments)
	assert.Equal(t, "complete", pkg.ComplianceStatus)
}

func TestDocumentation_LoanTypeDocuments(t *testing.T) {
	tests := []struct {
		loanType string
		expect   string
	}{
		{"mortgage", "property_appraisal"},
		{"auto", "vehicle_purchase_agreement"},
		{"business", "business_tax_returns_2y"},
	}
	for _, tt := range tests {
		t.Run(tt.loanType, func(t *testing.T) {
			input := stageInput()
			input.LoanType = tt.loanType
			pkg := runDocumentation(t, &RiskAssessment{RiskLevel: "Low"}, input)
			assert.Contains(t, pkg.RequiredDocuments, tt.expect)
		})
	}
}

func TestDocumentation_HighRiskRequiresMore(t *testing.T) {
	assessment := &RiskAssessment{
		RiskLevel: "High",
		RiskFactors: []RiskFactor{
			{Factor: "employment_type", Value: "self-employed", Weight: 15},
		},
	}
	pkg := runDocumentation(t, assessment, stageInput())

	assert.Contains(t, pkg.RequiredDocuments, "additional_collateral_statement")
	assert.Contains(t, pkg.RequiredDocuments, "tax_returns_2y",
		"non-standard employment needs tax returns")
	assert.Equal(t, "pending_review", pkg.ComplianceStatus,
		"high risk leaves the manual underwriting item unsatisfied")
}

func TestDocumentation_ArtifactRef(t *testing.T) {
	pkg := runDocumentation(t, &RiskAssessment{RiskLevel: "Low"}, stageInput())
	assert.Equal(t, "package/"+pkg.PackageID, pkg.ArtifactRef())
}

func TestDocumentation_MissingAssessmentIsFatal(t *testing.T) {
	stage := NewDocumentationStage(logger.NewTestLogger(t))
	sc := engine.NewStageContext("run-1", stageInput())

	_, err := stage.Run(context.Background(), sc, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeMissingDependencyOutput))
}
