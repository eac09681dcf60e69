package stages

import (
	"context"
	"math"
	"strconv"
	"time"

	"credit-risk-engine/internal/common/errors"
	"credit-risk-engine/internal/common/logger"
	"credit-risk-engine/internal/engine"
	"credit-risk-engine/internal/pool"
	"credit-risk-engine/internal/store"
)

// RiskFactor is one additive component of the risk score, kept so the
// documentation and reporting stages can explain the decision.
type RiskFactor struct {
	Factor string `json:"factor"`
	Value  string `json:"value"`
	Weight int    `json:"weight"`
}

// RiskAssessment is the risk-analysis output and the run's summary source.
type RiskAssessment struct {
	ApplicantID         string       `json:"applicantId"`
	RiskScore           int          `json:"riskScore"`
	RiskLevel           string       `json:"riskLevel"`
	RiskFactors         []RiskFactor `json:"riskFactors"`
	RegulatoryFlags     []string     `json:"regulatoryFlags,omitempty"`
	DTIRatio            float64      `json:"dtiRatio"`
	InterestRate        float64      `json:"interestRate"`
	ApprovalProbability float64      `json:"approvalProbability"`
	Confidence          float64      `json:"confidence"`
	AnalyzedAt          time.Time    `json:"analyzedAt"`
}

// RiskSummary satisfies engine.RiskSummarizer.
func (a *RiskAssessment) RiskSummary() (int, string, float64, float64) {
	return a.RiskScore, a.RiskLevel, a.InterestRate, a.ApprovalProbability
}

// RiskAnalysisStage scores the application from the four collected data
// sets. It is pure computation and never touches the pool.
type RiskAnalysisStage struct {
	logger logger.Logger
}

func NewRiskAnalysisStage(log logger.Logger) *RiskAnalysisStage {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &RiskAnalysisStage{logger: log}
}

func (s *RiskAnalysisStage) Name() string { return StageRiskAnalysis }

func (s *RiskAnalysisStage) DependsOn() []string {
	return []string{StageCustomerProfile, StageFinancialSummary, StageCreditHistory, StageMarketData}
}

func (s *RiskAnalysisStage) Run(ctx context.Context, sc *engine.StageContext, _ *pool.Pool) (interface{}, error) {
	profile, err := dependencyOutput[*store.CustomerProfile](sc, s.Name(), StageCustomerProfile)
	if err != nil {
		return nil, err
	}
	financial, err := dependencyOutput[*store.FinancialSummary](sc, s.Name(), StageFinancialSummary)
	if err != nil {
		return nil, err
	}
	credit, err := dependencyOutput[*store.CreditHistory](sc, s.Name(), StageCreditHistory)
	if err != nil {
		return nil, err
	}
	market, err := dependencyOutput[*store.MarketData](sc, s.Name(), StageMarketData)
	if err != nil {
		return nil, err
	}

	input := sc.Input()
	dti := debtToIncomeRatio(financial)

	score := 0
	var factors []RiskFactor
	addFactor := func(name, value string, weight int) {
		score += weight
		factors = append(factors, RiskFactor{Factor: name, Value: value, Weight: weight})
	}

	switch {
	case dti > 40:
		addFactor("debt_to_income", formatPercent(dti), 30)
	case dti > 30:
		addFactor("debt_to_income", formatPercent(dti), 15)
	}

	switch {
	case credit.CreditScore < 600:
		addFactor("credit_score", strconv.Itoa(credit.CreditScore), 40)
	case credit.CreditScore < 650:
		addFactor("credit_score", strconv.Itoa(credit.CreditScore), 20)
	}

	if market.RiskEnvironment == "high" {
		addFactor("market_conditions", market.RiskEnvironment, 25)
	}

	if profile.EmploymentType == "self-employed" || profile.EmploymentType == "contractor" {
		addFactor("employment_type", profile.EmploymentType, 15)
	}

	assessment := &RiskAssessment{
		ApplicantID:         input.ApplicantID,
		RiskScore:           score,
		RiskLevel:           riskLevel(score),
		RiskFactors:         factors,
		RegulatoryFlags:     regulatoryFlags(input.LoanAmount, credit.CreditScore, dti),
		DTIRatio:            round2(dti),
		InterestRate:        interestRate(market.PrimeRate, credit.CreditScore, input.LoanType),
		ApprovalProbability: approvalProbability(credit.CreditScore),
		Confidence:          confidence(profile, financial, credit, market),
		AnalyzedAt:          time.Now().UTC(),
	}

	s.logger.Info("risk assessment computed", map[string]interface{}{
		"applicantId": input.ApplicantID,
		"riskScore":   assessment.RiskScore,
		"riskLevel":   assessment.RiskLevel,
	})
	return assessment, nil
}

// debtToIncomeRatio is monthly obligations over monthly income, as a
// percentage. Zero income is treated as maximally indebted.
func debtToIncomeRatio(f *store.FinancialSummary) float64 {
	monthlyIncome := f.AnnualIncome / 12
	if monthlyIncome <= 0 {
		return 100
	}
	monthlyDebtService := f.ExistingDebt / 12
	return (f.MonthlyExpenses + monthlyDebtService) / monthlyIncome * 100
}

func riskLevel(score int) string {
	switch {
	case score >= 70:
		return "High"
	case score >= 40:
		return "Medium"
	default:
		return "Low"
	}
}

// interestRate prices the loan off the prime rate: a credit-tier premium
// plus a loan-type adjustment.
func interestRate(primeRate float64, creditScore int, loanType string) float64 {
	var premium float64
	switch {
	case creditScore >= 800:
		premium = 0.5
	case creditScore >= 700:
		premium = 1.0
	case creditScore >= 600:
		premium = 2.0
	default:
		premium = 3.5
	}

	adjustment := 1.0
	switch loanType {
	case "personal":
		adjustment = 2.0
	case "auto":
		adjustment = 1.5
	case "mortgage":
		adjustment = 0.5
	case "business":
		adjustment = 2.5
	}

	return round2(primeRate + premium + adjustment)
}

// regulatoryFlags marks conditions that require manual review regardless
// of the computed score.
func regulatoryFlags(loanAmount float64, creditScore int, dti float64) []string {
	var flags []string
	if loanAmount > 100000 && creditScore < 650 {
		flags = append(flags, "high_value_loan_subprime_credit")
	}
	if dti > 50 {
		flags = append(flags, "dti_exceeds_guideline")
	}
	return flags
}

// confidence scales with how much of the collected data carries usable
// values. Stale-cache fallbacks can leave fields zeroed.
func confidence(p *store.CustomerProfile, f *store.FinancialSummary, c *store.CreditHistory, m *store.MarketData) float64 {
	populated := 0
	if p.EmploymentType != "" {
		populated++
	}
	if f.AnnualIncome > 0 {
		populated++
	}
	if c.CreditScore > 0 {
		populated++
	}
	if m.PrimeRate > 0 {
		populated++
	}
	return round2(math.Min(0.95, 0.7+float64(populated)/4*0.25))
}

func approvalProbability(creditScore int) float64 {
	switch {
	case creditScore >= 750:
		return 0.95
	case creditScore >= 650:
		return 0.80
	case creditScore >= 550:
		return 0.60
	default:
		return 0.30
	}
}

// dependencyOutput reads and type-asserts a dependency's published output.
// A missing or mistyped output is a wiring bug, never retried.
func dependencyOutput[T any](sc *engine.StageContext, stage, dependency string) (T, error) {
	var zero T
	v, ok := sc.Output(dependency)
	if !ok {
		return zero, errors.NewMissingDependencyError(stage, dependency)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errors.NewMissingDependencyError(stage, dependency)
	}
	return typed, nil
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(round2(v), 'f', -1, 64) + "%"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
