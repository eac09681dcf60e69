package engine

import "time"

// ApplicationInput is the immutable per-request description of a loan
// application. The orchestrator owns it for the run's lifetime.
type ApplicationInput struct {
	ApplicantID string  `json:"applicantId"`
	LoanAmount  float64 `json:"loanAmount"`
	TermMonths  int     `json:"termMonths"`
	LoanType    string  `json:"loanType"`
}

// RunStatus is the terminal state of one run. Runs are not reusable.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusSucceeded RunStatus = "SUCCEEDED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

// AnalysisResult is the final aggregate of a successful run. It exists
// only if the risk-analysis stage and all its transitive dependencies
// succeeded, and is read-only thereafter.
type AnalysisResult struct {
	RunID               string        `json:"runId"`
	ApplicantID         string        `json:"applicantId"`
	RiskScore           int           `json:"riskScore"`
	RiskLevel           string        `json:"riskLevel"`
	InterestRate        float64       `json:"interestRate"`
	ApprovalProbability float64       `json:"approvalProbability"`
	Degraded            bool          `json:"degraded"`
	Artifacts           []string      `json:"artifacts,omitempty"`
	Elapsed             time.Duration `json:"elapsed"`
	CompletedAt         time.Time     `json:"completedAt"`
}

// RiskSummarizer is implemented by the output of whichever stage carries
// the risk assessment. The engine aggregates through this interface so it
// stays agnostic of the concrete scoring model.
type RiskSummarizer interface {
	RiskSummary() (score int, level string, interestRate, approvalProbability float64)
}

// Artifact is implemented by stage outputs that produced an external
// document or report; its reference is carried into the result.
type Artifact interface {
	ArtifactRef() string
}
