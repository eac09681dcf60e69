package store

import (
	"context"
	"time"

	"credit-risk-engine/internal/pool"
)

// CustomerProfile is the identity and employment slice of a customer record.
type CustomerProfile struct {
	CustomerID     string `json:"customerId"`
	Name           string `json:"name"`
	Age            int    `json:"age"`
	EmploymentType string `json:"employmentType"`
	YearsEmployed  int    `json:"yearsEmployed"`
	Region         string `json:"region"`
}

// FinancialSummary aggregates a customer's financial records.
type FinancialSummary struct {
	CustomerID       string  `json:"customerId"`
	AnnualIncome     float64 `json:"annualIncome"`
	MonthlyExpenses  float64 `json:"monthlyExpenses"`
	ExistingDebt     float64 `json:"existingDebt"`
	SavingsBalance   float64 `json:"savingsBalance"`
	CreditUtilization float64 `json:"creditUtilization"`
}

// CreditHistory is the bureau-style slice of a customer record.
type CreditHistory struct {
	CustomerID      string `json:"customerId"`
	CreditScore     int    `json:"creditScore"`
	OpenAccounts    int    `json:"openAccounts"`
	LatePayments24M int    `json:"latePayments24m"`
	Delinquencies   int    `json:"delinquencies"`
	OldestAccountYr int    `json:"oldestAccountYears"`
}

// MarketData is the latest market snapshot used for rate benchmarks.
type MarketData struct {
	Date            time.Time `json:"date"`
	FedFundsRate    float64   `json:"fedFundsRate"`
	PrimeRate       float64   `json:"primeRate"`
	Treasury10Yr    float64   `json:"treasury10yr"`
	RiskEnvironment string    `json:"riskEnvironment"`
}

// GetCustomerProfile fetches one customer's profile over a leased handle.
func GetCustomerProfile(ctx context.Context, conn pool.Conn, customerID string) (*CustomerProfile, error) {
	var p CustomerProfile
	err := conn.QueryRowContext(ctx, `
		SELECT customer_id, name, age, employment_type, years_employed, region
		FROM customers
		WHERE customer_id = $1`, customerID).Scan(
		&p.CustomerID, &p.Name, &p.Age,
		&p.EmploymentType, &p.YearsEmployed, &p.Region,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetFinancialSummary aggregates the customer's financial records.
func GetFinancialSummary(ctx context.Context, conn pool.Conn, customerID string) (*FinancialSummary, error) {
	var s FinancialSummary
	err := conn.QueryRowContext(ctx, `
		SELECT customer_id, annual_income, monthly_expenses,
		       existing_debt, savings_balance, credit_utilization
		FROM financial_records
		WHERE customer_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1`, customerID).Scan(
		&s.CustomerID, &s.AnnualIncome, &s.MonthlyExpenses,
		&s.ExistingDebt, &s.SavingsBalance, &s.CreditUtilization,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetCreditHistory fetches the customer's credit history slice.
func GetCreditHistory(ctx context.Context, conn pool.Conn, customerID string) (*CreditHistory, error) {
	var h CreditHistory
	err := conn.QueryRowContext(ctx, `
		SELECT customer_id, credit_score, open_accounts,
		       late_payments_24m, delinquencies, oldest_account_years
		FROM credit_history
		WHERE customer_id = $1`, customerID).Scan(
		&h.CustomerID, &h.CreditScore, &h.OpenAccounts,
		&h.LatePayments24M, &h.Delinquencies, &h.OldestAccountYr,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetLatestMarketData fetches the most recent market snapshot.
func GetLatestMarketData(ctx context.Context, conn pool.Conn) (*MarketData, error) {
	var m MarketData
	err := conn.QueryRowContext(ctx, `
		SELECT date, fed_funds_rate, prime_rate, treasury_10yr, risk_environment
		FROM market_data
		WHERE date = (SELECT MAX(date) FROM market_data)`).Scan(
		&m.Date, &m.FedFundsRate, &m.PrimeRate, &m.Treasury10Yr, &m.RiskEnvironment,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
