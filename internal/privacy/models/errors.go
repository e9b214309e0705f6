package models

import "fmt"

// BudgetExceededError reports a rejected reservation together with the budget
// the subject still has, so callers can surface the reset position without a
// second read. Stores wrap it with CodeBudgetExceeded.
type BudgetExceededError struct {
	Remaining float64
	Requested float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("privacy budget exceeded: requested %.4f, remaining %.4f", e.Requested, e.Remaining)
}
