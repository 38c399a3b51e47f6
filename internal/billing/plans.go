// Package billing implements the webhook reconciliation pipeline and the
// credit economy: the ingestion gate, the subscription lifecycle state
// machine, the period allocation guard, and the credit ledger operations
// consumed by the generation pipeline.
package billing

import (
	"fmt"

	"roomio/internal/types"
)

type planKey struct {
	plan   types.PlanID
	period types.BillingPeriod
}

// PlanCatalog resolves a plan and billing period to the credit batch size
// allocated per period. Pure lookup, no side effects.
type PlanCatalog struct {
	credits map[planKey]int64
}

// DefaultPlanCatalog returns the production plan table. Yearly batches are
// twelve monthly batches granted up front.
func DefaultPlanCatalog() *PlanCatalog {
	return &PlanCatalog{credits: map[planKey]int64{
		{types.PlanBasic, types.PeriodMonthly}:  2000,
		{types.PlanBasic, types.PeriodYearly}:   24000,
		{types.PlanPro, types.PeriodMonthly}:    5000,
		{types.PlanPro, types.PeriodYearly}:     60000,
		{types.PlanStudio, types.PeriodMonthly}: 8000,
		{types.PlanStudio, types.PeriodYearly}:  96000,
	}}
}

// Credits returns the per-period credit batch for the given plan and
// period, or a validation error when the combination is not sold.
func (c *PlanCatalog) Credits(plan types.PlanID, period types.BillingPeriod) (int64, error) {
	credits, ok := c.credits[planKey{plan, period}]
	if !ok {
		return 0, types.NewAppError(
			types.ErrCodeValidationMissingField,
			fmt.Sprintf("unknown plan %q with billing period %q", plan, period),
			nil,
		)
	}
	return credits, nil
}
