package pricing

import (
	"context"

	"github.com/google/uuid"
	"github.com/ticketmint/ticket-engine/internal/domain"
)

type RuleOutcome string

const (
	RulePass RuleOutcome = "PASS"
	RuleWarn RuleOutcome = "WARN"
	RuleFail RuleOutcome = "FAIL"
)

// Built-in rule codes, in evaluation order.
const (
	RuleTypeNotFound   = "TYPE_NOT_FOUND"
	RuleTypeStatus     = "TYPE_NOT_SELLABLE"
	RuleSaleWindow     = "SALE_WINDOW"
	RuleQuantityBounds = "QUANTITY_BOUNDS"
	RuleAvailability   = "AVAILABILITY"
	RuleCustomerLimit  = "CUSTOMER_LIMIT"
)

type RuleResult struct {
	Code    string
	Outcome RuleOutcome
	Detail  string
}

type EligibilityRequest struct {
	Type       domain.TicketType
	Quantity   int
	CustomerID uuid.UUID
}

// RestrictionRule is a pluggable restriction (age, location, membership
// and so on). Rules are independent: each returns pass, warn or fail
// and evaluation never short-circuits.
type RestrictionRule interface {
	Code() string
	Evaluate(ctx context.Context, req EligibilityRequest) RuleResult
}

// RuleFunc adapts a function to RestrictionRule.
type RuleFunc struct {
	RuleCode string
	Fn       func(ctx context.Context, req EligibilityRequest) RuleResult
}

func (r RuleFunc) Code() string { return r.RuleCode }

func (r RuleFunc) Evaluate(ctx context.Context, req EligibilityRequest) RuleResult {
	return r.Fn(ctx, req)
}
