package pricing

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/ticketmint/ticket-engine/internal/clock"
	"github.com/ticketmint/ticket-engine/internal/domain"
)

type Repository interface {
	GetType(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	CountCustomerPurchases(ctx context.Context, typeID, customerID uuid.UUID) (int, error)
}

// Promotions resolves promo codes to discount amounts. External
// collaborator; a zero discount means the code did not apply.
type Promotions interface {
	ResolvePromo(ctx context.Context, code string, typeID uuid.UUID, qty int) (decimal.Decimal, error)
}

type Engine struct {
	repo   Repository
	promos Promotions
	clock  clock.Clock
	rules  []RestrictionRule
}

type EngineOption func(*Engine)

// WithRules installs custom restriction rules evaluated after the
// built-in checks.
func WithRules(rules ...RestrictionRule) EngineOption {
	return func(e *Engine) {
		e.rules = append(e.rules, rules...)
	}
}

func NewEngine(repo Repository, promos Promotions, clk clock.Clock, opts ...EngineOption) *Engine {
	e := &Engine{repo: repo, promos: promos, clock: clk}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type Eligibility struct {
	Eligible bool
	Failed   []RuleResult
	Warnings []RuleResult
}

// CheckEligibility evaluates every purchase rule and collects all
// failures so the caller can render the complete error set.
func (e *Engine) CheckEligibility(ctx context.Context, typeID uuid.UUID, qty int, customerID uuid.UUID) (Eligibility, error) {
	tt, err := e.repo.GetType(ctx, typeID)
	if errors.Is(err, domain.ErrNotFound) {
		return Eligibility{Failed: []RuleResult{{
			Code: RuleTypeNotFound, Outcome: RuleFail, Detail: "ticket type does not exist",
		}}}, nil
	}
	if err != nil {
		return Eligibility{}, err
	}

	now := e.clock.Now()
	var failed, warnings []RuleResult
	fail := func(code, detail string) {
		failed = append(failed, RuleResult{Code: code, Outcome: RuleFail, Detail: detail})
	}

	if !tt.Sellable() {
		fail(RuleTypeStatus, fmt.Sprintf("type is %s", tt.Status))
	}
	if !tt.SaleOpen(now) {
		fail(RuleSaleWindow, "outside sale window")
	}
	if qty < tt.MinPurchaseQty || qty > tt.MaxPurchaseQty {
		fail(RuleQuantityBounds, fmt.Sprintf("quantity must be between %d and %d", tt.MinPurchaseQty, tt.MaxPurchaseQty))
	}
	if qty > tt.AvailableQuantity {
		fail(RuleAvailability, fmt.Sprintf("only %d available", tt.AvailableQuantity))
	}
	if tt.PerCustomerLimit > 0 {
		prior, err := e.repo.CountCustomerPurchases(ctx, typeID, customerID)
		if err != nil {
			return Eligibility{}, err
		}
		if prior+qty > tt.PerCustomerLimit {
			fail(RuleCustomerLimit, fmt.Sprintf("limit %d, already holds %d", tt.PerCustomerLimit, prior))
		}
	}

	req := EligibilityRequest{Type: tt, Quantity: qty, CustomerID: customerID}
	for _, rule := range e.rules {
		res := rule.Evaluate(ctx, req)
		switch res.Outcome {
		case RuleFail:
			failed = append(failed, res)
		case RuleWarn:
			warnings = append(warnings, res)
		}
	}

	return Eligibility{Eligible: len(failed) == 0, Failed: failed, Warnings: warnings}, nil
}

type LineItem struct {
	Label  string
	Amount decimal.Decimal
}

type Quote struct {
	Base      decimal.Decimal
	Fees      decimal.Decimal
	Taxes     decimal.Decimal
	Discount  decimal.Decimal
	Total     decimal.Decimal
	Breakdown []LineItem
}

// ComputePrice builds the quote for qty units. Line items stay
// unrounded; the total is rounded to two decimals exactly once and
// never goes negative.
func (e *Engine) ComputePrice(ctx context.Context, typeID uuid.UUID, qty int, promoCode string) (Quote, error) {
	if qty <= 0 {
		return Quote{}, errors.Wrap(domain.ErrInvalidInput, "quantity must be positive")
	}
	tt, err := e.repo.GetType(ctx, typeID)
	if err != nil {
		return Quote{}, err
	}

	qtyDec := decimal.NewFromInt(int64(qty))
	base := tt.UnitPrice.Mul(qtyDec)
	fees := tt.ServiceFee.Add(tt.ProcessingFee).Add(tt.FacilityFee).Mul(qtyDec)
	taxes := base.Mul(tt.TaxRate)

	discount := decimal.Zero
	breakdown := []LineItem{
		{Label: "base", Amount: base},
		{Label: "fees", Amount: fees},
		{Label: "taxes", Amount: taxes},
	}

	if tt.GroupDiscountMinQty > 0 && qty >= tt.GroupDiscountMinQty {
		group := base.Mul(tt.GroupDiscountPercent).Div(decimal.NewFromInt(100))
		discount = discount.Add(group)
		breakdown = append(breakdown, LineItem{Label: "group discount", Amount: group.Neg()})
	}

	if promoCode != "" && e.promos != nil {
		promo, err := e.promos.ResolvePromo(ctx, promoCode, typeID, qty)
		if err != nil {
			return Quote{}, errors.Wrap(domain.ErrExternalDependency, err.Error())
		}
		if promo.IsPositive() {
			discount = discount.Add(promo)
			breakdown = append(breakdown, LineItem{Label: "promo " + promoCode, Amount: promo.Neg()})
		}
	}

	total := base.Add(fees).Add(taxes).Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Quote{
		Base:      base,
		Fees:      fees,
		Taxes:     taxes,
		Discount:  discount,
		Total:     total.Round(2),
		Breakdown: breakdown,
	}, nil
}
