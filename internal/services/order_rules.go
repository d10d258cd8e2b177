package services

import (
	"fmt"
	"math"
	"time"

	"github.com/tablesync/orderengine/internal/domain"
)

// Rule names reported in BusinessRuleViolation.
const (
	RuleCreateOrder   = "create_order"
	RuleModifyOrder   = "modify_order"
	RuleCancelOrder   = "cancel_order"
	RuleRefundOrder   = "refund_order"
	RuleServeOrder    = "serve_order"
	RulePaymentAmount = "payment_amount"
)

// RulePolicy carries the configurable knobs consulted by OrderRules.
type RulePolicy struct {
	RefundWindow       time.Duration
	PartialRefundRatio float64
	TaxRate            float64
	MaxPaymentAmount   float64
}

// DefaultRulePolicy returns the house defaults: a seven day refund window, half refunds afterwards and 18% tax.
func DefaultRulePolicy() RulePolicy {
	return RulePolicy{
		RefundWindow:       7 * 24 * time.Hour,
		PartialRefundRatio: 0.5,
		TaxRate:            0.18,
		MaxPaymentAmount:   1_000_000,
	}
}

// OrderRules evaluates business preconditions. Results depend only on the inputs, the policy and the clock.
type OrderRules struct {
	policy RulePolicy
	clock  func() time.Time
}

// NewOrderRules builds an evaluator. Zero policy fields fall back to DefaultRulePolicy.
func NewOrderRules(policy RulePolicy, clock func() time.Time) OrderRules {
	defaults := DefaultRulePolicy()
	if policy.RefundWindow <= 0 {
		policy.RefundWindow = defaults.RefundWindow
	}
	if policy.PartialRefundRatio <= 0 || policy.PartialRefundRatio > 1 {
		policy.PartialRefundRatio = defaults.PartialRefundRatio
	}
	if policy.TaxRate < 0 {
		policy.TaxRate = defaults.TaxRate
	}
	if policy.MaxPaymentAmount <= 0 {
		policy.MaxPaymentAmount = defaults.MaxPaymentAmount
	}
	if clock == nil {
		clock = time.Now
	}
	return OrderRules{policy: policy, clock: clock}
}

// Policy exposes the effective policy.
func (r OrderRules) Policy() RulePolicy {
	return r.policy
}

func (r OrderRules) CanCreateOrder(customerID int64, amount float64) (bool, string) {
	if customerID <= 0 {
		return false, "Invalid customer ID"
	}
	if amount <= 0 {
		return false, "Order amount must be positive"
	}
	return true, ""
}

func (r OrderRules) CanModifyOrder(order domain.Order) (bool, string) {
	switch order.State {
	case domain.OrderStateCreated, domain.OrderStateConfirmed:
		return true, ""
	default:
		return false, fmt.Sprintf("Cannot modify order in %s state", order.State)
	}
}

func (r OrderRules) CanCancelOrder(order domain.Order) (bool, string) {
	switch order.State {
	case domain.OrderStateServed, domain.OrderStateCancelled, domain.OrderStateRefunded:
		return false, fmt.Sprintf("Cannot cancel order in %s state", order.State)
	default:
		return true, ""
	}
}

func (r OrderRules) CanRefundOrder(order domain.Order) (bool, string) {
	if order.State != domain.OrderStateServed {
		return false, "Can only refund SERVED orders"
	}
	if !r.IsWithinRefundWindow(order) {
		return false, "Order is outside refund window"
	}
	return true, ""
}

func (r OrderRules) CanServeOrder(order domain.Order) (bool, string) {
	if order.State != domain.OrderStateReady {
		return false, "Order must be READY before serving"
	}
	return true, ""
}

// IsWithinRefundWindow reports whether the order is no older than the refund window. The boundary is inclusive.
func (r OrderRules) IsWithinRefundWindow(order domain.Order) bool {
	return r.clock().Sub(order.CreatedAt) <= r.policy.RefundWindow
}

// IsValidPaymentAmount reports whether amount is positive and within the single payment ceiling.
func (r OrderRules) IsValidPaymentAmount(amount float64) (bool, string) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return false, "Payment amount must be positive"
	}
	if amount > r.policy.MaxPaymentAmount {
		return false, fmt.Sprintf("Payment amount exceeds limit of %.2f", r.policy.MaxPaymentAmount)
	}
	return true, ""
}

// CalculateRefundAmount returns the full total inside the refund window and the partial share outside it.
func (r OrderRules) CalculateRefundAmount(order domain.Order) float64 {
	if r.IsWithinRefundWindow(order) {
		return order.TotalAmount
	}
	return roundCurrency(order.TotalAmount * r.policy.PartialRefundRatio)
}

// CalculateTotalWithTax applies the tax rate and rounds to minor currency units.
func (r OrderRules) CalculateTotalWithTax(subtotal float64) float64 {
	return roundCurrency(subtotal * (1 + r.policy.TaxRate))
}

func ruleViolation(rule string, ok bool, reason string) error {
	if ok {
		return nil
	}
	return &domain.BusinessRuleViolation{Rule: rule, Reason: reason}
}

func roundCurrency(amount float64) float64 {
	return math.Round(amount*100) / 100
}
