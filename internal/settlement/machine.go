package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// The transitions below run inside a store's compare-and-swap, after the
// guard has rejected agreed records and stale tokens.

// revise is the proposer's edit. It is legal from pending (free resubmission)
// and from disputed (answering a counter offer), and always hands the turn
// back to the counterparty.
func revise(amount decimal.Decimal) Mutation {
	return func(s *Settlement) error {
		s.Amount = amount
		s.Status = StatusPending
		s.CounterOffered = false
		return nil
	}
}

// counter is the counterparty's counter offer. Only one may be outstanding.
func counter(amount decimal.Decimal, now time.Time) Mutation {
	return func(s *Settlement) error {
		if s.CounterOffered {
			return turnError(s.SettlementID)
		}
		s.Amount = amount
		s.Status = StatusDisputed
		s.CounterOffered = true
		s.LastRespondedAt = &now
		return nil
	}
}

// accept closes the negotiation at the current amount
func accept(now time.Time) Mutation {
	return func(s *Settlement) error {
		s.Status = StatusAgreed
		s.CounterOffered = false
		s.LastRespondedAt = &now
		return nil
	}
}

// Amount bounds. The exponent and digit checks must run before anything
// formats or rescales the value.
const (
	maxAmountScale    = 4
	maxAmountDigits   = 18
	maxAmountExponent = maxAmountDigits
)

// maxAmount leaves room for maxAmountScale decimal places within
// maxAmountDigits significant digits
var maxAmount = decimal.New(1, maxAmountDigits-maxAmountScale)

func validateAmount(field string, amount decimal.Decimal) error {
	if exp := amount.Exponent(); exp > maxAmountExponent || exp < -maxAmountExponent {
		return validationError("%s is out of range", field)
	}
	if amount.NumDigits() > 2*maxAmountDigits {
		return validationError("%s has too many digits", field)
	}
	if !amount.IsPositive() {
		return validationError("%s must be greater than zero, got %s", field, amount.String())
	}
	if !amount.Truncate(maxAmountScale).Equal(amount) {
		return validationError("%s must have at most %d decimal places", field, maxAmountScale)
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return validationError("%s must be less than %s", field, maxAmount.String())
	}
	return nil
}
