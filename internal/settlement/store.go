package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// idempotencyTTL bounds how long a create can be replayed by key
const idempotencyTTL = 24 * time.Hour

// Store is the durable source of truth for settlements. Implementations are
// the only writers of persisted state and never publish notifications.
type Store interface {
	// Get returns the settlement or an error matching ErrNotFound.
	Get(ctx context.Context, id string) (*Settlement, error)

	// List returns every settlement in no particular order.
	List(ctx context.Context) ([]Settlement, error)

	// Create persists a new pending settlement with LastSeen 1.
	Create(ctx context.Context, amount decimal.Decimal) (*Settlement, error)

	// CompareAndSwap applies mutate to the revision identified by expected and
	// commits it with an advanced token. Exactly one of several concurrent
	// swaps against the same token succeeds; the others get ErrConflict.
	CompareAndSwap(ctx context.Context, id string, expected uint64, mutate Mutation) (*Settlement, error)
}

// IdempotentStore is implemented by stores that can atomically record an
// Idempotency-Key alongside the settlement it creates.
type IdempotentStore interface {
	Store

	// CreateIdempotent returns the settlement previously created under key
	// with replayed set, or creates a new one.
	CreateIdempotent(ctx context.Context, amount decimal.Decimal, key string) (s *Settlement, replayed bool, err error)
}

// replayMatches reports whether a create under an existing key asks for the
// amount the key was first used with. Records without a stored amount match
// anything.
func replayMatches(recorded string, amount decimal.Decimal) bool {
	if recorded == "" {
		return true
	}
	d, err := decimal.NewFromString(recorded)
	return err == nil && d.Equal(amount)
}

// NewSettlement builds the first revision of a negotiation
func NewSettlement(id string, amount decimal.Decimal, now time.Time) *Settlement {
	return &Settlement{
		SettlementID:   id,
		Amount:         amount,
		Status:         StatusPending,
		CounterOffered: false,
		LastSeen:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
