package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&Settlement{}, &IdempotencyRecord{}))
	return NewDatabase(db)
}

// storeContract runs the behaviour every IdempotentStore must share
func storeContract(t *testing.T, newStore func(t *testing.T) IdempotentStore) {
	ctx := context.Background()

	t.Run("create initialises a pending record", func(t *testing.T) {
		store := newStore(t)

		s, err := store.Create(ctx, dec("12.50"))
		require.NoError(t, err)
		require.NotEmpty(t, s.SettlementID)
		requireRecord(t, s, "12.50", StatusPending, false)
		require.Equal(t, uint64(1), s.LastSeen)
		require.Nil(t, s.LastRespondedAt)

		got, err := store.Get(ctx, s.SettlementID)
		require.NoError(t, err)
		require.Equal(t, s.SettlementID, got.SettlementID)
		requireRecord(t, got, "12.50", StatusPending, false)
		require.Equal(t, uint64(1), got.LastSeen)
	})

	t.Run("get unknown id", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = store.CompareAndSwap(ctx, "nope", 1, revise(dec("1")))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list returns every record", func(t *testing.T) {
		store := newStore(t)

		ids := make(map[string]bool)
		for i := 1; i <= 3; i++ {
			s, err := store.Create(ctx, dec(fmt.Sprint(i)))
			require.NoError(t, err)
			ids[s.SettlementID] = true
		}

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		for _, s := range list {
			require.True(t, ids[s.SettlementID])
		}
	})

	t.Run("compare and swap advances the token", func(t *testing.T) {
		store := newStore(t)
		s, err := store.Create(ctx, dec("100"))
		require.NoError(t, err)

		next, err := store.CompareAndSwap(ctx, s.SettlementID, 1, counter(dec("80"), time.Now()))
		require.NoError(t, err)
		requireRecord(t, next, "80", StatusDisputed, true)
		require.Equal(t, uint64(2), next.LastSeen)
		require.NotNil(t, next.LastRespondedAt)

		got, err := store.Get(ctx, s.SettlementID)
		require.NoError(t, err)
		requireRecord(t, got, "80", StatusDisputed, true)
		require.Equal(t, uint64(2), got.LastSeen)
		require.NotNil(t, got.LastRespondedAt)
	})

	t.Run("stale token leaves the record untouched", func(t *testing.T) {
		store := newStore(t)
		s, err := store.Create(ctx, dec("100"))
		require.NoError(t, err)
		_, err = store.CompareAndSwap(ctx, s.SettlementID, 1, revise(dec("110")))
		require.NoError(t, err)

		_, err = store.CompareAndSwap(ctx, s.SettlementID, 1, revise(dec("120")))
		require.ErrorIs(t, err, ErrConflict)

		got, err := store.Get(ctx, s.SettlementID)
		require.NoError(t, err)
		requireRecord(t, got, "110", StatusPending, false)
		require.Equal(t, uint64(2), got.LastSeen)
	})

	t.Run("failed mutation leaves the record untouched", func(t *testing.T) {
		store := newStore(t)
		s, err := store.Create(ctx, dec("100"))
		require.NoError(t, err)
		_, err = store.CompareAndSwap(ctx, s.SettlementID, 1, counter(dec("90"), time.Now()))
		require.NoError(t, err)

		_, err = store.CompareAndSwap(ctx, s.SettlementID, 2, counter(dec("70"), time.Now()))
		require.ErrorIs(t, err, ErrTurn)

		got, err := store.Get(ctx, s.SettlementID)
		require.NoError(t, err)
		requireRecord(t, got, "90", StatusDisputed, true)
		require.Equal(t, uint64(2), got.LastSeen)
	})

	t.Run("agreed records are terminal", func(t *testing.T) {
		store := newStore(t)
		s, err := store.Create(ctx, dec("100"))
		require.NoError(t, err)
		_, err = store.CompareAndSwap(ctx, s.SettlementID, 1, accept(time.Now()))
		require.NoError(t, err)

		_, err = store.CompareAndSwap(ctx, s.SettlementID, 2, revise(dec("1")))
		require.ErrorIs(t, err, ErrTerminalState)
	})

	t.Run("concurrent swaps on one token", func(t *testing.T) {
		store := newStore(t)
		s, err := store.Create(ctx, dec("100"))
		require.NoError(t, err)

		const racers = 8
		errs := make([]error, racers)
		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = store.CompareAndSwap(ctx, s.SettlementID, 1, revise(dec(fmt.Sprint(200+i))))
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			require.ErrorIs(t, err, ErrConflict)
		}
		require.Equal(t, 1, wins)

		got, err := store.Get(ctx, s.SettlementID)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.LastSeen)
	})

	t.Run("idempotent create replays by key", func(t *testing.T) {
		store := newStore(t)

		first, replayed, err := store.CreateIdempotent(ctx, dec("10"), "abc")
		require.NoError(t, err)
		require.False(t, replayed)

		again, replayed, err := store.CreateIdempotent(ctx, dec("10.00"), "abc")
		require.NoError(t, err)
		require.True(t, replayed)
		require.Equal(t, first.SettlementID, again.SettlementID)

		other, replayed, err := store.CreateIdempotent(ctx, dec("20"), "def")
		require.NoError(t, err)
		require.False(t, replayed)
		require.NotEqual(t, first.SettlementID, other.SettlementID)
	})

	t.Run("idempotent create rejects a different amount under a used key", func(t *testing.T) {
		store := newStore(t)

		first, _, err := store.CreateIdempotent(ctx, dec("10"), "abc")
		require.NoError(t, err)

		got, replayed, err := store.CreateIdempotent(ctx, dec("20"), "abc")
		require.ErrorIs(t, err, ErrValidation)
		require.Equal(t, CodeValidation, CodeOf(err))
		require.False(t, replayed)
		require.Nil(t, got)

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.True(t, dec("10").Equal(list[0].Amount))
		require.Equal(t, first.SettlementID, list[0].SettlementID)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(*testing.T) IdempotentStore { return NewMemoryStore() })
}

func TestDatabase(t *testing.T) {
	storeContract(t, func(t *testing.T) IdempotentStore { return newTestDatabase(t) })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s, err := store.Create(ctx, dec("100"))
	require.NoError(t, err)
	s.Status = StatusAgreed

	got, err := store.Get(ctx, s.SettlementID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestMemoryStoreIdempotencyKeyExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	first, _, err := store.CreateIdempotent(ctx, dec("10"), "key")
	require.NoError(t, err)

	now = now.Add(idempotencyTTL + time.Second)
	second, replayed, err := store.CreateIdempotent(ctx, dec("10"), "key")
	require.NoError(t, err)
	require.False(t, replayed)
	require.NotEqual(t, first.SettlementID, second.SettlementID)
}

func TestMemoryStoreSweepsExpiredIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	for _, key := range []string{"a", "b", "c"} {
		_, _, err := store.CreateIdempotent(ctx, dec("10"), key)
		require.NoError(t, err)
	}
	require.Len(t, store.idempotency, 3)

	now = now.Add(idempotencyTTL + time.Second)
	_, _, err := store.CreateIdempotent(ctx, dec("10"), "d")
	require.NoError(t, err)
	require.Len(t, store.idempotency, 1)
	require.Contains(t, store.idempotency, "d")

	// Settlements outlive their keys.
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)
}

func TestDatabaseCountByStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestDatabase(t)

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, dec("10"))
		require.NoError(t, err)
	}
	s, err := store.Create(ctx, dec("10"))
	require.NoError(t, err)
	_, err = store.CompareAndSwap(ctx, s.SettlementID, 1, accept(time.Now()))
	require.NoError(t, err)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), counts[StatusPending])
	require.Equal(t, int64(1), counts[StatusAgreed])
	require.Zero(t, counts[StatusDisputed])
}

func TestGuardCheckOrder(t *testing.T) {
	var g Guard
	agreed := NewSettlement("id", dec("1"), time.Now())
	agreed.Status = StatusAgreed
	agreed.LastSeen = 4

	require.ErrorIs(t, g.Check(agreed, 1), ErrTerminalState)
	require.ErrorIs(t, g.Check(agreed, 4), ErrTerminalState)

	pending := NewSettlement("id", dec("1"), time.Now())
	require.ErrorIs(t, g.Check(pending, 2), ErrConflict)
	require.NoError(t, g.Check(pending, 1))
}

func TestGuardNextDoesNotTouchCurrent(t *testing.T) {
	var g Guard
	current := NewSettlement("id", dec("5"), time.Now())

	next, err := g.Next(current, 1, func(s *Settlement) error {
		s.SettlementID = "rewritten"
		s.LastSeen = 99
		return revise(dec("6"))(s)
	})
	require.NoError(t, err)
	require.Equal(t, "id", next.SettlementID)
	require.Equal(t, uint64(2), next.LastSeen)
	require.True(t, dec("6").Equal(next.Amount))

	require.Equal(t, uint64(1), current.LastSeen)
	require.True(t, dec("5").Equal(current.Amount))
}
