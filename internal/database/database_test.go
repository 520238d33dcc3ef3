package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-negotiation/internal/settlement"
)

func TestNewDatabaseMigrates(t *testing.T) {
	db, err := NewDatabase(":memory:")
	require.NoError(t, err)

	require.True(t, db.Migrator().HasTable(&settlement.Settlement{}))
	require.True(t, db.Migrator().HasTable(&settlement.IdempotencyRecord{}))
	require.True(t, db.Migrator().HasIndex(&settlement.Settlement{}, "Status"))

	store := settlement.NewDatabase(db)
	created, err := store.Create(context.Background(), decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, settlement.StatusPending, created.Status)
}

func TestNewDatabaseDropsExpiredIdempotencyKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlements.db")

	db, err := NewDatabase(path)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, db.Create(&settlement.IdempotencyRecord{IdempotencyKey: "old", SettlementID: "a", ExpiresAt: now.Add(-time.Hour), CreatedAt: now}).Error)
	require.NoError(t, db.Create(&settlement.IdempotencyRecord{IdempotencyKey: "new", SettlementID: "b", ExpiresAt: now.Add(time.Hour), CreatedAt: now}).Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	reopened, err := NewDatabase(path)
	require.NoError(t, err)

	var keys []string
	require.NoError(t, reopened.Model(&settlement.IdempotencyRecord{}).Pluck("idempotency_key", &keys).Error)
	require.Equal(t, []string{"new"}, keys)
}
