package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database is the GORM backed Store. Swaps are conditional updates on the
// revision token, so no row lock is held between read and write.
type Database struct {
	db    *gorm.DB
	guard Guard
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Get(ctx context.Context, id string) (*Settlement, error) {
	var settlement Settlement
	if err := d.db.WithContext(ctx).Where("settlement_id = ?", id).First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundError(id)
		}
		return nil, fmt.Errorf("failed to fetch settlement: %w", err)
	}
	return &settlement, nil
}

func (d *Database) List(ctx context.Context) ([]Settlement, error) {
	var settlements []Settlement
	if err := d.db.WithContext(ctx).Find(&settlements).Error; err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return settlements, nil
}

func (d *Database) Create(ctx context.Context, amount decimal.Decimal) (*Settlement, error) {
	settlement := NewSettlement(uuid.New().String(), amount, time.Now())
	if err := d.db.WithContext(ctx).Create(settlement).Error; err != nil {
		return nil, fmt.Errorf("failed to create settlement: %w", err)
	}
	return settlement, nil
}

// CreateIdempotent creates the settlement and its idempotency record in one
// transaction
func (d *Database) CreateIdempotent(ctx context.Context, amount decimal.Decimal, key string) (*Settlement, bool, error) {
	var (
		result   *Settlement
		replayed bool
		mismatch bool
	)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record IdempotencyRecord
		err := tx.Where("idempotency_key = ?", key).First(&record).Error
		switch {
		case err == nil && record.ExpiresAt.After(time.Now()):
			if !replayMatches(record.Amount, amount) {
				mismatch = true
				return nil
			}
			var existing Settlement
			if err := tx.Where("settlement_id = ?", record.SettlementID).First(&existing).Error; err != nil {
				return fmt.Errorf("failed to fetch replayed settlement: %w", err)
			}
			result, replayed = &existing, true
			return nil
		case err == nil:
			// Expired; the key may be reused.
			if err := tx.Delete(&record).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		now := time.Now()
		settlement := NewSettlement(uuid.New().String(), amount, now)
		if err := tx.Create(settlement).Error; err != nil {
			return err
		}
		if err := tx.Create(&IdempotencyRecord{
			IdempotencyKey: key,
			SettlementID:   settlement.SettlementID,
			Amount:         amount.String(),
			ExpiresAt:      now.Add(idempotencyTTL),
			CreatedAt:      now,
		}).Error; err != nil {
			return err
		}
		result = settlement
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create settlement with idempotency key: %w", err)
	}
	if mismatch {
		return nil, false, idempotencyMismatchError(key)
	}
	return result, replayed, nil
}

func (d *Database) CompareAndSwap(ctx context.Context, id string, expected uint64, mutate Mutation) (*Settlement, error) {
	current, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := d.guard.Next(current, expected, mutate)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()

	result := d.db.WithContext(ctx).Model(&Settlement{}).
		Where("settlement_id = ? AND last_seen = ?", id, current.LastSeen).
		Updates(map[string]interface{}{
			"amount":            next.Amount,
			"status":            next.Status,
			"counter_offered":   next.CounterOffered,
			"last_seen":         next.LastSeen,
			"last_responded_at": next.LastRespondedAt,
			"updated_at":        next.UpdatedAt,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update settlement: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Lost the race after our read; report what won.
		latest, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := d.guard.Check(latest, expected); err != nil {
			return nil, err
		}
		return nil, ConflictError(expected, latest.LastSeen)
	}

	return next, nil
}

// CountByStatus returns the number of settlements in each status
func (d *Database) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status Status
		Count  int64
	}
	if err := d.db.WithContext(ctx).Model(&Settlement{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count settlements: %w", err)
	}

	counts := make(map[Status]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
