package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-negotiation/internal/settlement"
)

const (
	createSettlementsTable = `CREATE TABLE IF NOT EXISTS settlements (
	settlement_id     TEXT PRIMARY KEY,
	amount            TEXT NOT NULL,
	status            TEXT NOT NULL,
	counter_offered   BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen         BIGINT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	last_responded_at TIMESTAMPTZ
)`
	createStatusIndex = `CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status)`

	selectSettlement = `SELECT settlement_id,amount,status,counter_offered,last_seen,created_at,updated_at,last_responded_at
FROM settlements WHERE settlement_id=$1`
	selectSettlements = `SELECT settlement_id,amount,status,counter_offered,last_seen,created_at,updated_at,last_responded_at
FROM settlements ORDER BY created_at ASC, settlement_id ASC`
	insertSettlement = `INSERT INTO settlements(settlement_id,amount,status,counter_offered,last_seen,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7)`
	swapSettlement = `UPDATE settlements
SET amount=$3,status=$4,counter_offered=$5,last_seen=$6,updated_at=$7,last_responded_at=$8
WHERE settlement_id=$1 AND last_seen=$2`
)

// pgxQuerier is the subset of *pgxpool.Pool used by PostgresStore
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps settlements in a single table. Swaps are conditional
// updates on last_seen.
type PostgresStore struct {
	db    pgxQuerier
	guard settlement.Guard
	now   func() time.Time
}

// NewPostgresStore wraps an open pool or connection
func NewPostgresStore(db pgxQuerier) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

// ConnectPostgres opens a pool for dsn
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: postgres dsn must not be empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: connect: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the settlements table and its status index
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createSettlementsTable, createStatusIndex} {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("repository: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*settlement.Settlement, error) {
	s, err := scanSettlement(p.db.QueryRow(ctx, selectSettlement, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settlement.NotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: Get: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]settlement.Settlement, error) {
	rows, err := p.db.Query(ctx, selectSettlements)
	if err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	defer rows.Close()

	var out []settlement.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: List scan: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Create(ctx context.Context, amount decimal.Decimal) (*settlement.Settlement, error) {
	s := settlement.NewSettlement(uuid.New().String(), amount, p.now().UTC())

	_, err := p.db.Exec(ctx, insertSettlement,
		s.SettlementID, s.Amount.String(), string(s.Status), s.CounterOffered, int64(s.LastSeen), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository: Create: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, id string, expected uint64, mutate settlement.Mutation) (*settlement.Settlement, error) {
	current, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := p.guard.Next(current, expected, mutate)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = p.now().UTC()

	tag, err := p.db.Exec(ctx, swapSettlement,
		id, int64(current.LastSeen),
		next.Amount.String(), string(next.Status), next.CounterOffered, int64(next.LastSeen), next.UpdatedAt, next.LastRespondedAt)
	if err != nil {
		return nil, fmt.Errorf("repository: CompareAndSwap: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return next, nil
	}

	// Another writer committed between our read and update.
	latest, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.guard.Check(latest, expected); err != nil {
		return nil, err
	}
	return nil, settlement.ConflictError(expected, latest.LastSeen)
}

func scanSettlement(row pgx.Row) (*settlement.Settlement, error) {
	var (
		s           settlement.Settlement
		rawAmount   string
		status      string
		lastSeen    int64
		respondedAt *time.Time
	)
	if err := row.Scan(&s.SettlementID, &rawAmount, &status, &s.CounterOffered, &lastSeen, &s.CreatedAt, &s.UpdatedAt, &respondedAt); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, fmt.Errorf("repository: parse amount: %w", err)
	}
	if lastSeen < 1 {
		return nil, fmt.Errorf("repository: invalid last_seen %d", lastSeen)
	}
	s.Amount = amount
	s.Status = settlement.Status(status)
	s.LastSeen = uint64(lastSeen)
	s.LastRespondedAt = respondedAt
	return &s, nil
}
