package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-negotiation/internal/metrics"
)

// Publisher receives committed events. Implementations must not block.
type Publisher interface {
	Publish(topic string, event Event)
}

// Service is the negotiation engine. It validates requests, runs transitions
// through the store's compare-and-swap and publishes what was committed.
type Service struct {
	store     Store
	publisher Publisher
	now       func() time.Time
}

// NewService creates a negotiation engine over store. publisher may be nil.
func NewService(store Store, publisher Publisher) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// Propose opens a new negotiation at amount
func (s *Service) Propose(ctx context.Context, amount decimal.Decimal) (*Settlement, error) {
	logger := log.With().Str("service", "settlement").Str("op", "propose").Logger()

	if err := validateAmount("amount", amount); err != nil {
		return nil, s.reject(logger, err)
	}

	settlement, err := s.store.Create(ctx, amount)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create settlement")
		return nil, err
	}

	s.commit(logger, EventCreated, settlement)
	return settlement, nil
}

// ProposeIdempotent behaves like Propose but returns the settlement created
// earlier under the same key. Stores without idempotency support create a
// new settlement every time.
func (s *Service) ProposeIdempotent(ctx context.Context, amount decimal.Decimal, key string) (*Settlement, bool, error) {
	idem, ok := s.store.(IdempotentStore)
	if key == "" || !ok {
		settlement, err := s.Propose(ctx, amount)
		return settlement, false, err
	}

	logger := log.With().Str("service", "settlement").Str("op", "propose").Str("idempotency_key", key).Logger()

	if err := validateAmount("amount", amount); err != nil {
		return nil, false, s.reject(logger, err)
	}

	settlement, replayed, err := idem.CreateIdempotent(ctx, amount, key)
	if err != nil {
		return nil, false, s.reject(logger, err)
	}
	if replayed {
		logger.Info().Str("settlement_id", settlement.SettlementID).Msg("replayed settlement for idempotency key")
		return settlement, true, nil
	}

	s.commit(logger, EventCreated, settlement)
	return settlement, false, nil
}

// ReviseAmount is the proposer's edit. expected must be the LastSeen of the
// revision the proposer is looking at; anything newer is a conflict.
func (s *Service) ReviseAmount(ctx context.Context, id string, amount decimal.Decimal, expected uint64) (*Settlement, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("op", "revise").
		Str("settlement_id", id).
		Uint64("expected_last_seen", expected).
		Logger()

	if err := validateAmount("amount", amount); err != nil {
		return nil, s.reject(logger, err)
	}

	settlement, err := s.store.CompareAndSwap(ctx, id, expected, revise(amount))
	if err != nil {
		return nil, s.reject(logger, err)
	}

	s.commit(logger, EventRevised, settlement)
	return settlement, nil
}

// Respond is the counterparty's action: accept the current amount, or counter
// with newAmount.
func (s *Service) Respond(ctx context.Context, id string, accepted bool, newAmount *decimal.Decimal, expected uint64) (*Settlement, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("op", "respond").
		Str("settlement_id", id).
		Bool("accepted", accepted).
		Uint64("expected_last_seen", expected).
		Logger()

	var (
		mutation  Mutation
		eventType EventType
	)
	if accepted {
		if newAmount != nil {
			logger.Debug().Str("new_amount", newAmount.String()).Msg("ignoring new_amount on acceptance")
		}
		mutation, eventType = accept(s.now()), EventAccepted
	} else {
		if newAmount == nil {
			return nil, s.reject(logger, validationError("new_amount is required for a counter offer"))
		}
		if err := validateAmount("new_amount", *newAmount); err != nil {
			return nil, s.reject(logger, err)
		}
		mutation, eventType = counter(*newAmount, s.now()), EventCountered
	}

	settlement, err := s.store.CompareAndSwap(ctx, id, expected, mutation)
	if err != nil {
		return nil, s.reject(logger, err)
	}

	s.commit(logger, eventType, settlement)
	return settlement, nil
}

// Get returns a single settlement
func (s *Service) Get(ctx context.Context, id string) (*Settlement, error) {
	return s.store.Get(ctx, id)
}

// List returns all settlements unordered; ordering is the caller's concern
func (s *Service) List(ctx context.Context) ([]Settlement, error) {
	settlements, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if settlements == nil {
		settlements = []Settlement{}
	}
	return settlements, nil
}

// commit records and publishes a successful transition. It runs after the
// store has returned, outside any record lock.
func (s *Service) commit(logger zerolog.Logger, eventType EventType, settlement *Settlement) {
	metrics.Transitions.WithLabelValues(string(eventType)).Inc()

	logger.Info().
		Str("settlement_id", settlement.SettlementID).
		Str("event", string(eventType)).
		Str("status", string(settlement.Status)).
		Str("amount", settlement.Amount.String()).
		Bool("counter_offered", settlement.CounterOffered).
		Uint64("last_seen", settlement.LastSeen).
		Msg("settlement transition committed")

	if s.publisher == nil {
		return
	}
	event := NewEvent(eventType, settlement)
	s.publisher.Publish(settlement.SettlementID, event)
	s.publisher.Publish(GeneralTopic, event)
}

func (s *Service) reject(logger zerolog.Logger, err error) error {
	var domainErr *Error
	if !errors.As(err, &domainErr) {
		logger.Error().Err(err).Msg("settlement mutation failed")
		return err
	}

	metrics.Rejections.WithLabelValues(string(domainErr.Code)).Inc()
	logger.Warn().
		Str("code", string(domainErr.Code)).
		Str("reason", domainErr.Message).
		Msg("settlement mutation rejected")
	return err
}
