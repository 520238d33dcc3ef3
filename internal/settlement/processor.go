package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-negotiation/internal/metrics"
)

// StatusCounter is implemented by stores that can aggregate without loading
// every record
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// Processor periodically reports how many negotiations sit in each status.
// It never changes negotiation state; open negotiations may stay pending or
// disputed indefinitely.
type Processor struct {
	store        Store
	processDelay time.Duration // Time between snapshots
}

func NewProcessor(store Store, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		store:        store,
		processDelay: interval,
	}
}

// Start begins the reporting loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			if _, err := p.Snapshot(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to snapshot negotiations")
			}
		}
	}
}

// Snapshot counts negotiations per status and publishes the gauges
func (p *Processor) Snapshot(ctx context.Context) (map[Status]int64, error) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	counts, err := p.count(ctx)
	if err != nil {
		return nil, err
	}

	for _, status := range []Status{StatusPending, StatusDisputed, StatusAgreed} {
		metrics.Negotiations.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	logger.Info().
		Int64("pending", counts[StatusPending]).
		Int64("disputed", counts[StatusDisputed]).
		Int64("agreed", counts[StatusAgreed]).
		Msg("negotiation snapshot")

	return counts, nil
}

func (p *Processor) count(ctx context.Context) (map[Status]int64, error) {
	if counter, ok := p.store.(StatusCounter); ok {
		return counter.CountByStatus(ctx)
	}

	settlements, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int64)
	for _, s := range settlements {
		counts[s.Status]++
	}
	return counts, nil
}
