package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-negotiation/internal/metrics"
)

func seedNegotiations(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()

	_, err := svc.Propose(ctx, dec("1"))
	require.NoError(t, err)

	disputed, err := svc.Propose(ctx, dec("2"))
	require.NoError(t, err)
	_, err = svc.Respond(ctx, disputed.SettlementID, false, decPtr("1.5"), 1)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		agreed, err := svc.Propose(ctx, dec("3"))
		require.NoError(t, err)
		_, err = svc.Respond(ctx, agreed.SettlementID, true, nil, 1)
		require.NoError(t, err)
	}
}

func TestProcessorSnapshot(t *testing.T) {
	tests := []struct {
		name  string
		store func(t *testing.T) Store
	}{
		{"memory", func(*testing.T) Store { return NewMemoryStore() }},
		{"database", func(t *testing.T) Store { return newTestDatabase(t) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tt.store(t)
			seedNegotiations(t, NewService(store, nil))

			counts, err := NewProcessor(store, time.Minute).Snapshot(context.Background())
			require.NoError(t, err)
			require.Equal(t, int64(1), counts[StatusPending])
			require.Equal(t, int64(1), counts[StatusDisputed])
			require.Equal(t, int64(2), counts[StatusAgreed])

			require.Equal(t, float64(2), testutil.ToFloat64(metrics.Negotiations.WithLabelValues(string(StatusAgreed))))
			require.Equal(t, float64(1), testutil.ToFloat64(metrics.Negotiations.WithLabelValues(string(StatusDisputed))))
		})
	}
}

func TestProcessorStopsWithContext(t *testing.T) {
	p := NewProcessor(NewMemoryStore(), 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestNewProcessorDefaultsInterval(t *testing.T) {
	p := NewProcessor(NewMemoryStore(), 0)
	require.Equal(t, time.Minute, p.processDelay)
}
