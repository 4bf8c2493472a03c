package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func TestCleanupWorker_DeleteExpired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		batches     []int
		errs        []error
		batchSize   int
		maxBatches  int
		wantDeleted int
		wantCalls   int
		wantErr     bool
	}{
		{name: "stops on partial batch", batches: []int{2, 2, 1}, batchSize: 2, wantDeleted: 5, wantCalls: 3},
		{name: "nothing expired", batches: []int{0}, batchSize: 10, wantCalls: 1},
		{name: "max batches caps the run", batches: []int{2, 2, 2, 1}, batchSize: 2, maxBatches: 2, wantDeleted: 4, wantCalls: 2},
		{name: "store error", errs: []error{errors.New("boom")}, batchSize: 10, wantCalls: 1, wantErr: true},
		{name: "error after a batch keeps the count", batches: []int{3}, errs: []error{nil, errors.New("boom")}, batchSize: 3, wantDeleted: 3, wantCalls: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &scriptedExpirer{batches: tt.batches, errs: tt.errs}
			worker := NewCleanupWorker(store, WithBatchSize(tt.batchSize), WithMaxBatches(tt.maxBatches))

			deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantDeleted, deleted)
			assert.Equal(t, tt.wantCalls, store.calls())
		})
	}
}

func TestCleanupWorker_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &scriptedExpirer{batches: []int{5}}
	deleted, err := NewCleanupWorker(store).DeleteExpired(ctx, time.Time{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, deleted)
	assert.Zero(t, store.calls())
}

func TestCleanupWorker_CommandKeysOldestFirst(t *testing.T) {
	t.Parallel()

	keys := memory.NewIdempotencyRepository()
	now := time.Now().UTC()
	for key, ttl := range map[string]time.Duration{
		"oldest": -3 * time.Hour,
		"older":  -2 * time.Hour,
		"old":    -time.Hour,
		"live":   time.Hour,
	} {
		_, err := keys.CreateProcessing(key, "hash-"+key, now.Add(ttl))
		require.NoError(t, err)
	}

	worker := NewCleanupWorker(keys, WithBatchSize(2), WithMaxBatches(1))
	deleted, err := worker.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	for key, gone := range map[string]bool{"oldest": true, "older": true, "old": false, "live": false} {
		_, err := keys.Get(key)
		if gone {
			assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound, key)
		} else {
			assert.NoError(t, err, key)
		}
	}

	deleted, err = worker.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "next run picks up the rest")
}

func TestCleanupWorker_InMemoryCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := memory.NewCache()
	require.NoError(t, cache.Set(ctx, "short", "1", time.Millisecond))
	require.NoError(t, cache.Set(ctx, "forever", "1", 0))
	time.Sleep(5 * time.Millisecond)

	deleted, err := NewCleanupWorker(cache, WithName("event-status"), WithBatchSize(1)).DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, cache.Len(), "non-expiring key must survive")
}

func TestCleanupWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := &scriptedExpirer{}
	worker := NewCleanupWorker(store, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return store.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "worker did not stop on context cancel")
	}
}

func TestCleanupWorker_RecordsRuns(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	store := &scriptedExpirer{batches: []int{3}, errs: []error{nil, errors.New("db gone")}}
	worker := NewCleanupWorker(store,
		WithName("command_keys"),
		WithBatchSize(10),
		WithMetrics(metrics.NewCleanupMetrics(registry)))

	worker.runOnce(context.Background())
	worker.runOnce(context.Background())

	expected := `
# HELP fulfillment_expiry_cleanup_runs_total Total number of expiry cleanup runs grouped by store and result.
# TYPE fulfillment_expiry_cleanup_runs_total counter
fulfillment_expiry_cleanup_runs_total{result="error",store="command_keys"} 1
fulfillment_expiry_cleanup_runs_total{result="ok",store="command_keys"} 1
# HELP fulfillment_expiry_cleanup_deleted_total Total number of deleted expired records.
# TYPE fulfillment_expiry_cleanup_deleted_total counter
fulfillment_expiry_cleanup_deleted_total{store="command_keys"} 3
# HELP fulfillment_expiry_cleanup_last_deleted Number of deleted records during the last cleanup run.
# TYPE fulfillment_expiry_cleanup_last_deleted gauge
fulfillment_expiry_cleanup_last_deleted{store="command_keys"} 3
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"fulfillment_expiry_cleanup_runs_total",
		"fulfillment_expiry_cleanup_deleted_total",
		"fulfillment_expiry_cleanup_last_deleted",
	))
}

// scriptedExpirer отдаёт заранее заданные размеры порций и ошибки по очереди.
type scriptedExpirer struct {
	mu      sync.Mutex
	batches []int
	errs    []error
	count   int
}

func (s *scriptedExpirer) DeleteExpired(time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.batches) == 0 {
		return 0, nil
	}
	n := s.batches[0]
	s.batches = s.batches[1:]
	return n, nil
}

func (s *scriptedExpirer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

var _ Expirer = (*scriptedExpirer)(nil)
