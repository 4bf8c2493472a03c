package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func newCommandKeysForTest(t *testing.T) *idempotencyRepository {
	t.Helper()
	return NewIdempotencyRepository(openPostgresStoreForIntegrationTest(t)).(*idempotencyRepository)
}

func TestIdempotencyRepository_PostgresCheckoutReplay(t *testing.T) {
	repo := newCommandKeysForTest(t)
	ttl := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)

	created, err := repo.CreateProcessing("checkout-user-1", "sha-1", ttl)
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	require.NoError(t, repo.MarkDone("checkout-user-1", []byte(`{"order":{"id":"o-1"}}`), 201))

	got, err := repo.Get("checkout-user-1")
	require.NoError(t, err)
	assert.Equal(t, "sha-1", got.RequestHash)
	assert.Equal(t, domain.IdempotencyStatusDone, got.Status)
	assert.Equal(t, 201, got.HTTPStatus)
	assert.JSONEq(t, `{"order":{"id":"o-1"}}`, string(got.ResponseBody))
	assert.True(t, got.TTLAt.Equal(ttl), "ttl: want %s, got %s", ttl, got.TTLAt)

	require.NoError(t, repo.MarkFailed("checkout-user-1", []byte(`{"error":"declined"}`), 402))
	got, err = repo.Get("checkout-user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, got.Status)
	assert.Equal(t, 402, got.HTTPStatus)

	assert.ErrorIs(t, repo.MarkDone("missing", nil, 200), domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_PostgresConflicts(t *testing.T) {
	repo := newCommandKeysForTest(t)
	ttl := time.Now().UTC().Add(time.Hour)

	_, err := repo.CreateProcessing("refund-p-1", "sha-a", ttl)
	require.NoError(t, err)

	existing, err := repo.CreateProcessing("refund-p-1", "sha-a", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	assert.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.CreateProcessing("refund-p-1", "sha-b", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.True(t, domain.IsIdempotencyConflict(err))
}

func TestIdempotencyRepository_PostgresExpiredKeyIsReclaimed(t *testing.T) {
	repo := newCommandKeysForTest(t)
	now := time.Now().UTC()

	_, err := repo.CreateProcessing("cancel-o-1", "sha-old", now.Add(-time.Minute))
	require.NoError(t, err)

	reclaimed, err := repo.CreateProcessing("cancel-o-1", "sha-new", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "sha-new", reclaimed.RequestHash)

	got, err := repo.Get("cancel-o-1")
	require.NoError(t, err)
	assert.Equal(t, "sha-new", got.RequestHash)
	assert.Empty(t, got.ResponseBody)
}

func TestIdempotencyRepository_PostgresDeleteExpiredOldestFirst(t *testing.T) {
	repo := newCommandKeysForTest(t)
	now := time.Now().UTC()

	for i, ttl := range []time.Duration{-5 * time.Minute, -4 * time.Minute, -3 * time.Minute, time.Hour} {
		_, err := repo.CreateProcessing("sweep-"+string(rune('a'+i)), "sha", now.Add(ttl))
		require.NoError(t, err)
	}

	removed, err := repo.DeleteExpired(now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = repo.Get("sweep-c")
	require.NoError(t, err, "newest expired key survives a limited sweep")

	removed, err = repo.DeleteExpired(now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get("sweep-d")
	assert.NoError(t, err)
}
