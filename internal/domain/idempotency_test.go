package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStatusValid(t *testing.T) {
	for _, status := range []IdempotencyStatus{IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed} {
		assert.True(t, status.Valid(), status)
	}
	assert.False(t, IdempotencyStatus("broken").Valid())
	assert.False(t, IdempotencyStatus("").Valid())
}

func TestNewIdempotencyRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("defaults ttl and trims input", func(t *testing.T) {
		rec, err := NewIdempotencyRecord("  checkout-1 ", " hash ", time.Time{}, now)
		require.NoError(t, err)
		assert.Equal(t, "checkout-1", rec.Key)
		assert.Equal(t, "hash", rec.RequestHash)
		assert.Equal(t, IdempotencyStatusProcessing, rec.Status)
		assert.Equal(t, now.Add(DefaultCommandKeyTTL), rec.TTLAt)
		assert.Equal(t, now, rec.CreatedAt)
	})

	t.Run("keeps explicit ttl", func(t *testing.T) {
		ttl := now.Add(time.Minute)
		rec, err := NewIdempotencyRecord("k", "h", ttl, now)
		require.NoError(t, err)
		assert.Equal(t, ttl, rec.TTLAt)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := NewIdempotencyRecord(" ", "h", now, now)
		assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)
		assert.ErrorIs(t, err, ErrValidation)

		_, err = NewIdempotencyRecord("k", "", now, now)
		assert.ErrorIs(t, err, ErrIdempotencyRequestHashRequired)
	})
}

func TestIdempotencyRecordExpiredAndConflict(t *testing.T) {
	now := time.Now().UTC()
	rec := IdempotencyRecord{Key: "k", RequestHash: "h1", TTLAt: now}

	assert.True(t, rec.Expired(now), "ttl boundary counts as expired")
	assert.False(t, rec.Expired(now.Add(-time.Second)))

	assert.ErrorIs(t, rec.Conflict("h1"), ErrIdempotencyKeyAlreadyExists)
	assert.ErrorIs(t, rec.Conflict("h2"), ErrIdempotencyHashMismatch)
	assert.True(t, IsIdempotencyConflict(rec.Conflict("h2")))
	assert.True(t, errors.Is(rec.Conflict("h1"), ErrConflict))
	assert.False(t, IsIdempotencyConflict(ErrIdempotencyKeyNotFound))
}

func TestIdempotencyRecordClone(t *testing.T) {
	rec := IdempotencyRecord{ResponseBody: []byte(`{"ok":true}`)}
	cp := rec.Clone()
	cp.ResponseBody[0] = 'X'
	assert.Equal(t, byte('{'), rec.ResponseBody[0])
}
