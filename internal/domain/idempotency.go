package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultCommandKeyTTL — срок жизни ключа команды, если клиент не задал свой.
const DefaultCommandKeyTTL = 24 * time.Hour

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности команды.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что запрос завершён успешно и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

var (
	ErrIdempotencyKeyRequired         = Validationf("idempotency key is required")
	ErrIdempotencyRequestHashRequired = Validationf("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = fmt.Errorf("idempotency key already exists: %w", ErrConflict)
	ErrIdempotencyHashMismatch        = fmt.Errorf("idempotency key reused with different request: %w", ErrConflict)
	ErrIdempotencyKeyNotFound         = fmt.Errorf("idempotency key %w", ErrNotFound)
)

// IdempotencyRecord хранит состояние обработки команды с Idempotency-Key.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewIdempotencyRecord нормализует ключ и хэш и собирает запись в статусе processing.
// Нулевой ttlAt заменяется на now+DefaultCommandKeyTTL.
func NewIdempotencyRecord(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultCommandKeyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Expired — ключ можно занять заново, даже если cleanup его ещё не удалил.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Conflict возвращает ошибку повторного использования ключа запросом с хэшем requestHash.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// Clone копирует запись вместе с телом ответа.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	r.ResponseBody = append([]byte(nil), r.ResponseBody...)
	return r
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IsIdempotencyConflict — ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// EventStatus — статус обработки события консьюмером.
type EventStatus string

const (
	EventStatusReceived   EventStatus = "RECEIVED"
	EventStatusSkipped    EventStatus = "SKIPPED"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusRetrying   EventStatus = "RETRYING"
	EventStatusSucceeded  EventStatus = "SUCCEEDED"
	EventStatusFailed     EventStatus = "FAILED"
)
