package domain

import (
	"context"
	"errors"
	"fmt"
)

// Классы ошибок. Конкретные ошибки оборачивают один из них, проверка через errors.Is.
var (
	// ErrValidation — некорректный ввод или сумма вне допустимого диапазона.
	ErrValidation = errors.New("validation error")
	// ErrNotFound — неизвестный заказ, платёж или возврат.
	ErrNotFound = errors.New("not found")
	// ErrConflict — повторное создание или уже обработанный платёж.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState — попытка недопустимого перехода state machine.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrProvider — платёжный шлюз отклонил операцию.
	ErrProvider = errors.New("payment provider error")
	// ErrTransient — кэш, брокер или шлюз недоступен либо не ответил вовремя; можно повторить.
	ErrTransient = errors.New("transient infrastructure error")
	// ErrPermanentFailure — попытки исчерпаны, сообщение ушло в dead-letter.
	ErrPermanentFailure = errors.New("permanent failure")
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = fmt.Errorf("payment %w", ErrNotFound)
	// ErrRefundNotFound возвращается, если возврат не найден.
	ErrRefundNotFound = fmt.Errorf("refund %w", ErrNotFound)
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	// Не относится к ErrConflict: после перечитывания сущности операцию можно повторить.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrVersionConflict — конфликт версий для платежей и возвратов.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate — запись с таким идентификатором уже существует.
	ErrDuplicate = fmt.Errorf("duplicate record: %w", ErrConflict)
	// ErrPaymentAlreadySucceeded — по заказу уже есть успешный платёж.
	ErrPaymentAlreadySucceeded = fmt.Errorf("order already has a succeeded payment: %w", ErrConflict)
	// ErrRefundExceedsRefundable — сумма возврата больше остатка.
	ErrRefundExceedsRefundable = fmt.Errorf("%w: refund exceeds refundable amount", ErrValidation)
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrDelayedDeliveryUnsupported — sink не умеет отложенную доставку.
	ErrDelayedDeliveryUnsupported = errors.New("delayed delivery is not supported by this sink")
	// ErrInvalidSignature — подпись webhook не прошла проверку.
	ErrInvalidSignature = fmt.Errorf("%w: invalid webhook signature", ErrValidation)
	// ErrCircuitOpen — circuit breaker шлюза разомкнут.
	ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", ErrTransient)
)

// StateError описывает недопустимый переход: какой переход пытались выполнить и из какого статуса.
type StateError struct {
	Transition string
	Current    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s from status %s", e.Transition, e.Current)
}

// Unwrap позволяет проверять ошибку через errors.Is(err, ErrInvalidState).
func (e *StateError) Unwrap() error { return ErrInvalidState }

// NewStateError конструирует StateError.
func NewStateError(transition, current string) error {
	return &StateError{Transition: transition, Current: current}
}

// ProviderError — отказ платёжного шлюза с кодом и сообщением провайдера.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("payment provider: %s", e.Message)
	}
	return fmt.Sprintf("payment provider: %s (%s)", e.Message, e.Code)
}

func (e *ProviderError) Unwrap() error { return ErrProvider }

// Validationf создаёт ошибку валидации с описанием.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient помечает ошибку инфраструктуры как временную.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict) || errors.Is(err, ErrVersionConflict)
}

// IsPermanent сообщает, что повтор операции не может завершиться успехом:
// ошибки валидации, отсутствия, конфликта и недопустимого перехода.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return false
	}
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrPermanentFailure)
}

// IsRetryable — обратное к IsPermanent для непустой ошибки. Неклассифицированные ошибки повторяются.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}
