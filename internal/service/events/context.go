package events

import "context"

type correlationKey struct{}

// WithCorrelationID кладёт correlation id в контекст. Publisher подставляет его в envelope,
// если PublishOptions.CorrelationID пуст.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID возвращает correlation id из контекста.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
