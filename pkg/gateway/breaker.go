package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/storyforge-ai/storyforge/pkg/models"
)

// BreakerGateway wraps a ModelGateway with a circuit breaker so a failing
// backend trips fast instead of stacking timed-out calls. Text and image
// endpoints share one breaker: they front the same backend.
type BreakerGateway struct {
	inner ModelGateway
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerGateway wraps inner with a circuit breaker.
func NewBreakerGateway(inner ModelGateway, maxFailures uint32, openTimeout time.Duration) *BreakerGateway {
	settings := gobreaker.Settings{
		Name:    "model-gateway",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Model gateway circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerGateway{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// GenerateText calls the inner gateway through the breaker.
func (b *BreakerGateway) GenerateText(ctx context.Context, prompt string, cfg models.ModelConfig) (*TextResponse, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.GenerateText(ctx, prompt, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TextResponse), nil
}

// GenerateImages calls the inner gateway through the breaker.
func (b *BreakerGateway) GenerateImages(ctx context.Context, req ImageRequest) ([]ImageResult, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.GenerateImages(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ImageResult), nil
}
