package delivery

import (
	"context"
	"fmt"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"golang.org/x/time/rate"
)

// RateLimited caps the request rate towards one destination, independent of
// how many records are being dispatched concurrently.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket. A non-positive rps
// disables limiting.
func NewRateLimited(next Client, rps float64, burst int) Client {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) Deliver(ctx context.Context, op domain.Operation) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.NewTransportError(op.Name, fmt.Errorf("rate limit wait: %w", err))
	}
	return r.next.Deliver(ctx, op)
}
