package llm

import (
	"context"

	"golang.org/x/time/rate"
)

type rateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// WithRateLimit paces calls to next at rpm requests per minute. A
// non-positive rpm returns next unchanged.
func WithRateLimit(next Client, rpm int) Client {
	if rpm <= 0 {
		return next
	}
	return &rateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

func (c *rateLimitedClient) Name() string { return c.next.Name() }

func (c *rateLimitedClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.next.Complete(ctx, messages, opts)
}

func (c *rateLimitedClient) Stream(ctx context.Context, messages []Message, opts Options) *Stream {
	if err := c.limiter.Wait(ctx); err != nil {
		return ErrorStream(err)
	}
	return c.next.Stream(ctx, messages, opts)
}
