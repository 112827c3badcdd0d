package providers

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Config represents the configuration for one vision request
type Config struct {
	Model       string
	Temperature float64
	Prompt      string
	// Image is sent alongside the prompt when set
	Image    []byte
	MIMEType string
}

// Provider defines the interface for an LLM provider
type Provider interface {
	ExtractText(ctx context.Context, config Config) (string, error)
}

// throttled waits on a shared limiter before each request.
type throttled struct {
	next    Provider
	limiter *rate.Limiter
}

// Throttle limits p to requestsPerMinute calls, with bursts of one. A
// non-positive rate returns p unchanged.
func Throttle(p Provider, requestsPerMinute float64) Provider {
	if requestsPerMinute <= 0 {
		return p
	}
	return &throttled{
		next:    p,
		limiter: rate.NewLimiter(rate.Limit(requestsPerMinute/60), 1),
	}
}

func (t *throttled) ExtractText(ctx context.Context, config Config) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return t.next.ExtractText(ctx, config)
}
