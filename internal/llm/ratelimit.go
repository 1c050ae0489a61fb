package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-side throttling of provider calls.
type RateLimitConfig struct {
	// RequestsPerMinute limits completion and embedding calls combined (0 = unlimited)
	RequestsPerMinute int
	// TokensPerMinute limits completion tokens per minute (0 = unlimited)
	TokensPerMinute int
	// BurstSize allows temporary burst above the rate limit
	BurstSize int
}

// DefaultRateLimitConfig returns defaults sized for hosted embedding APIs.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 500,
		TokensPerMinute:   200000,
		BurstSize:         10,
	}
}

// RateLimitProvider throttles a provider so concurrent ingestions do not
// trip the remote rate limiter.
type RateLimitProvider struct {
	inner   Provider
	config  *RateLimitConfig
	limiter *rate.Limiter

	mu             sync.Mutex
	windowStart    time.Time
	requests       int
	embedRequests  int
	tokensInWindow int
}

// NewRateLimitProvider creates a rate-limited provider wrapper.
func NewRateLimitProvider(inner Provider, config *RateLimitConfig) *RateLimitProvider {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	limit := rate.Inf
	if config.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(config.RequestsPerMinute) / 60.0)
	}
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &RateLimitProvider{
		inner:       inner,
		config:      config,
		limiter:     rate.NewLimiter(limit, burst),
		windowStart: time.Now(),
	}
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string {
	return r.inner.Name()
}

// Complete waits for request and token capacity, then delegates.
func (r *RateLimitProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	if err := r.waitForTokens(ctx); err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	r.record(false, 0)

	resp, err := r.inner.Complete(ctx, prompt, opts)
	if err == nil && resp != nil {
		r.record(false, resp.InputTokens+resp.OutputTokens)
	}
	return resp, err
}

// Embed waits for request capacity, then delegates.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	r.record(true, 0)
	return r.inner.Embed(ctx, texts)
}

// record counts a request (tokens == 0) or adds token usage to the window.
func (r *RateLimitProvider) record(embed bool, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollWindow(time.Now())
	if tokens > 0 {
		r.tokensInWindow += tokens
		return
	}
	r.requests++
	if embed {
		r.embedRequests++
	}
}

func (r *RateLimitProvider) rollWindow(now time.Time) {
	if now.Sub(r.windowStart) >= time.Minute {
		r.windowStart = now
		r.requests = 0
		r.embedRequests = 0
		r.tokensInWindow = 0
	}
}

// waitForTokens blocks while the per-minute token budget is spent.
func (r *RateLimitProvider) waitForTokens(ctx context.Context) error {
	if r.config.TokensPerMinute <= 0 {
		return ctx.Err()
	}
	for {
		r.mu.Lock()
		now := time.Now()
		r.rollWindow(now)
		if r.tokensInWindow < r.config.TokensPerMinute {
			r.mu.Unlock()
			return ctx.Err()
		}
		wait := time.Minute - now.Sub(r.windowStart)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Stats returns current rate limiting statistics.
func (r *RateLimitProvider) Stats() RateLimitStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := 0
	if r.config.TokensPerMinute > 0 {
		remaining = max(r.config.TokensPerMinute-r.tokensInWindow, 0)
	}
	return RateLimitStats{
		RequestsInWindow:      r.requests,
		EmbedRequestsInWindow: r.embedRequests,
		TokensInWindow:        r.tokensInWindow,
		RemainingTokens:       remaining,
		WindowStart:           r.windowStart,
	}
}

// RateLimitStats contains rate limiting statistics.
type RateLimitStats struct {
	RequestsInWindow      int
	EmbedRequestsInWindow int
	TokensInWindow        int
	RemainingTokens       int
	WindowStart           time.Time
}

// WithRateLimit wraps a provider with rate limiting.
func WithRateLimit(p Provider, config *RateLimitConfig) Provider {
	if p == nil {
		return nil
	}
	return NewRateLimitProvider(p, config)
}
