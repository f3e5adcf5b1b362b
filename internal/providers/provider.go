package providers

import (
	"context"
	"errors"
	"time"

	"statpulse/internal/model"
)

// Quota and payload-shape failures are classified here so the engine can tell
// terminal conditions (quota) from skippable ones (malformed payloads,
// transport failures). Anything not matching these sentinels is treated as a
// transport error.
var (
	ErrQuotaExceeded     = errors.New("providers: quota exceeded")
	ErrMalformedResponse = errors.New("providers: malformed response")
)

// BatchRequest asks for every observation of up to MaxBatchSize series over an
// inclusive year range. APIKey, when set, overrides the configured key.
type BatchRequest struct {
	SurveyCode string
	SeriesIDs  []string
	StartYear  int
	EndYear    int
	APIKey     string
	UserAgent  string
}

type Provider interface {
	Name() string
	MaxBatchSize() int
	ListSeries(ctx context.Context, surveyCode string) ([]model.Series, error)

	// FetchBatch performs exactly one upstream request. It returns either the
	// full decoded response or an error, never partial rows.
	FetchBatch(ctx context.Context, req BatchRequest) ([]model.Observation, error)
}

// RateLimiter is a token-bucket limiter shared by the provider clients to
// keep request pacing below the agencies' per-second courtesy limits.
type RateLimiter struct {
	tokens chan struct{}
}

func NewRateLimiter(ratePerSec, burst int) *RateLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	limiter := &RateLimiter{
		tokens: make(chan struct{}, burst),
	}
	for i := 0; i < burst; i++ {
		limiter.tokens <- struct{}{}
	}

	interval := time.Second / time.Duration(ratePerSec)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			select {
			case limiter.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return limiter
}

func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		return nil
	}
}
