// Package logging builds the zap loggers used across the module.
package logging

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// New returns a development logger when verbose is set and a production
// logger otherwise.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// OrNop returns l, or a no-op logger if l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// RateLimited forwards to a zap logger no more than once per interval.
// Dropped lines are counted and reported with the next line that passes.
type RateLimited struct {
	logger  *zap.Logger
	limit   *rate.Limiter
	dropped int
}

// NewRateLimited returns a RateLimited logging to l at most once per every.
func NewRateLimited(l *zap.Logger, every time.Duration) *RateLimited {
	return &RateLimited{
		logger: OrNop(l),
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// Warn logs msg unless the limit was hit. Not safe for concurrent use.
func (rl *RateLimited) Warn(msg string, fields ...zap.Field) {
	if !rl.limit.Allow() {
		rl.dropped++
		return
	}
	if rl.dropped > 0 {
		fields = append(fields, zap.Int("suppressed", rl.dropped))
		rl.dropped = 0
	}
	rl.logger.Warn(msg, fields...)
}

func (rl *RateLimited) Debug(msg string, fields ...zap.Field) {
	rl.logger.Debug(msg, fields...)
}
