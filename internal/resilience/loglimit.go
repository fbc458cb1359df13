package resilience

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultLogInterval is the minimum gap between identical-severity log lines
// from a [LimitedLogger].
const DefaultLogInterval = 10 * time.Second

// LimitedLogger wraps an [slog.Logger] with a token-bucket limiter so that a
// repeatedly failing poll loop logs at most one line per interval. Dropped
// lines are counted and reported on the next emitted line.
//
// LimitedLogger is safe for concurrent use.
type LimitedLogger struct {
	log     *slog.Logger
	limiter *rate.Limiter
	dropped atomic.Int64
}

// NewLimitedLogger creates a limiter allowing one line per interval with a
// burst of one. A non-positive interval uses [DefaultLogInterval]. Passing a
// nil logger uses [slog.Default].
func NewLimitedLogger(logger *slog.Logger, interval time.Duration) *LimitedLogger {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultLogInterval
	}
	return &LimitedLogger{
		log:     logger,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Error logs at error level if the limiter allows it; otherwise the line is
// dropped and counted.
func (l *LimitedLogger) Error(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.emit(ctx, slog.LevelError, msg, attrs)
}

// Warn logs at warn level if the limiter allows it.
func (l *LimitedLogger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.emit(ctx, slog.LevelWarn, msg, attrs)
}

func (l *LimitedLogger) emit(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	if !l.limiter.Allow() {
		l.dropped.Add(1)
		return
	}
	if n := l.dropped.Swap(0); n > 0 {
		attrs = append(attrs, slog.Int64("suppressed", n))
	}
	l.log.LogAttrs(ctx, level, msg, attrs...)
}
