package history

import (
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/metrics"
)

// Option configures a Writer, Tracker or Engine.
type Option func(*settings)

type settings struct {
	logger  *zap.Logger
	now     func() time.Time
	metrics *metrics.Recorder
}

func newSettings(opts []Option) settings {
	s := settings{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now as the source of inserted_at.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records writes and query durations.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *settings) {
		s.metrics = recorder
	}
}
