package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Liveness checks that the server still answers, by sending ping requests.
type Liveness struct {
	requester     Requester
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	roundTrip     metric.Float64Histogram
}

// LivenessOption is a function that configures a Liveness.
type LivenessOption func(*Liveness)

// WithLivenessLogger sets the logger of the Liveness monitor.
func WithLivenessLogger(logger *slog.Logger) LivenessOption {
	return func(l *Liveness) {
		l.logger = logger
	}
}

// WithLivenessMeterProvider sets the provider of the meter ping round trips are
// recorded to. The global provider is used by default.
func WithLivenessMeterProvider(mp metric.MeterProvider) LivenessOption {
	return func(l *Liveness) {
		l.meterProvider = mp
	}
}

// NewLiveness creates a Liveness pinging through r.
func NewLiveness(r Requester, options ...LivenessOption) *Liveness {
	l := &Liveness{
		requester: r,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(l)
	}
	l.roundTrip = newTelemetry(nil, l.meterProvider, l.logger).pingDuration
	return l
}

// Ping sends a ping request and returns the time it took the response to arrive. It
// fails the same way Session.Request does. Ping is safe for concurrent use.
func (l *Liveness) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := l.requester.Request(ctx, MethodPing, nil); err != nil {
		return 0, fmt.Errorf("failed to send ping: %w", err)
	}
	rtt := time.Since(start)

	l.roundTrip.Record(ctx, rtt.Seconds())
	return rtt, nil
}

// Monitor pings every interval until ctx is done. When more than threshold
// consecutive pings fail, onFailure is called with the last error and Monitor returns.
func (l *Liveness) Monitor(ctx context.Context, interval time.Duration, threshold int, onFailure func(error)) {
	pingTicker := time.NewTicker(interval)
	defer pingTicker.Stop()

	failedPings := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
		}

		pCtx, pCancel := context.WithTimeout(ctx, interval)
		_, err := l.Ping(pCtx)
		pCancel()

		if err == nil {
			failedPings = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failedPings++
		l.logger.Warn("ping failed", slog.Int("failures", failedPings), slog.String("err", err.Error()))
		if failedPings > threshold {
			if onFailure != nil {
				onFailure(fmt.Errorf("too many ping failures: %d: %w", failedPings, err))
			}
			return
		}
	}
}
