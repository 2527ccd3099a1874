package cli

import (
	"context"

	"github.com/daryltucker/forest-bench/internal/collector"
	"github.com/daryltucker/forest-bench/internal/config"
	"github.com/daryltucker/forest-bench/internal/tracking"
)

// trackingDialer picks the sink implementation for the configured backend.
func trackingDialer(c *config.Config) tracking.Dialer {
	t := c.Tracking
	if t.Backend == config.BackendPushgateway {
		return tracking.DialPushgateway(t.URI, t.Job)
	}
	return tracking.DialMLflow(t.URI, t.Experiment, t.Timeout)
}

func newRecorder(ctx context.Context, c *config.Config, col *collector.Collector, enabled bool) *collector.Recorder {
	rec := collector.NewRecorder(ctx, col, enabled, trackingDialer(c))
	return rec.WithBreaker(tracking.NewBreaker(c.Tracking.BreakerThreshold, c.Tracking.BreakerCooldown))
}
