package cache

import (
	"context"

	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var commandsThrottledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "commands_throttled_total",
		Help: "Total number of chat commands rejected by the per-user limit",
	},
)

func init() {
	prometheus.MustRegister(commandsThrottledTotal)
}

// CommandLimiter throttles inbound chat commands per user. Outbound alert
// notifications never pass through it.
type CommandLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewCommandLimiter allows perMinute commands per user per minute.
func NewCommandLimiter(client *redis.Client, perMinute int) *CommandLimiter {
	return &CommandLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redis_rate.PerMinute(perMinute),
	}
}

// Allow reports whether user may run another command now.
func (l *CommandLimiter) Allow(ctx context.Context, user string) (bool, error) {
	res, err := l.limiter.Allow(ctx, "commands:"+user, l.limit)
	if err != nil {
		return false, err
	}
	if res.Allowed == 0 {
		commandsThrottledTotal.Inc()
		return false, nil
	}
	return true, nil
}
