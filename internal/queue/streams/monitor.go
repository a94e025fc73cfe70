package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics is a point-in-time health reading of the run queue's consumer
// group. Pending counts delivered-but-unacked runs, Lag counts enqueued runs
// no worker has read yet (-1 when the group is unknown to Redis), and
// OldestIdle is how long the stalest pending run has sat unacked.
type LagMetrics struct {
	Pending    int64
	Lag        int64
	Consumers  int64
	OldestIdle time.Duration
}

// RunQueueLag reads lag metrics for the run queue's worker group. The
// scheduler logs these each tick so a stuck worker fleet shows up before runs
// pile up.
func RunQueueLag(ctx context.Context, client *redis.Client) (LagMetrics, error) {
	return GroupLag(ctx, client, RunStream, RunGroup)
}

// GroupLag reads lag metrics for an arbitrary stream and consumer group.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil {
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" || group == "" {
		return LagMetrics{}, fmt.Errorf("stream and group are required")
	}

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	metrics := LagMetrics{Lag: -1}
	for _, info := range groups {
		if info.Name == group {
			metrics.Pending = info.Pending
			metrics.Lag = info.Lag
			metrics.Consumers = int64(info.Consumers)
			break
		}
	}
	if metrics.Pending == 0 {
		return metrics, nil
	}

	// One XPENDING entry is enough: entries come back oldest first.
	entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil && err != redis.Nil {
		return LagMetrics{}, fmt.Errorf("xpending %s: %w", stream, err)
	}
	if len(entries) > 0 {
		metrics.OldestIdle = entries[0].Idle
	}
	return metrics, nil
}
