// Package redis is the fire-and-forget notification sink: every terminal
// deployment transition is appended to a capped Redis stream that audit
// consumers and chat integrations read on their own schedule.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/event"
	"github.com/ouyangCL/remote-build/internal/logger"
)

const (
	notificationStream = "deployments:finished"
	streamMaxLen       = 10000
	appendTimeout      = 5 * time.Second
)

type Notifier struct {
	redis *redis.Client
	log   logger.Logger
}

func NewNotifier(r *redis.Client, log logger.Logger) *Notifier {
	return &Notifier{redis: r, log: log}
}

// Attach subscribes the notifier to terminal deployment events. Appends
// run on their own goroutine with a bounded timeout; a failure is logged
// and dropped, never surfaced to the orchestrator.
func (n *Notifier) Attach(bus *event.Bus) {
	bus.Subscribe(domain.EventNameDeploymentFinished, func(e any) {
		ev, ok := e.(domain.EventDeploymentFinished)
		if !ok {
			return
		}
		go n.append(ev)
	})
}

func (n *Notifier) append(ev domain.EventDeploymentFinished) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	data, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("notifier marshal failed", "error", err)
		return
	}

	err = n.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: notificationStream,
		Values: map[string]any{
			"data": data,
		},
		MaxLen: streamMaxLen,
		Approx: true,
	}).Err()
	if err != nil {
		n.log.Warn("notifier xadd failed", "deployment_id", ev.DeploymentID, "error", err)
		return
	}

	n.log.Debug("notification appended",
		"deployment_id", ev.DeploymentID, "status", ev.Status)
}

// Recent returns the newest notifications for diagnostics.
func (n *Notifier) Recent(ctx context.Context, limit int64) ([]redis.XMessage, error) {
	msgs, err := n.redis.XRevRangeN(ctx, notificationStream, "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("notifier xrevrange failed: %w", err)
	}
	return msgs, nil
}
