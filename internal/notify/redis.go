package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/agrolens/internal/models"
)

// Event types published on the Redis channel.
const (
	EventCompleted = "analysis.completed"
	EventFailed    = "analysis.failed"
	EventRecovered = "analysis.recovered"
)

// Event is the JSON message published for every run outcome.
type Event struct {
	Type     string             `json:"type"`
	At       time.Time          `json:"at"`
	Outcome  *models.RunOutcome `json:"outcome,omitempty"`
	Failure  *Failure           `json:"failure,omitempty"`
	Failures int                `json:"failures,omitempty"`
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes run outcomes on a pub/sub channel so that other services
// (the mobile app backend, dashboards) can react without polling.
type Redis struct {
	client  publisher
	channel string
	now     func() time.Time
}

// NewRedis creates a publisher on an existing client.
func NewRedis(client *redis.Client, channel string) *Redis {
	return newRedis(client, channel)
}

func newRedis(client publisher, channel string) *Redis {
	if channel == "" {
		channel = "agrolens:analysis"
	}
	return &Redis{client: client, channel: channel, now: time.Now}
}

func (r *Redis) NotifyResult(ctx context.Context, outcome *models.RunOutcome) error {
	return r.publish(ctx, Event{Type: EventCompleted, Outcome: outcome})
}

func (r *Redis) NotifyFailure(ctx context.Context, failure Failure) error {
	return r.publish(ctx, Event{Type: EventFailed, Failure: &failure})
}

func (r *Redis) NotifyRecovery(ctx context.Context, failures int) error {
	return r.publish(ctx, Event{Type: EventRecovered, Failures: failures})
}

func (r *Redis) publish(ctx context.Context, ev Event) error {
	ev.At = r.now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}
