package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Event is a call lifecycle or pipeline notification fanned out to
// observers (the audio bridge forwards them to connected clients).
type Event struct {
	Type      string    `json:"type"` // state|transcript|reply|error
	CallID    string    `json:"call_id"`
	Text      string    `json:"text,omitempty"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// EventChannel is the per-call pub/sub channel name.
func EventChannel(callID string) string {
	return fmt.Sprintf("call:%s:events", callID)
}

// RedisPublisher fans events out over redis pub/sub so any number of
// bridge connections (or other processes) can observe a call.
type RedisPublisher struct {
	rdb *redis.Client
	log *logrus.Logger
}

func NewRedisPublisher(rdb *redis.Client, log *logrus.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		p.log.WithError(err).Warn("event encode failed")
		return
	}
	if err := p.rdb.Publish(ctx, EventChannel(ev.CallID), raw).Err(); err != nil {
		p.log.WithError(err).WithField("call_id", ev.CallID).Warn("event publish failed")
	}
}

// NopPublisher drops every event. Used when redis is not configured and
// in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
