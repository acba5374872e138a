package redis

import (
	"context"
	"time"

	"icecrystal/internal/domain"
	"icecrystal/internal/domain/ports/repository"
)

// Ensure ChangeLog implements the port.
var _ repository.ChangeLog = (*ChangeLog)(nil)

// ChangeLog is the idempotency hook: one SETNX key per (event, user) pair.
// A key that already exists means the event was processed before and the
// message can be acked without touching the actor. Entries carry a TTL so
// the set does not grow without bound; the TTL only needs to outlive the
// bus's redelivery window by a wide margin.
type ChangeLog struct {
	cli *Client
	ttl time.Duration
}

func NewChangeLog(c *Client, ttl time.Duration) *ChangeLog {
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &ChangeLog{cli: c, ttl: ttl}
}

func (l *ChangeLog) Record(ctx context.Context, eventID, userID string) error {
	if eventID == "" || userID == "" {
		return domain.ErrInvalidArgument
	}
	ok, err := l.cli.cli.SetNX(ctx, changeLogKey(eventID, userID), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return domain.ErrOperationFailed
	}
	if !ok {
		return domain.ErrDuplicateEvent
	}
	return nil
}

// Forget deletes a recorded entry so the event's redelivery is processed
// again. Called when the message is nacked after Record succeeded.
func (l *ChangeLog) Forget(ctx context.Context, eventID, userID string) error {
	if eventID == "" || userID == "" {
		return domain.ErrInvalidArgument
	}
	if err := l.cli.cli.Del(ctx, changeLogKey(eventID, userID)).Err(); err != nil {
		return domain.ErrOperationFailed
	}
	return nil
}

func changeLogKey(eventID, userID string) string {
	return "changelog:" + eventID + ":" + userID
}
