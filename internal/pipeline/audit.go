package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"icecrystal/internal/actor"
	"icecrystal/internal/domain/model"
	"icecrystal/internal/infra/logging"
	"icecrystal/internal/snowflake"
)

// AuditPublisher emits a change event to the audit topic after every
// successful mutation. Delivery is best effort: the mutation is already
// durable, so a lost audit event is logged and forgotten. A nil publisher
// disables the stream entirely.
type AuditPublisher struct {
	topic *pubsub.Topic
	ids   *snowflake.Generator
	log   *zerolog.Logger
}

type changeEvent struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	UserID      string `json:"user_id"`
	SourceEvent string `json:"source_event_id,omitempty"`
	JobType     string `json:"job_type,omitempty"`
	// RequestedMS is the cost the job asked for, before the per-type cap
	// and before any insufficient-balance clamp. The actual debit can be
	// lower; consumers needing exact deltas follow the ledger, not this.
	RequestedMS int64 `json:"requested_cost_ms,omitempty"`
	TrialMS     int64 `json:"trial_ms,omitempty"`
	PermanentMS int64 `json:"permanent_ms,omitempty"`
	ExpiringMS  int64 `json:"expiring_ms,omitempty"`
	BalanceMS   int64 `json:"balance_ms,omitempty"`
	At          int64 `json:"at"`
}

func NewAuditPublisher(topic *pubsub.Topic, ids *snowflake.Generator, logger *zerolog.Logger) *AuditPublisher {
	audLog := logger.With().Str("component", "Audit").Logger()
	return &AuditPublisher{topic: topic, ids: ids, log: &audLog}
}

func (a *AuditPublisher) JobCharged(ctx context.Context, userID string, job actor.Job) {
	if a == nil {
		return
	}
	a.publish(ctx, jobEvent(userID, job))
}

func (a *AuditPublisher) CreditsGranted(ctx context.Context, userID, sourceEvent string, g model.Grant, uc *model.UserCredits) {
	if a == nil {
		return
	}
	a.publish(ctx, grantEvent(userID, sourceEvent, g, uc))
}

func jobEvent(userID string, job actor.Job) changeEvent {
	return changeEvent{
		Kind:        "job.charged",
		UserID:      userID,
		SourceEvent: job.ID,
		JobType:     job.Type,
		RequestedMS: job.Cost,
	}
}

func grantEvent(userID, sourceEvent string, g model.Grant, uc *model.UserCredits) changeEvent {
	ev := changeEvent{
		Kind:        "credits.granted",
		UserID:      userID,
		SourceEvent: sourceEvent,
		TrialMS:     g.Trial,
		PermanentMS: g.Permanent,
	}
	for _, ec := range g.Expiring {
		ev.ExpiringMS += ec.Amount
	}
	if uc != nil {
		ev.BalanceMS = uc.Total()
	}
	return ev
}

func (a *AuditPublisher) publish(ctx context.Context, ev changeEvent) {
	id, err := a.ids.Next()
	if err != nil {
		logging.With(ctx, a.log).Warn().Err(err).Msg("audit id generation failed")
		return
	}
	ev.ID = strconv.FormatInt(int64(id), 10)
	ev.At = time.Now().UnixMilli()

	b, err := json.Marshal(ev)
	if err != nil {
		logging.With(ctx, a.log).Warn().Err(err).Msg("audit encode failed")
		return
	}
	res := a.topic.Publish(ctx, &pubsub.Message{Data: b})
	log := logging.With(ctx, a.log)
	go func() {
		if _, err := res.Get(context.Background()); err != nil {
			log.Warn().Err(err).Str("kind", ev.Kind).Msg("audit publish failed")
		}
	}()
}
