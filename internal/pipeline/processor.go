package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"icecrystal/internal/actor"
	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
	"icecrystal/internal/domain/ports/repository"
	"icecrystal/internal/infra/logging"
	"icecrystal/internal/infra/metrics"
)

const (
	TopicJobsComplete = "jobs.complete"
	TopicEntitlements = "entitlements.credits"
)

// Dispatcher routes a request to the user's home actor, wherever it lives.
// The cluster router satisfies this.
type Dispatcher interface {
	Grant(ctx context.Context, userID string, g model.Grant) (*model.UserCredits, error)
	CompleteJob(ctx context.Context, job actor.Job) error
}

// Pool runs a fixed set of workers over the delivery stream. Each worker
// settles every delivery it takes: terminal outcomes ack, transient ones
// nack so the bus redelivers. Poison messages (undecodable, no user) are
// acked after logging; retrying them can never succeed.
type Pool struct {
	deliveries <-chan Delivery
	dispatch   Dispatcher
	changelog  repository.ChangeLog
	audit      *AuditPublisher
	workers    int
	now        func() time.Time
	log        *zerolog.Logger
}

// Options for building a Pool. ChangeLog and Audit are optional; a nil
// ChangeLog skips the idempotency check, a nil Audit skips change events.
type PoolOptions struct {
	Deliveries <-chan Delivery
	Dispatch   Dispatcher
	ChangeLog  repository.ChangeLog
	Audit      *AuditPublisher
	Workers    int
	Now        func() time.Time
}

func NewPool(opts PoolOptions, logger *zerolog.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	poolLog := logger.With().Str("component", "Processor").Logger()
	return &Pool{
		deliveries: opts.Deliveries,
		dispatch:   opts.Dispatch,
		changelog:  opts.ChangeLog,
		audit:      opts.Audit,
		workers:    opts.Workers,
		now:        opts.Now,
		log:        &poolLog,
	}
}

// Run blocks until ctx ends or the delivery stream closes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-p.deliveries:
					if !ok {
						return
					}
					p.handle(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
}

func (p *Pool) handle(ctx context.Context, d Delivery) {
	start := p.now()
	ctx = logging.WithTraceID(ctx, ulid.Make().String())

	body := map[string]interface{}{}
	if err := json.Unmarshal(d.Body, &body); err != nil {
		p.settle(d, start, "poison")
		logging.With(ctx, p.log).Warn().Err(err).Str("topic", d.Topic).Msg("undecodable message")
		return
	}

	userID, _ := body["user_id"].(string)
	if userID == "" {
		p.settle(d, start, "poison")
		logging.With(ctx, p.log).Warn().Str("topic", d.Topic).Msg("message without user_id")
		return
	}
	ctx = logging.WithUserID(ctx, userID)

	eventID := p.eventID(d, body)
	if dup, err := p.recordOnce(ctx, eventID, userID); err != nil {
		// Change-log unavailable: fall through to the actor. At-least-once
		// still holds, we only lose the dedup shortcut for this delivery.
		logging.With(ctx, p.log).Warn().Err(err).Msg("change-log record failed")
	} else if dup {
		metrics.IncDuplicateDrop()
		p.settle(d, start, "ack")
		return
	}

	var err error
	switch d.Topic {
	case TopicJobsComplete:
		err = p.handleJob(ctx, body, userID)
	case TopicEntitlements:
		err = p.handleEntitlements(ctx, body, userID, d.ID)
	default:
		logging.With(ctx, p.log).Debug().Str("topic", d.Topic).Msg("ignoring unknown topic")
	}

	switch {
	case err == nil:
		p.settle(d, start, "ack")
	case domain.Transient(err):
		// The mutation may never have committed; drop the change-log entry
		// so the redelivery is not mistaken for a duplicate.
		p.forget(ctx, eventID, userID)
		p.settle(d, start, "nack")
		logging.With(ctx, p.log).Warn().Err(err).Str("topic", d.Topic).Msg("transient failure, redelivering")
	default:
		p.settle(d, start, "ack")
		logging.With(ctx, p.log).Error().Err(err).Str("topic", d.Topic).Msg("terminal failure, dropping")
	}
}

func (p *Pool) settle(d Delivery, start time.Time, outcome string) {
	if outcome == "nack" {
		d.Nack()
	} else {
		d.Ack()
	}
	metrics.IncMessage(d.Topic, outcome)
	metrics.ObserveProcessLatency(d.Topic, float64(p.now().Sub(start).Milliseconds()))
}

// eventID picks the idempotency key: job events key on the job id (stable
// across publisher retries), everything else on the bus message id.
func (p *Pool) eventID(d Delivery, body map[string]interface{}) string {
	if d.Topic == TopicJobsComplete {
		if id, _ := body["id"].(string); id != "" {
			return id
		}
	}
	return d.ID
}

func (p *Pool) recordOnce(ctx context.Context, eventID, userID string) (bool, error) {
	if p.changelog == nil {
		return false, nil
	}
	err := p.changelog.Record(ctx, eventID, userID)
	if errors.Is(err, domain.ErrDuplicateEvent) {
		return true, nil
	}
	return false, err
}

func (p *Pool) forget(ctx context.Context, eventID, userID string) {
	if p.changelog == nil {
		return
	}
	if err := p.changelog.Forget(ctx, eventID, userID); err != nil {
		// The entry will now outlive the nack; a redelivery inside the TTL
		// window would be dropped. Loud log, nothing else we can do here.
		logging.With(ctx, p.log).Error().Err(err).Str("event_id", eventID).Msg("change-log forget failed; redelivery may be dropped as duplicate")
	}
}

func (p *Pool) handleJob(ctx context.Context, body map[string]interface{}, userID string) error {
	job := actor.Job{
		UserID:        userID,
		ChargeCredits: true,
	}
	job.ID, _ = body["id"].(string)
	job.Type, _ = body["type"].(string)
	if v, ok := body["charge_credits"].(bool); ok {
		job.ChargeCredits = v
	}
	if n, ok := asFloat(body["cost"]); ok {
		job.Cost = int64(n)
	}
	if err := p.dispatch.CompleteJob(ctx, job); err != nil {
		return err
	}
	p.audit.JobCharged(ctx, userID, job)
	return nil
}

func (p *Pool) handleEntitlements(ctx context.Context, body map[string]interface{}, userID, eventID string) error {
	items, _ := body["entitlements"].([]interface{})
	grant := ConvertEntitlements(userID, items, p.now())
	if grant.IsZero() {
		// Nothing usable in the batch; treat like any other poison payload.
		logging.With(ctx, p.log).Warn().Msg("entitlement batch converted to empty grant")
		return nil
	}
	uc, err := p.dispatch.Grant(ctx, userID, grant)
	if err != nil {
		return err
	}
	p.audit.CreditsGranted(ctx, userID, eventID, grant, uc)
	return nil
}
