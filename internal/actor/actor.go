// Package actor hosts the per-user workers. Each user's balance is owned by
// exactly one goroutine draining a mailbox, so every mutation for a user is
// serialized without locks. Mutations are written through the persistence
// gateway before the in-memory state advances or the caller gets a reply.
package actor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
	"icecrystal/internal/domain/ports/repository"
	"icecrystal/internal/infra/metrics"
)

// Job is a decoded jobs.complete message.
type Job struct {
	ID            string
	UserID        string
	Type          string
	ChargeCredits bool
	Cost          int64
}

// CapFunc maps a job type to its millisecond cost ceiling.
type CapFunc func(jobType string) int64

// Options configures a spawned actor.
type Options struct {
	Repo        repository.CreditsRepository
	Caps        CapFunc
	IdleTimeout time.Duration
	MailboxSize int
	Logger      *zerolog.Logger
	// Now is the actor's clock; defaults to time.Now. Tests inject it.
	Now func() time.Time
	// OnExit runs after the actor goroutine has fully stopped.
	OnExit func(userID, reason string)
}

type getReq struct {
	reply chan getResp
}

type getResp struct {
	state *model.UserCredits
	err   error
}

type grantReq struct {
	grant model.Grant
	reply chan getResp
}

type jobReq struct {
	job   Job
	reply chan error
}

type conflictReq struct{}

// Actor is one user's worker. All fields past the channels are owned by the
// run goroutine and never touched from outside.
type Actor struct {
	userID  string
	mailbox chan interface{}
	done    chan struct{}
	opts    Options
	log     *zerolog.Logger

	state         *model.UserCredits
	expiryTimer   *time.Timer
	nextExpiry    time.Time
	hasNextExpiry bool
}

// Spawn creates the actor and starts its run loop. The balance is loaded
// lazily inside the loop so a slow store never blocks the spawner.
func Spawn(userID string, opts Options) *Actor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Hour
	}
	actLog := opts.Logger.With().Str("component", "UserActor").Str("user_id", userID).Logger()
	a := &Actor{
		userID:  userID,
		mailbox: make(chan interface{}, opts.MailboxSize),
		done:    make(chan struct{}),
		opts:    opts,
		log:     &actLog,
	}
	metrics.IncActorSpawn()
	go a.run()
	return a
}

// GetCredits returns the current balance.
func (a *Actor) GetCredits(ctx context.Context) (*model.UserCredits, error) {
	req := getReq{reply: make(chan getResp, 1)}
	if err := a.send(ctx, req); err != nil {
		return nil, err
	}
	return a.await(ctx, req.reply)
}

// Grant applies a grant and returns the new balance once it is persisted.
func (a *Actor) Grant(ctx context.Context, g model.Grant) (*model.UserCredits, error) {
	req := grantReq{grant: g, reply: make(chan getResp, 1)}
	if err := a.send(ctx, req); err != nil {
		return nil, err
	}
	return a.await(ctx, req.reply)
}

// CompleteJob debits the job's capped cost. A nil return means the result is
// durable (or the message was a validated no-op) and the bus message can be
// acked.
func (a *Actor) CompleteJob(ctx context.Context, job Job) error {
	req := jobReq{job: job, reply: make(chan error, 1)}
	if err := a.send(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.reply:
		return err
	case <-a.done:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return domain.ErrRouteTimeout
	}
}

// Conflict tells the actor it lost a duplicate-name resolution. It stops
// without flushing anything; in-flight requests fail as transient so the bus
// redelivers them to the winner.
func (a *Actor) Conflict() {
	select {
	case a.mailbox <- conflictReq{}:
	case <-a.done:
	}
}

// Stopped reports whether the run loop has exited.
func (a *Actor) Stopped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Actor) send(ctx context.Context, msg interface{}) error {
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return domain.ErrRouteTimeout
	default:
	}
	// Mailbox full: block until there is room or the caller gives up.
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return domain.ErrRouteTimeout
	}
}

func (a *Actor) await(ctx context.Context, reply chan getResp) (*model.UserCredits, error) {
	select {
	case resp := <-reply:
		return resp.state, resp.err
	case <-a.done:
		return nil, domain.ErrActorStopped
	case <-ctx.Done():
		return nil, domain.ErrRouteTimeout
	}
}

func (a *Actor) run() {
	reason := "shutdown"
	defer func() {
		a.stopExpiryTimer()
		close(a.done)
		metrics.IncActorStop(reason)
		if a.opts.OnExit != nil {
			a.opts.OnExit(a.userID, reason)
		}
	}()

	if err := a.load(); err != nil {
		a.log.Error().Err(err).Msg("failed to load balance; dropping actor")
		reason = "load_failed"
		a.failPending(err)
		return
	}

	idle := time.NewTimer(a.opts.IdleTimeout)
	defer idle.Stop()

	for {
		var expiryC <-chan time.Time
		if a.expiryTimer != nil {
			expiryC = a.expiryTimer.C
		}
		select {
		case msg := <-a.mailbox:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(a.opts.IdleTimeout)
			if _, isConflict := msg.(conflictReq); isConflict {
				a.log.Warn().Msg("name conflict; terminating without flush")
				reason = "conflict"
				a.failPending(domain.ErrConflictShutdown)
				return
			}
			a.handle(msg)
		case <-expiryC:
			a.expiryTimer = nil
			a.hasNextExpiry = false
			a.handleExpiry()
		case <-idle.C:
			a.log.Debug().Msg("idle timeout; releasing actor")
			reason = "idle"
			return
		}
	}
}

// load fetches the balance and runs a defensive expire pass over whatever
// the store returned, persisting only when it actually dropped something.
func (a *Actor) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	uc, err := a.opts.Repo.Fetch(ctx, a.userID)
	if err != nil {
		return err
	}
	expired, changed := model.Expire(uc, a.opts.Now(), true)
	if changed {
		if saved, err := a.opts.Repo.Update(ctx, expired); err == nil {
			expired = saved
		} else {
			// Keep the unexpired state; the timer will retry the write.
			expired = uc
		}
	}
	a.state = expired
	a.scheduleExpiry()
	return nil
}

func (a *Actor) handle(msg interface{}) {
	switch req := msg.(type) {
	case getReq:
		req.reply <- getResp{state: a.state.Clone()}
	case grantReq:
		state, err := a.applyGrant(req.grant)
		req.reply <- getResp{state: state, err: err}
	case jobReq:
		req.reply <- a.applyJob(req.job)
	}
}

func (a *Actor) applyGrant(g model.Grant) (*model.UserCredits, error) {
	if g.IsZero() {
		return a.state.Clone(), nil
	}
	next := model.ApplyGrant(a.state, g)
	saved, err := a.persist(next)
	if err != nil {
		return nil, err
	}
	metrics.AddGranted(string(model.BucketTrial), g.Trial)
	metrics.AddGranted(string(model.BucketPermanent), g.Permanent)
	for _, ec := range g.Expiring {
		metrics.AddGranted(string(model.BucketExpiring), ec.Amount)
	}
	a.state = saved
	a.scheduleExpiry()
	return a.state.Clone(), nil
}

func (a *Actor) applyJob(job Job) error {
	if job.UserID != a.userID {
		// Routed to the wrong actor; drop it rather than charge someone else.
		// The error is terminal, so the pipeline still acks.
		a.log.Error().Str("job_id", job.ID).Str("job_user_id", job.UserID).Msg("job addressed to a different user; dropping")
		return domain.ErrUserMismatch
	}
	if !job.ChargeCredits {
		return nil
	}

	capped := job.Cost
	if limit := a.opts.Caps(job.Type); capped > limit {
		a.log.Info().Str("job_id", job.ID).Str("type", job.Type).
			Int64("cost", job.Cost).Int64("cap", limit).Msg("job cost capped")
		capped = limit
	}

	next, remainder, ok := model.Deduct(a.state, capped)
	if !ok {
		return nil
	}
	if remainder > 0 {
		metrics.IncDeductRemainder()
		a.log.Warn().Str("job_id", job.ID).Int64("remainder", remainder).
			Msg("balance could not cover full job cost")
	}

	saved, err := a.persist(next)
	if err != nil {
		return err
	}
	metrics.AddDeducted(string(model.BucketTrial), a.state.Trial-saved.Trial)
	metrics.AddDeducted(string(model.BucketPermanent), a.state.Permanent-saved.Permanent)
	metrics.AddDeducted(string(model.BucketExpiring), expiringTotal(a.state)-expiringTotal(saved))
	a.state = saved
	a.scheduleExpiry()
	return nil
}

func (a *Actor) handleExpiry() {
	metrics.IncExpiryFire()
	next, changed := model.Expire(a.state, a.opts.Now(), false)
	if !changed {
		a.scheduleExpiry()
		return
	}
	dropped := expiringTotal(a.state) - expiringTotal(next)
	saved, err := a.persist(next)
	if err != nil {
		// Best-effort timer: leave state alone and retry shortly.
		a.log.Warn().Err(err).Msg("expiry write failed; retrying")
		a.armExpiryTimer(30 * time.Second)
		return
	}
	metrics.AddExpired(dropped)
	a.log.Info().Int64("expired_ms", dropped).Msg("expired tranches dropped")
	a.state = saved
	a.scheduleExpiry()
}

func (a *Actor) persist(next *model.UserCredits) (*model.UserCredits, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	saved, err := a.opts.Repo.Update(ctx, next)
	if err != nil {
		a.log.Error().Err(err).Msg("write-through failed; state unchanged")
		return nil, domain.ErrOperationFailed
	}
	return saved, nil
}

// scheduleExpiry re-arms the expiration timer after a mutation: cancel when
// the expiring bucket is empty, rearm only when the head expiry moved.
func (a *Actor) scheduleExpiry() {
	next, ok := a.state.NextExpiry()
	if !ok {
		a.stopExpiryTimer()
		a.hasNextExpiry = false
		return
	}
	if a.hasNextExpiry && next.Equal(a.nextExpiry) && a.expiryTimer != nil {
		return
	}
	a.stopExpiryTimer()
	a.nextExpiry = next
	a.hasNextExpiry = true
	delay := next.Sub(a.opts.Now())
	if delay < 0 {
		delay = 0
	}
	a.armExpiryTimer(delay)
}

func (a *Actor) armExpiryTimer(d time.Duration) {
	a.expiryTimer = time.NewTimer(d)
}

func (a *Actor) stopExpiryTimer() {
	if a.expiryTimer != nil {
		a.expiryTimer.Stop()
		a.expiryTimer = nil
	}
}

// failPending replies to everything left in the mailbox so callers can nack.
func (a *Actor) failPending(err error) {
	for {
		select {
		case msg := <-a.mailbox:
			switch req := msg.(type) {
			case getReq:
				req.reply <- getResp{err: err}
			case grantReq:
				req.reply <- getResp{err: err}
			case jobReq:
				req.reply <- err
			}
		default:
			return
		}
	}
}

func expiringTotal(uc *model.UserCredits) int64 {
	var total int64
	for _, ec := range uc.Expiring {
		total += ec.Amount
	}
	return total
}
