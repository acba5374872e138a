package actor

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
	"icecrystal/internal/domain/ports/repository"
)

// Supervisor owns every actor whose home is this node. Actors are spawned on
// first reference and remove themselves when they stop (idle, conflict, or
// failed load); the next request respawns them with state re-hydrated from
// the gateway.
type Supervisor struct {
	mu     sync.Mutex
	actors map[string]*Actor
	opts   Options
	log    *zerolog.Logger
}

func NewSupervisor(repo repository.CreditsRepository, caps CapFunc, opts Options, logger *zerolog.Logger) *Supervisor {
	supLog := logger.With().Str("component", "ActorSupervisor").Logger()
	opts.Repo = repo
	opts.Caps = caps
	opts.Logger = logger
	s := &Supervisor{
		actors: make(map[string]*Actor),
		opts:   opts,
		log:    &supLog,
	}
	return s
}

// GetCredits reads the balance through the user's actor.
func (s *Supervisor) GetCredits(ctx context.Context, userID string) (*model.UserCredits, error) {
	var out *model.UserCredits
	err := s.withActor(ctx, userID, func(a *Actor) error {
		uc, err := a.GetCredits(ctx)
		out = uc
		return err
	})
	return out, err
}

// Grant applies a grant through the user's actor.
func (s *Supervisor) Grant(ctx context.Context, userID string, g model.Grant) (*model.UserCredits, error) {
	var out *model.UserCredits
	err := s.withActor(ctx, userID, func(a *Actor) error {
		uc, err := a.Grant(ctx, g)
		out = uc
		return err
	})
	return out, err
}

// CompleteJob debits a finished job through the user's actor.
func (s *Supervisor) CompleteJob(ctx context.Context, job Job) error {
	return s.withActor(ctx, job.UserID, func(a *Actor) error {
		return a.CompleteJob(ctx, job)
	})
}

// Conflict signals the local actor (if any) that it lost a duplicate-name
// resolution.
func (s *Supervisor) Conflict(userID string) {
	s.mu.Lock()
	a, ok := s.actors[userID]
	s.mu.Unlock()
	if ok {
		a.Conflict()
	}
}

// Sweep conflict-kills every actor the keep predicate rejects. The router
// calls this when the ring changes and placements move off this node.
func (s *Supervisor) Sweep(keep func(userID string) bool) int {
	s.mu.Lock()
	var losers []*Actor
	for id, a := range s.actors {
		if !keep(id) {
			losers = append(losers, a)
		}
	}
	s.mu.Unlock()
	for _, a := range losers {
		a.Conflict()
	}
	if len(losers) > 0 {
		s.log.Info().Int("count", len(losers)).Msg("released actors after placement change")
	}
	return len(losers)
}

// Len returns the number of live local actors.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Shutdown conflict-kills everything and waits for every run loop to exit.
// State is already durable because every reply happens after the
// write-through; the wait matters because an actor mid-persist must not
// outlive the stores main is about to close behind it.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	actors := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()
	for _, a := range actors {
		a.Conflict()
	}
	for _, a := range actors {
		<-a.done
	}
	// OnExit callbacks may still be running; clear the table here so the
	// supervisor is verifiably empty when Shutdown returns.
	s.mu.Lock()
	for id, a := range s.actors {
		if a.Stopped() {
			delete(s.actors, id)
		}
	}
	s.mu.Unlock()
}

// withActor resolves (or spawns) the actor and runs fn against it, retrying
// once when the actor stopped between lookup and send.
func (s *Supervisor) withActor(ctx context.Context, userID string, fn func(*Actor) error) error {
	if userID == "" {
		return domain.ErrInvalidArgument
	}
	for attempt := 0; attempt < 2; attempt++ {
		a := s.resolve(userID)
		err := fn(a)
		if errors.Is(err, domain.ErrActorStopped) {
			continue
		}
		return err
	}
	return domain.ErrActorStopped
}

func (s *Supervisor) resolve(userID string) *Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[userID]; ok && !a.Stopped() {
		return a
	}
	opts := s.opts
	opts.OnExit = s.remove
	a := Spawn(userID, opts)
	s.actors[userID] = a
	return a
}

// remove drops the registry entry for a stopped actor, unless a newer actor
// has already taken the slot.
func (s *Supervisor) remove(userID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[userID]; ok && a.Stopped() {
		delete(s.actors, userID)
	}
}
