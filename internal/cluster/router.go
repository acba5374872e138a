package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"icecrystal/internal/actor"
	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
)

// RemoteClient dispatches a request to a peer's internal RPC listener.
type RemoteClient interface {
	GetCredits(ctx context.Context, addr, userID string) (*model.UserCredits, error)
	Grant(ctx context.Context, addr, userID string, g model.Grant) (*model.UserCredits, error)
	CompleteJob(ctx context.Context, addr string, job actor.Job) error
}

// Router resolves a user's home node and dispatches there: to the local
// supervisor when this node owns the user, over RPC otherwise. Every remote
// dispatch carries a timeout; on timeout the caller must treat the outcome
// as unknown and nack so the bus redelivers.
type Router struct {
	self    Node
	local   *actor.Supervisor
	remote  RemoteClient
	timeout time.Duration
	log     *zerolog.Logger

	mu   sync.RWMutex
	ring *Ring
}

func NewRouter(self Node, local *actor.Supervisor, remote RemoteClient, timeout time.Duration, logger *zerolog.Logger) *Router {
	rtLog := logger.With().Str("component", "Router").Str("node_id", self.ID).Logger()
	return &Router{
		self:    self,
		local:   local,
		remote:  remote,
		timeout: timeout,
		log:     &rtLog,
		ring:    NewRing(nil, 0),
	}
}

// Run consumes membership snapshots until ctx ends. On every ring change the
// local supervisor sheds actors whose home moved away: the previous owner
// exits without flushing (state is already durable per write-through), and
// the next request re-hydrates on the new owner.
func (rt *Router) Run(ctx context.Context, d Discovery) error {
	snapshots, err := d.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			rt.apply(snap)
		}
	}
}

func (rt *Router) apply(snap Snapshot) {
	ring := NewRing(snap.Nodes, defaultVirtualNodes)
	rt.mu.Lock()
	old := rt.ring
	rt.ring = ring
	rt.mu.Unlock()
	if old.Version() == ring.Version() {
		return
	}
	rt.log.Info().Int("members", len(snap.Nodes)).Msg("ring updated")
	rt.local.Sweep(func(userID string) bool {
		owner, ok := ring.Owner(userID)
		return ok && owner.ID == rt.self.ID
	})
}

// Owner exposes the current placement decision for a user.
func (rt *Router) Owner(userID string) (Node, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.ring.Owner(userID)
}

func (rt *Router) GetCredits(ctx context.Context, userID string) (*model.UserCredits, error) {
	owner, ok := rt.Owner(userID)
	if !ok {
		return nil, domain.ErrNoMembers
	}
	if owner.ID == rt.self.ID {
		return rt.local.GetCredits(ctx, userID)
	}
	rctx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()
	return rt.remote.GetCredits(rctx, owner.Addr, userID)
}

func (rt *Router) Grant(ctx context.Context, userID string, g model.Grant) (*model.UserCredits, error) {
	owner, ok := rt.Owner(userID)
	if !ok {
		return nil, domain.ErrNoMembers
	}
	if owner.ID == rt.self.ID {
		return rt.local.Grant(ctx, userID, g)
	}
	rctx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()
	return rt.remote.Grant(rctx, owner.Addr, userID, g)
}

func (rt *Router) CompleteJob(ctx context.Context, job actor.Job) error {
	owner, ok := rt.Owner(job.UserID)
	if !ok {
		return domain.ErrNoMembers
	}
	if owner.ID == rt.self.ID {
		return rt.local.CompleteJob(ctx, job)
	}
	rctx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()
	return rt.remote.CompleteJob(rctx, owner.Addr, job)
}

// ServeLocal guards inbound RPC: a request for a user this node no longer
// owns fails with ErrWrongOwner so the sender nacks and redelivery lands on
// the winner. Any lingering local duplicate is conflict-killed on the spot.
func (rt *Router) ServeLocal(userID string) error {
	owner, ok := rt.Owner(userID)
	if !ok {
		return domain.ErrNoMembers
	}
	if owner.ID != rt.self.ID {
		rt.local.Conflict(userID)
		return domain.ErrWrongOwner
	}
	return nil
}

// Local returns the supervisor for transport handlers.
func (rt *Router) Local() *actor.Supervisor { return rt.local }
