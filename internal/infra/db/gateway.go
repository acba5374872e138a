// Package db assembles the persistence gateway: the relational store is
// authoritative, the legacy document store is consulted once per user (first
// touch) and mirrored on a best-effort basis until the migration finishes.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
	"icecrystal/internal/domain/ports/repository"
	"icecrystal/internal/infra/metrics"
)

// Relational is the authoritative store surface the gateway needs.
type Relational interface {
	Find(ctx context.Context, userID string) (*model.UserCredits, error)
	Save(ctx context.Context, uc *model.UserCredits) (*model.UserCredits, error)
	InsertIfAbsent(ctx context.Context, uc *model.UserCredits) error
}

// Legacy is the document store surface. Nil legacy disables reconciliation
// and mirroring entirely.
type Legacy interface {
	Find(ctx context.Context, userID string) (*model.UserCredits, error)
	Mirror(ctx context.Context, uc *model.UserCredits) error
}

var _ repository.CreditsRepository = (*Gateway)(nil)

const (
	mirrorQueueSize = 1024
	mirrorAttempts  = 3
)

type Gateway struct {
	rel    Relational
	legacy Legacy
	mirror chan *model.UserCredits
	done   chan struct{}
	log    *zerolog.Logger
}

func NewGateway(rel Relational, legacy Legacy, logger *zerolog.Logger) *Gateway {
	gwLog := logger.With().Str("component", "Gateway").Logger()
	g := &Gateway{
		rel:    rel,
		legacy: legacy,
		log:    &gwLog,
	}
	if legacy != nil {
		g.mirror = make(chan *model.UserCredits, mirrorQueueSize)
		g.done = make(chan struct{})
	}
	return g
}

// Start launches the mirror drainer. No-op when the legacy store is off.
func (g *Gateway) Start(ctx context.Context) {
	if g.legacy == nil {
		return
	}
	go g.drainMirror(ctx)
}

// Fetch reads relational first; on miss it reconciles from the legacy store
// with do-nothing-on-conflict insert semantics. When both stores miss, the
// caller gets a zero balance that is not yet persisted anywhere.
func (g *Gateway) Fetch(ctx context.Context, userID string) (*model.UserCredits, error) {
	start := time.Now()
	defer func() { metrics.ObserveGatewayOp("fetch", msSince(start)) }()

	uc, err := g.rel.Find(ctx, userID)
	if err == nil {
		return uc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if g.legacy != nil {
		uc, err = g.legacy.Find(ctx, userID)
		if err == nil {
			if insErr := g.rel.InsertIfAbsent(ctx, uc); insErr != nil {
				// The reconstructed record is still correct; the insert will
				// happen on the first mutation instead.
				g.log.Warn().Err(insErr).Str("user_id", userID).Msg("reconcile insert failed")
			}
			metrics.IncLegacyReconcile()
			g.log.Info().Str("user_id", userID).Msg("balance reconciled from legacy store")
			return uc, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	return &model.UserCredits{UserID: userID}, nil
}

// Update writes through to the relational store and queues a best-effort
// mirror write. A full mirror queue drops the write with a log; mirror
// failures never fail the update.
func (g *Gateway) Update(ctx context.Context, uc *model.UserCredits) (*model.UserCredits, error) {
	start := time.Now()
	defer func() { metrics.ObserveGatewayOp("update", msSince(start)) }()

	saved, err := g.rel.Save(ctx, uc)
	if err != nil {
		return nil, err
	}

	if g.legacy != nil {
		select {
		case g.mirror <- saved.Clone():
			metrics.SetMirrorQueueDepth(len(g.mirror))
		default:
			metrics.IncMirrorDrop()
			g.log.Error().Str("user_id", uc.UserID).Msg("mirror queue full; dropping mirror write")
		}
	}
	return saved, nil
}

// Close stops accepting mirror writes and waits for the drainer to exit.
func (g *Gateway) Close() {
	if g.mirror == nil {
		return
	}
	close(g.mirror)
	<-g.done
}

func (g *Gateway) drainMirror(ctx context.Context) {
	defer close(g.done)
	for uc := range g.mirror {
		metrics.SetMirrorQueueDepth(len(g.mirror))
		var err error
		for attempt := 1; attempt <= mirrorAttempts; attempt++ {
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = g.legacy.Mirror(wctx, uc)
			cancel()
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Duration(attempt) * 250 * time.Millisecond)
		}
		if err != nil {
			metrics.IncMirrorDrop()
			g.log.Error().Err(err).Str("user_id", uc.UserID).Msg("mirror write abandoned")
		}
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
