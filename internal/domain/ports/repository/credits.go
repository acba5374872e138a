package repository

import (
	"context"

	"icecrystal/internal/domain/model"
)

// CreditsRepository is the persistence gateway contract. Fetch never fails on
// a missing record: an untouched user resolves to a zero balance.
type CreditsRepository interface {
	// Fetch loads the balance for userID, reconciling from the legacy store
	// on first touch. Both stores missing yields a zero-balance record.
	Fetch(ctx context.Context, userID string) (*model.UserCredits, error)
	// Update writes the balance through to the authoritative store and
	// mirrors it to the legacy store on a best-effort basis.
	Update(ctx context.Context, uc *model.UserCredits) (*model.UserCredits, error)
}

// ChangeLog records processed source events so redeliveries can be dropped
// before they reach an actor. Record returns domain.ErrDuplicateEvent when
// the (event, user) pair has been seen already. Forget undoes a Record whose
// event was nacked: the redelivery must reach the actor, because the
// mutation may never have committed.
type ChangeLog interface {
	Record(ctx context.Context, eventID, userID string) error
	Forget(ctx context.Context, eventID, userID string) error
}
