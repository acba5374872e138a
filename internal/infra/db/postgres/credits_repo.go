package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
)

// CreditsRepo persists balances in the relational store. Timestamps are
// stored as ISO-8601 UTC strings; tranches live in expiring_credits ordered
// by position so the expiry sort survives a round trip.
type CreditsRepo struct {
	pool *pgxpool.Pool
}

func NewCreditsRepo(pool *pgxpool.Pool) *CreditsRepo {
	return &CreditsRepo{pool: pool}
}

// Find loads a balance. Returns domain.ErrNotFound when the user has no row.
func (r *CreditsRepo) Find(ctx context.Context, userID string) (*model.UserCredits, error) {
	const q = `
SELECT user_id, trial, permanent
  FROM user_credits
 WHERE user_id=$1;`
	uc := &model.UserCredits{}
	err := r.pool.QueryRow(ctx, q, userID).Scan(&uc.UserID, &uc.Trial, &uc.Permanent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrOperationFailed
	}

	const qt = `
SELECT initial, amount, created_at, expires_at, note
  FROM expiring_credits
 WHERE user_id=$1
 ORDER BY position ASC;`
	rows, err := r.pool.Query(ctx, qt, userID)
	if err != nil {
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()
	for rows.Next() {
		var ec model.ExpiringCredit
		var created, expires string
		if err := rows.Scan(&ec.Initial, &ec.Amount, &created, &expires, &ec.Note); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		ec.UserID = userID
		if ec.CreatedAt, err = ParseTimestamp(created); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		if ec.ExpiresAt, err = ParseTimestamp(expires); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		uc.Expiring = append(uc.Expiring, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	model.SortExpiring(uc.Expiring)
	return uc, nil
}

// Save upserts the balance and replaces its tranche list in one transaction.
// A stale-version conflict (concurrent insert of the same user row) is
// retried once; the second failure surfaces as ErrOperationFailed so the
// caller nacks and the bus redelivers.
func (r *CreditsRepo) Save(ctx context.Context, uc *model.UserCredits) (*model.UserCredits, error) {
	err := r.save(ctx, uc)
	if errors.Is(err, domain.ErrStaleVersion) {
		err = r.save(ctx, uc)
	}
	if err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return nil, domain.ErrOperationFailed
		}
		return nil, err
	}
	return uc.Clone(), nil
}

// InsertIfAbsent writes a reconstructed balance with do-nothing-on-conflict
// semantics. Used when reconciling from the legacy store on first touch.
func (r *CreditsRepo) InsertIfAbsent(ctx context.Context, uc *model.UserCredits) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ErrOperationFailed
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO user_credits (user_id, trial, permanent, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (user_id) DO NOTHING;`
	tag, err := tx.Exec(ctx, q, uc.UserID, uc.Trial, uc.Permanent, FormatTimestamp(time.Now()))
	if err != nil {
		return domain.ErrOperationFailed
	}
	if tag.RowsAffected() == 1 {
		if err := insertTranches(ctx, tx, uc); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *CreditsRepo) save(ctx context.Context, uc *model.UserCredits) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ErrOperationFailed
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO user_credits (user_id, trial, permanent, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (user_id) DO UPDATE SET
  trial=$2, permanent=$3, updated_at=$4;`
	if _, err := tx.Exec(ctx, q, uc.UserID, uc.Trial, uc.Permanent, FormatTimestamp(time.Now())); err != nil {
		return classifyWriteErr(err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM expiring_credits WHERE user_id=$1;`, uc.UserID); err != nil {
		return domain.ErrOperationFailed
	}
	if err := insertTranches(ctx, tx, uc); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyWriteErr(err)
	}
	return nil
}

func insertTranches(ctx context.Context, tx pgx.Tx, uc *model.UserCredits) error {
	const q = `
INSERT INTO expiring_credits (user_id, position, initial, amount, created_at, expires_at, note)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	for i, ec := range uc.Expiring {
		_, err := tx.Exec(ctx, q, uc.UserID, i, ec.Initial, ec.Amount,
			FormatTimestamp(ec.CreatedAt), FormatTimestamp(ec.ExpiresAt), ec.Note)
		if err != nil {
			return classifyWriteErr(err)
		}
	}
	return nil
}

func classifyWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 unique_violation, 40001 serialization_failure
		if pgErr.Code == "23505" || pgErr.Code == "40001" {
			return domain.ErrStaleVersion
		}
	}
	return domain.ErrOperationFailed
}

// FormatTimestamp renders a timestamp as an ISO-8601 UTC string.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp reads an ISO-8601 string back into a time.Time.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
