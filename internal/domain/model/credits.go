package model

import (
	"time"

	"icecrystal/internal/domain"
)

// Bucket names a partition of a user's balance. Debits drain buckets in the
// fixed priority order trial -> expiring -> permanent.
type Bucket string

const (
	BucketTrial     Bucket = "trial"
	BucketExpiring  Bucket = "expiring"
	BucketPermanent Bucket = "permanent"
)

// ExpiringCredit is one tranche of time-limited credits. Amounts are
// non-negative milliseconds of service time; Initial is fixed at grant time
// and Amount counts down as the tranche is consumed.
type ExpiringCredit struct {
	UserID    string
	Initial   int64
	Amount    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	Note      string
}

// UserCredits is the balance record for one user: the trial and permanent
// bucket totals plus the expiring tranches sorted ascending by expiry.
type UserCredits struct {
	UserID    string
	Trial     int64
	Permanent int64
	Expiring  []ExpiringCredit
}

// NewUserCredits returns a zero balance for the given user.
func NewUserCredits(userID string) (*UserCredits, error) {
	if userID == "" {
		return nil, domain.ErrInvalidArgument
	}
	return &UserCredits{UserID: userID}, nil
}

// Clone returns a deep copy. Mutating the copy never touches the receiver.
func (uc *UserCredits) Clone() *UserCredits {
	cp := *uc
	if len(uc.Expiring) > 0 {
		cp.Expiring = make([]ExpiringCredit, len(uc.Expiring))
		copy(cp.Expiring, uc.Expiring)
	}
	return &cp
}

// Total is the sum over all buckets in milliseconds.
func (uc *UserCredits) Total() int64 {
	total := uc.Trial + uc.Permanent
	for _, ec := range uc.Expiring {
		if ec.Amount > 0 {
			total += ec.Amount
		}
	}
	return total
}

// NextExpiry returns the earliest tranche expiry, or false when the expiring
// bucket is empty. Assumes the list is kept sorted.
func (uc *UserCredits) NextExpiry() (time.Time, bool) {
	if len(uc.Expiring) == 0 {
		return time.Time{}, false
	}
	return uc.Expiring[0].ExpiresAt, true
}

// Grant is an ephemeral set of deltas handed to the arithmetic core. Trial
// and Permanent are signed; Expiring is a batch of new tranches to merge in.
type Grant struct {
	Trial     int64
	Permanent int64
	Expiring  []ExpiringCredit
}

// IsZero reports whether applying g would leave any state unchanged.
func (g Grant) IsZero() bool {
	return g.Trial == 0 && g.Permanent == 0 && len(g.Expiring) == 0
}

// Add combines two grants by summing the signed deltas and concatenating the
// tranche batches.
func (g Grant) Add(other Grant) Grant {
	out := Grant{
		Trial:     g.Trial + other.Trial,
		Permanent: g.Permanent + other.Permanent,
	}
	out.Expiring = append(out.Expiring, g.Expiring...)
	out.Expiring = append(out.Expiring, other.Expiring...)
	return out
}
