package model

import (
	"sort"
	"time"
)

// Pure balance arithmetic. Every function here returns a fresh UserCredits
// and never performs I/O; callers pass the clock in. Illegal inputs are
// clamped, not rejected.

// ApplyGrant adds the signed trial/permanent deltas (clamping both buckets at
// zero) and merges the grant's tranches into the expiring list, keeping it
// sorted ascending by expiry. A zero grant returns an unchanged copy.
func ApplyGrant(uc *UserCredits, g Grant) *UserCredits {
	out := uc.Clone()
	if g.IsZero() {
		return out
	}
	out.Trial = clampZero(out.Trial + g.Trial)
	out.Permanent = clampZero(out.Permanent + g.Permanent)
	if len(g.Expiring) > 0 {
		incoming := make([]ExpiringCredit, len(g.Expiring))
		copy(incoming, g.Expiring)
		for i := range incoming {
			if incoming[i].UserID == "" {
				incoming[i].UserID = uc.UserID
			}
			incoming[i].Amount = clampZero(incoming[i].Amount)
			if incoming[i].Initial < incoming[i].Amount {
				incoming[i].Initial = incoming[i].Amount
			}
		}
		SortExpiring(incoming)
		out.Expiring = MergeExpiring(out.Expiring, incoming)
	}
	return out
}

// Deduct charges cost milliseconds against the balance in bucket priority
// order trial -> expiring -> permanent. Expiring tranches are consumed in
// ascending expiry order; a drained tranche is removed. The second return is
// the residual cost that could not be covered. ok is false when cost <= 0,
// in which case callers must treat the call as a no-op and not write.
func Deduct(uc *UserCredits, cost int64) (out *UserCredits, remainder int64, ok bool) {
	if cost <= 0 {
		return nil, 0, false
	}
	out = uc.Clone()
	remainder = cost

	take := min64(out.Trial, remainder)
	out.Trial -= take
	remainder -= take

	if remainder > 0 && len(out.Expiring) > 0 {
		kept := out.Expiring[:0]
		for _, ec := range out.Expiring {
			if ec.Amount <= 0 {
				// Corrupt tranche; drop rather than charge against it.
				continue
			}
			if remainder <= 0 {
				kept = append(kept, ec)
				continue
			}
			take = min64(ec.Amount, remainder)
			ec.Amount -= take
			remainder -= take
			if ec.Amount > 0 {
				kept = append(kept, ec)
			}
		}
		out.Expiring = kept
	}

	take = min64(out.Permanent, remainder)
	out.Permanent -= take
	remainder -= take

	return out, remainder, true
}

// Expire drops every leading tranche whose expiry is not strictly in the
// future: a tranche with ExpiresAt == now is already expired. When sortFirst
// is set the list is re-sorted before the prefix scan, which recovers from a
// store that returned tranches out of order. changed reports whether any
// tranche was removed.
func Expire(uc *UserCredits, now time.Time, sortFirst bool) (out *UserCredits, changed bool) {
	out = uc.Clone()
	if sortFirst {
		SortExpiring(out.Expiring)
	}
	i := 0
	for i < len(out.Expiring) && !out.Expiring[i].ExpiresAt.After(now) {
		i++
	}
	if i == 0 {
		return out, false
	}
	out.Expiring = append([]ExpiringCredit(nil), out.Expiring[i:]...)
	return out, true
}

// SortExpiring sorts tranches ascending by expiry, in place. The sort is
// stable so equal expiries keep their relative order.
func SortExpiring(list []ExpiringCredit) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ExpiresAt.Before(list[j].ExpiresAt)
	})
}

// MergeExpiring merges two expiry-sorted lists into a new sorted list. On
// equal expiries entries from a come first.
func MergeExpiring(a, b []ExpiringCredit) []ExpiringCredit {
	if len(b) == 0 {
		return append([]ExpiringCredit(nil), a...)
	}
	if len(a) == 0 {
		return append([]ExpiringCredit(nil), b...)
	}
	out := make([]ExpiringCredit, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].ExpiresAt.Before(a[i].ExpiresAt) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
