package pipeline

import (
	"time"

	"icecrystal/internal/domain/model"
)

// Entitlement conversion. Billing publishes entitlements as loosely typed
// JSON; each entry names a bucket and an amount map keyed by time unit.
// Amounts sum to floating-point seconds, then truncate to milliseconds.
// Entries that fail any shape check contribute nothing: a bad entitlement
// in a batch must never poison the rest of the batch.

const defaultEntitlementLife = 30 * 24 * time.Hour

var unitSeconds = map[string]float64{
	"seconds": 1,
	"minutes": 60,
	"hours":   3600,
	"days":    86_400,
	"weeks":   604_800,
}

// ConvertEntitlements folds a decoded entitlement list into a single grant
// for userID. now anchors entries without an explicit created timestamp.
func ConvertEntitlements(userID string, items []interface{}, now time.Time) model.Grant {
	var out model.Grant
	for _, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = out.Add(convertOne(userID, entry, now))
	}
	return out
}

func convertOne(userID string, entry map[string]interface{}, now time.Time) model.Grant {
	if kind, _ := entry["kind"].(string); kind != "credits" {
		return model.Grant{}
	}
	ms, ok := amountMS(entry["amount"])
	if !ok || ms <= 0 {
		return model.Grant{}
	}

	bucket, _ := entry["bucket"].(string)
	switch model.Bucket(bucket) {
	case model.BucketTrial:
		return model.Grant{Trial: ms}
	case model.BucketPermanent:
		return model.Grant{Permanent: ms}
	case model.BucketExpiring:
		created := createdAt(entry["created"], now)
		note, _ := entry["note"].(string)
		return model.Grant{Expiring: []model.ExpiringCredit{{
			UserID:    userID,
			Initial:   ms,
			Amount:    ms,
			CreatedAt: created,
			ExpiresAt: expiresAt(entry["expires"], created),
			Note:      note,
		}}}
	default:
		return model.Grant{}
	}
}

// amountMS sums an amount map across units into milliseconds.
func amountMS(v interface{}) (int64, bool) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return 0, false
	}
	var seconds float64
	for unit, raw := range m {
		scale, known := unitSeconds[unit]
		if !known {
			return 0, false
		}
		n, ok := asFloat(raw)
		if !ok {
			return 0, false
		}
		seconds += n * scale
	}
	return int64(seconds * 1000), true
}

func createdAt(v interface{}, now time.Time) time.Time {
	if n, ok := asFloat(v); ok {
		return time.UnixMilli(int64(n)).UTC()
	}
	return now.UTC()
}

// expiresAt resolves the expiry field: a number is an absolute ms
// timestamp, a unit map is a duration added to created, absent means
// created plus the default lifetime.
func expiresAt(v interface{}, created time.Time) time.Time {
	switch {
	case v == nil:
		return created.Add(defaultEntitlementLife)
	default:
		if n, ok := asFloat(v); ok {
			return time.UnixMilli(int64(n)).UTC()
		}
		if ms, ok := amountMS(v); ok {
			return created.Add(time.Duration(ms) * time.Millisecond)
		}
		return created.Add(defaultEntitlementLife)
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
