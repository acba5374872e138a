// Package mongodb reads and mirrors the legacy document store. The store is
// transitional: reads happen only on first touch of a user (reconciliation
// into the relational store) and writes are best-effort mirrors. Once every
// tenant is migrated this package and the mirror queue can be deleted.
package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"icecrystal/internal/config"
	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
)

const collectionName = "user_credits"

type LegacyRepo struct {
	cli  *mongo.Client
	coll *mongo.Collection
}

func NewLegacyRepo(ctx context.Context, cfg *config.DocumentConfig) (*LegacyRepo, error) {
	opts := options.Client().ApplyURI(cfg.URL)
	if cfg.PoolSize > 0 {
		opts.SetMaxPoolSize(uint64(cfg.PoolSize))
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(cctx, nil); err != nil {
		return nil, err
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = "icecrystal"
	}
	return &LegacyRepo{cli: cli, coll: cli.Database(dbName).Collection(collectionName)}, nil
}

func (r *LegacyRepo) Close(ctx context.Context) error { return r.cli.Disconnect(ctx) }

// Find loads and normalizes a legacy balance document.
func (r *LegacyRepo) Find(ctx context.Context, userID string) (*model.UserCredits, error) {
	var doc bson.M
	err := r.coll.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrOperationFailed
	}
	uc, err := DecodeCredits(userID, doc)
	if err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return uc, nil
}

// Mirror upserts the balance in the legacy layout so readers that have not
// migrated yet keep seeing current data.
func (r *LegacyRepo) Mirror(ctx context.Context, uc *model.UserCredits) error {
	tranches := make([]bson.M, 0, len(uc.Expiring))
	for _, ec := range uc.Expiring {
		tranches = append(tranches, bson.M{
			"initial": ec.Initial,
			"amount":  ec.Amount,
			"created": ec.CreatedAt.UTC().UnixMilli(),
			"expires": ec.ExpiresAt.UTC().UnixMilli(),
			"note":    ec.Note,
		})
	}
	doc := bson.M{
		"user_id":   uc.UserID,
		"trial":     uc.Trial,
		"permanent": uc.Permanent,
		"expiring":  tranches,
	}
	_, err := r.coll.ReplaceOne(ctx, bson.M{"user_id": uc.UserID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return domain.ErrOperationFailed
	}
	return nil
}

// DecodeCredits maps a legacy balance document onto the canonical model.
// Unknown fields are ignored; malformed tranches are skipped rather than
// failing the whole record.
func DecodeCredits(userID string, doc bson.M) (*model.UserCredits, error) {
	uc := &model.UserCredits{UserID: userID}
	uc.Trial = asInt64(doc["trial"])
	uc.Permanent = asInt64(doc["permanent"])
	if uc.Trial < 0 {
		uc.Trial = 0
	}
	if uc.Permanent < 0 {
		uc.Permanent = 0
	}

	raw, _ := doc["expiring"].(bson.A)
	for _, item := range raw {
		m, ok := item.(bson.M)
		if !ok {
			continue
		}
		ec, ok := decodeTranche(userID, m)
		if !ok {
			continue
		}
		uc.Expiring = append(uc.Expiring, ec)
	}
	model.SortExpiring(uc.Expiring)
	return uc, nil
}

// decodeTranche handles the three historical layouts:
//
//	{initial, left, created, expires}
//	{initial, amount, created, expires}
//	{amount, left, expires}
//
// discriminated by field presence.
func decodeTranche(userID string, m bson.M) (model.ExpiringCredit, bool) {
	ec := model.ExpiringCredit{UserID: userID}

	expires, ok := parseLegacyTime(m["expires"])
	if !ok {
		return ec, false
	}
	ec.ExpiresAt = expires
	if created, ok := parseLegacyTime(m["created"]); ok {
		ec.CreatedAt = created
	}
	if note, ok := m["note"].(string); ok {
		ec.Note = note
	}

	_, hasInitial := m["initial"]
	_, hasLeft := m["left"]
	_, hasAmount := m["amount"]
	switch {
	case hasInitial && hasLeft:
		ec.Initial = asInt64(m["initial"])
		ec.Amount = asInt64(m["left"])
	case hasInitial && hasAmount:
		ec.Initial = asInt64(m["initial"])
		ec.Amount = asInt64(m["amount"])
	case hasAmount && hasLeft:
		// Oldest layout: "amount" was the grant size, "left" the remainder.
		ec.Initial = asInt64(m["amount"])
		ec.Amount = asInt64(m["left"])
	default:
		return ec, false
	}

	if ec.Amount < 0 {
		ec.Amount = 0
	}
	if ec.Initial < ec.Amount {
		ec.Initial = ec.Amount
	}
	return ec, true
}

// parseLegacyTime accepts ISO-8601 strings, integer seconds, or integer
// milliseconds since epoch. Magnitude selects the integer unit: values at or
// above 1e11 are milliseconds (1e11 seconds is past year 5000).
func parseLegacyTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
		return time.Time{}, false
	case time.Time:
		return t.UTC(), true
	case int32:
		return fromEpoch(int64(t)), true
	case int64:
		return fromEpoch(t), true
	case float64:
		return fromEpoch(int64(t)), true
	default:
		return time.Time{}, false
	}
}

func fromEpoch(v int64) time.Time {
	if v >= 100_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
