package model

import (
	"math/rand"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tranche(amount int64, expires time.Time) ExpiringCredit {
	return ExpiringCredit{
		UserID:    "user-1",
		Initial:   amount,
		Amount:    amount,
		CreatedAt: testNow.Add(-time.Hour),
		ExpiresAt: expires,
	}
}

func TestApplyGrant(t *testing.T) {
	t.Run("adds signed deltas and clamps at zero", func(t *testing.T) {
		s := &UserCredits{UserID: "user-1", Trial: 500, Permanent: 1000}

		out := ApplyGrant(s, Grant{Trial: -800, Permanent: 250})

		if out.Trial != 0 {
			t.Errorf("trial: want 0 after clamping, got %d", out.Trial)
		}
		if out.Permanent != 1250 {
			t.Errorf("permanent: want 1250, got %d", out.Permanent)
		}
		if s.Trial != 500 || s.Permanent != 1000 {
			t.Error("input state was mutated")
		}
	})

	t.Run("zero grant returns state unchanged", func(t *testing.T) {
		s := &UserCredits{UserID: "user-1", Trial: 7, Permanent: 11}
		out := ApplyGrant(s, Grant{})
		if out.Trial != 7 || out.Permanent != 11 || len(out.Expiring) != 0 {
			t.Errorf("state changed by empty grant: %+v", out)
		}
	})

	t.Run("keeps expiring sorted across successive grants", func(t *testing.T) {
		// Scenario: grant day3+day1 then day2; final order must be 1,2,3.
		day := func(n int) time.Time { return testNow.AddDate(0, 0, n) }
		s := &UserCredits{UserID: "user-1"}

		s = ApplyGrant(s, Grant{Expiring: []ExpiringCredit{
			tranche(1000, day(3)),
			tranche(1000, day(1)),
		}})
		s = ApplyGrant(s, Grant{Expiring: []ExpiringCredit{
			tranche(1000, day(2)),
		}})

		if len(s.Expiring) != 3 {
			t.Fatalf("want 3 tranches, got %d", len(s.Expiring))
		}
		for i, want := range []time.Time{day(1), day(2), day(3)} {
			if !s.Expiring[i].ExpiresAt.Equal(want) {
				t.Errorf("tranche %d: want expiry %v, got %v", i, want, s.Expiring[i].ExpiresAt)
			}
		}
	})

	t.Run("negative tranche amounts are clamped", func(t *testing.T) {
		s := &UserCredits{UserID: "user-1"}
		out := ApplyGrant(s, Grant{Expiring: []ExpiringCredit{tranche(-50, testNow.Add(time.Hour))}})
		if len(out.Expiring) != 1 || out.Expiring[0].Amount != 0 {
			t.Errorf("want clamped zero-amount tranche, got %+v", out.Expiring)
		}
	})
}

func TestDeduct(t *testing.T) {
	t.Run("non-positive cost is a no-op", func(t *testing.T) {
		s := &UserCredits{UserID: "user-1", Trial: 100}
		for _, cost := range []int64{0, -5} {
			if _, _, ok := Deduct(s, cost); ok {
				t.Errorf("cost=%d: want no-op", cost)
			}
		}
	})

	t.Run("drains trial then expiring then permanent", func(t *testing.T) {
		// S1: trial=500, expiring=300, permanent=1000; deduct 900.
		s := &UserCredits{
			UserID:    "user-1",
			Trial:     500,
			Permanent: 1000,
			Expiring:  []ExpiringCredit{tranche(300, testNow.Add(10*time.Minute))},
		}

		out, rem, ok := Deduct(s, 900)

		if !ok || rem != 0 {
			t.Fatalf("want ok with zero remainder, got ok=%v rem=%d", ok, rem)
		}
		if out.Trial != 0 {
			t.Errorf("trial: want 0, got %d", out.Trial)
		}
		if len(out.Expiring) != 0 {
			t.Errorf("drained tranche must be removed, got %+v", out.Expiring)
		}
		if out.Permanent != 900 {
			t.Errorf("permanent: want 900, got %d", out.Permanent)
		}
	})

	t.Run("reduces a tranche that covers the remaining debt", func(t *testing.T) {
		s := &UserCredits{
			UserID: "user-1",
			Expiring: []ExpiringCredit{
				tranche(100, testNow.Add(time.Hour)),
				tranche(500, testNow.Add(2*time.Hour)),
			},
		}

		out, rem, _ := Deduct(s, 250)

		if rem != 0 {
			t.Fatalf("want zero remainder, got %d", rem)
		}
		if len(out.Expiring) != 1 || out.Expiring[0].Amount != 350 {
			t.Errorf("want single tranche with 350 left, got %+v", out.Expiring)
		}
	})

	t.Run("reports uncovered remainder", func(t *testing.T) {
		s := &UserCredits{UserID: "user-1", Trial: 100, Permanent: 50}
		out, rem, _ := Deduct(s, 400)
		if rem != 250 {
			t.Errorf("remainder: want 250, got %d", rem)
		}
		if out.Trial != 0 || out.Permanent != 0 {
			t.Errorf("buckets not fully drained: %+v", out)
		}
	})

	t.Run("never touches permanent while a higher bucket has funds", func(t *testing.T) {
		s := &UserCredits{UserID: "user-1", Trial: 1000, Permanent: 1000}
		out, _, _ := Deduct(s, 500)
		if out.Permanent != 1000 {
			t.Errorf("permanent decreased to %d while trial had funds", out.Permanent)
		}
	})

	t.Run("drops negative tranches without charging them", func(t *testing.T) {
		bad := tranche(0, testNow.Add(time.Hour))
		bad.Amount = -40
		s := &UserCredits{UserID: "user-1", Expiring: []ExpiringCredit{bad, tranche(100, testNow.Add(2 * time.Hour))}}

		out, rem, _ := Deduct(s, 60)

		if rem != 0 {
			t.Fatalf("want zero remainder, got %d", rem)
		}
		if len(out.Expiring) != 1 || out.Expiring[0].Amount != 40 {
			t.Errorf("want the corrupt tranche dropped and 40 left, got %+v", out.Expiring)
		}
	})

	t.Run("conserves total across random states", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 500; i++ {
			s := &UserCredits{UserID: "user-1", Trial: rng.Int63n(1000), Permanent: rng.Int63n(1000)}
			for n := rng.Intn(4); n > 0; n-- {
				s.Expiring = append(s.Expiring, tranche(rng.Int63n(500), testNow.Add(time.Duration(n)*time.Hour)))
			}
			SortExpiring(s.Expiring)
			cost := rng.Int63n(3000) + 1

			before := s.Total()
			out, rem, ok := Deduct(s, cost)
			if !ok {
				t.Fatal("positive cost must not be a no-op")
			}
			if rem < 0 || rem > cost {
				t.Fatalf("remainder %d out of range for cost %d", rem, cost)
			}
			if out.Total() != before-(cost-rem) {
				t.Fatalf("conservation violated: before=%d after=%d cost=%d rem=%d",
					before, out.Total(), cost, rem)
			}
		}
	})
}

func TestExpire(t *testing.T) {
	t.Run("drops stale leading tranches", func(t *testing.T) {
		// S3: one tranche five days old, one thirty days out.
		s := &UserCredits{
			UserID: "user-1",
			Expiring: []ExpiringCredit{
				tranche(700, testNow.AddDate(0, 0, -5)),
				tranche(900, testNow.AddDate(0, 0, 30)),
			},
		}

		out, changed := Expire(s, testNow, false)

		if !changed {
			t.Fatal("want changed=true")
		}
		if len(out.Expiring) != 1 || !out.Expiring[0].ExpiresAt.Equal(testNow.AddDate(0, 0, 30)) {
			t.Errorf("want only the future tranche kept, got %+v", out.Expiring)
		}
	})

	t.Run("boundary: expiry equal to now is expired", func(t *testing.T) {
		s := &UserCredits{UserID: "user-1", Expiring: []ExpiringCredit{tranche(100, testNow)}}
		out, changed := Expire(s, testNow, false)
		if !changed || len(out.Expiring) != 0 {
			t.Errorf("tranche expiring exactly at now must be dropped, got %+v", out.Expiring)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		s := &UserCredits{
			UserID: "user-1",
			Expiring: []ExpiringCredit{
				tranche(1, testNow.Add(-time.Minute)),
				tranche(2, testNow.Add(time.Minute)),
			},
		}
		once, _ := Expire(s, testNow, false)
		twice, changed := Expire(once, testNow, false)
		if changed {
			t.Error("second expire reported changes")
		}
		if len(twice.Expiring) != len(once.Expiring) {
			t.Errorf("want %d tranches, got %d", len(once.Expiring), len(twice.Expiring))
		}
	})

	t.Run("sort flag recovers from unsorted input", func(t *testing.T) {
		s := &UserCredits{
			UserID: "user-1",
			Expiring: []ExpiringCredit{
				tranche(2, testNow.Add(time.Hour)),
				tranche(1, testNow.Add(-time.Hour)),
			},
		}
		out, _ := Expire(s, testNow, true)
		if len(out.Expiring) != 1 || out.Expiring[0].Amount != 2 {
			t.Errorf("want stale tranche dropped after sorting, got %+v", out.Expiring)
		}
	})
}

func TestMergeExpiring(t *testing.T) {
	t.Run("equals sorting the concatenation", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 200; i++ {
			var a, b []ExpiringCredit
			for n := rng.Intn(5); n > 0; n-- {
				a = append(a, tranche(int64(n), testNow.Add(time.Duration(rng.Intn(10))*time.Hour)))
			}
			for n := rng.Intn(5); n > 0; n-- {
				b = append(b, tranche(int64(n), testNow.Add(time.Duration(rng.Intn(10))*time.Hour)))
			}
			SortExpiring(a)
			SortExpiring(b)

			merged := MergeExpiring(a, b)

			want := append(append([]ExpiringCredit(nil), a...), b...)
			SortExpiring(want)
			if len(merged) != len(want) {
				t.Fatalf("length mismatch: %d vs %d", len(merged), len(want))
			}
			for j := range merged {
				if !merged[j].ExpiresAt.Equal(want[j].ExpiresAt) {
					t.Fatalf("position %d: %v vs %v", j, merged[j].ExpiresAt, want[j].ExpiresAt)
				}
			}
		}
	})

	t.Run("existing entries win ties", func(t *testing.T) {
		at := testNow.Add(time.Hour)
		a := []ExpiringCredit{{Amount: 1, ExpiresAt: at, Note: "existing"}}
		b := []ExpiringCredit{{Amount: 2, ExpiresAt: at, Note: "incoming"}}
		merged := MergeExpiring(a, b)
		if merged[0].Note != "existing" {
			t.Errorf("tie broken in favor of incoming entry: %+v", merged)
		}
	})
}

func TestGrantAdd(t *testing.T) {
	g := Grant{Trial: 100, Expiring: []ExpiringCredit{tranche(1, testNow)}}
	h := Grant{Trial: -30, Permanent: 50, Expiring: []ExpiringCredit{tranche(2, testNow)}}
	sum := g.Add(h)
	if sum.Trial != 70 || sum.Permanent != 50 || len(sum.Expiring) != 2 {
		t.Errorf("unexpected combined grant: %+v", sum)
	}
}
