package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
)

type memRepo struct {
	mu      sync.Mutex
	store   map[string]*model.UserCredits
	updates int32

	FetchFunc  func(ctx context.Context, userID string) (*model.UserCredits, error)
	UpdateFunc func(ctx context.Context, uc *model.UserCredits) (*model.UserCredits, error)
}

func newMemRepo() *memRepo {
	return &memRepo{store: make(map[string]*model.UserCredits)}
}

func (m *memRepo) Fetch(ctx context.Context, userID string) (*model.UserCredits, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if uc, ok := m.store[userID]; ok {
		return uc.Clone(), nil
	}
	return &model.UserCredits{UserID: userID}, nil
}

func (m *memRepo) Update(ctx context.Context, uc *model.UserCredits) (*model.UserCredits, error) {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, uc)
	}
	atomic.AddInt32(&m.updates, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[uc.UserID] = uc.Clone()
	return uc.Clone(), nil
}

func (m *memRepo) updateCount() int32 { return atomic.LoadInt32(&m.updates) }

func (m *memRepo) get(userID string) *model.UserCredits {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uc, ok := m.store[userID]; ok {
		return uc.Clone()
	}
	return nil
}

func (m *memRepo) put(uc *model.UserCredits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[uc.UserID] = uc.Clone()
}

func defaultCaps(string) int64 { return 300_000 }

func testOpts(repo *memRepo) Options {
	l := zerolog.Nop()
	return Options{
		Repo:        repo,
		Caps:        defaultCaps,
		IdleTimeout: time.Minute,
		Logger:      &l,
	}
}

func TestActor_Grant(t *testing.T) {
	ctx := context.Background()

	t.Run("persists before replying", func(t *testing.T) {
		repo := newMemRepo()
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()

		uc, err := a.Grant(ctx, model.Grant{Permanent: 5000})
		if err != nil {
			t.Fatal(err)
		}
		if uc.Permanent != 5000 {
			t.Errorf("reply: want permanent 5000, got %d", uc.Permanent)
		}
		if persisted := repo.get("user-1"); persisted == nil || persisted.Permanent != 5000 {
			t.Errorf("state replied before persistence: %+v", persisted)
		}
	})

	t.Run("write failure leaves cached state untouched", func(t *testing.T) {
		repo := newMemRepo()
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()

		if _, err := a.Grant(ctx, model.Grant{Trial: 100}); err != nil {
			t.Fatal(err)
		}
		repo.UpdateFunc = func(context.Context, *model.UserCredits) (*model.UserCredits, error) {
			return nil, domain.ErrOperationFailed
		}

		if _, err := a.Grant(ctx, model.Grant{Trial: 900}); !errors.Is(err, domain.ErrOperationFailed) {
			t.Fatalf("want ErrOperationFailed, got %v", err)
		}

		repo.UpdateFunc = nil
		uc, err := a.GetCredits(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if uc.Trial != 100 {
			t.Errorf("failed write leaked into cache: trial=%d", uc.Trial)
		}
	})

	t.Run("empty grant does not write", func(t *testing.T) {
		repo := newMemRepo()
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()

		before := repo.updateCount()
		if _, err := a.Grant(ctx, model.Grant{}); err != nil {
			t.Fatal(err)
		}
		if repo.updateCount() != before {
			t.Error("empty grant caused a write")
		}
	})
}

func TestActor_CompleteJob(t *testing.T) {
	ctx := context.Background()

	t.Run("caps cost by job type", func(t *testing.T) {
		// S4: cap jobA at 60s, send 90s of cost.
		repo := newMemRepo()
		repo.put(&model.UserCredits{UserID: "user-1", Permanent: 200_000})
		opts := testOpts(repo)
		opts.Caps = func(jobType string) int64 {
			if jobType == "jobA" {
				return 60_000
			}
			return 300_000
		}
		a := Spawn("user-1", opts)
		defer a.Conflict()

		err := a.CompleteJob(ctx, Job{ID: "j1", UserID: "user-1", Type: "jobA", ChargeCredits: true, Cost: 90_000})
		if err != nil {
			t.Fatal(err)
		}
		if got := repo.get("user-1").Permanent; got != 140_000 {
			t.Errorf("want permanent 140000, got %d", got)
		}
	})

	t.Run("unknown type uses the default cap", func(t *testing.T) {
		// S5: 600s of cost against the default 300s ceiling.
		repo := newMemRepo()
		repo.put(&model.UserCredits{UserID: "user-1", Permanent: 1_000_000})
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()

		err := a.CompleteJob(ctx, Job{ID: "j2", UserID: "user-1", Type: "unknown", ChargeCredits: true, Cost: 600_000})
		if err != nil {
			t.Fatal(err)
		}
		if got := repo.get("user-1").Permanent; got != 700_000 {
			t.Errorf("want permanent 700000, got %d", got)
		}
	})

	t.Run("job for another user is dropped with a terminal error", func(t *testing.T) {
		repo := newMemRepo()
		repo.put(&model.UserCredits{UserID: "user-1", Permanent: 100})
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()

		err := a.CompleteJob(ctx, Job{ID: "j3", UserID: "someone-else", ChargeCredits: true, Cost: 50})
		if !errors.Is(err, domain.ErrUserMismatch) {
			t.Fatalf("want ErrUserMismatch, got %v", err)
		}
		if domain.Transient(err) {
			t.Error("a mismatched job must never be retried")
		}
		if got := repo.get("user-1").Permanent; got != 100 {
			t.Errorf("mismatched job mutated state: %d", got)
		}
	})

	t.Run("uncharged or free jobs do not write", func(t *testing.T) {
		repo := newMemRepo()
		repo.put(&model.UserCredits{UserID: "user-1", Permanent: 100})
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()
		if _, err := a.GetCredits(ctx); err != nil {
			t.Fatal(err)
		}
		before := repo.updateCount()

		if err := a.CompleteJob(ctx, Job{ID: "j4", UserID: "user-1", ChargeCredits: false, Cost: 50}); err != nil {
			t.Fatal(err)
		}
		if err := a.CompleteJob(ctx, Job{ID: "j5", UserID: "user-1", ChargeCredits: true, Cost: 0}); err != nil {
			t.Fatal(err)
		}
		if repo.updateCount() != before {
			t.Error("no-op jobs caused writes")
		}
	})

	t.Run("insufficient balance charges what was there", func(t *testing.T) {
		repo := newMemRepo()
		repo.put(&model.UserCredits{UserID: "user-1", Trial: 40})
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()

		if err := a.CompleteJob(ctx, Job{ID: "j6", UserID: "user-1", Type: "t", ChargeCredits: true, Cost: 500}); err != nil {
			t.Fatal(err)
		}
		if got := repo.get("user-1"); got.Total() != 0 {
			t.Errorf("want drained balance, got %+v", got)
		}
	})
}

func TestActor_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("timer fires and drops the tranche", func(t *testing.T) {
		repo := newMemRepo()
		now := time.Now()
		repo.put(&model.UserCredits{
			UserID:    "user-1",
			Permanent: 10,
			Expiring: []model.ExpiringCredit{
				{UserID: "user-1", Initial: 500, Amount: 500, CreatedAt: now, ExpiresAt: now.Add(30 * time.Millisecond)},
			},
		})
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			uc, err := a.GetCredits(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(uc.Expiring) == 0 {
				persisted := repo.get("user-1")
				if len(persisted.Expiring) != 0 {
					t.Fatal("expiry not persisted")
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("tranche never expired")
	})

	t.Run("stale tranche is dropped during load", func(t *testing.T) {
		repo := newMemRepo()
		now := time.Now()
		repo.put(&model.UserCredits{
			UserID: "user-1",
			Expiring: []model.ExpiringCredit{
				{UserID: "user-1", Initial: 300, Amount: 300, CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)},
			},
		})
		a := Spawn("user-1", testOpts(repo))
		defer a.Conflict()

		uc, err := a.GetCredits(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(uc.Expiring) != 0 {
			t.Errorf("stale tranche survived rehydration: %+v", uc.Expiring)
		}
	})
}

func TestActor_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("idle timeout releases the actor", func(t *testing.T) {
		repo := newMemRepo()
		opts := testOpts(repo)
		opts.IdleTimeout = 30 * time.Millisecond
		stopped := make(chan string, 1)
		opts.OnExit = func(_, reason string) { stopped <- reason }

		a := Spawn("user-1", opts)
		if _, err := a.GetCredits(ctx); err != nil {
			t.Fatal(err)
		}

		select {
		case reason := <-stopped:
			if reason != "idle" {
				t.Errorf("want idle stop, got %q", reason)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("actor never idled out")
		}
	})

	t.Run("conflict terminates without writing", func(t *testing.T) {
		repo := newMemRepo()
		repo.put(&model.UserCredits{UserID: "user-1", Trial: 10})
		opts := testOpts(repo)
		stopped := make(chan string, 1)
		opts.OnExit = func(_, reason string) { stopped <- reason }

		a := Spawn("user-1", opts)
		if _, err := a.GetCredits(ctx); err != nil {
			t.Fatal(err)
		}
		before := repo.updateCount()
		a.Conflict()

		select {
		case reason := <-stopped:
			if reason != "conflict" {
				t.Errorf("want conflict stop, got %q", reason)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("actor never stopped")
		}
		if repo.updateCount() != before {
			t.Error("conflicted actor flushed state")
		}
		if _, err := a.GetCredits(ctx); !errors.Is(err, domain.ErrActorStopped) {
			t.Errorf("want ErrActorStopped after conflict, got %v", err)
		}
	})

	t.Run("failed load drops the actor and fails callers", func(t *testing.T) {
		repo := newMemRepo()
		repo.FetchFunc = func(context.Context, string) (*model.UserCredits, error) {
			return nil, domain.ErrOperationFailed
		}
		a := Spawn("user-1", testOpts(repo))

		_, err := a.GetCredits(ctx)
		if !errors.Is(err, domain.ErrOperationFailed) && !errors.Is(err, domain.ErrActorStopped) {
			t.Errorf("want transient failure, got %v", err)
		}
	})
}

func TestSupervisor(t *testing.T) {
	ctx := context.Background()
	l := zerolog.Nop()

	t.Run("spawns on demand and reuses the actor", func(t *testing.T) {
		repo := newMemRepo()
		s := NewSupervisor(repo, defaultCaps, Options{IdleTimeout: time.Minute}, &l)
		defer s.Shutdown()

		if _, err := s.Grant(ctx, "user-1", model.Grant{Trial: 5}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Grant(ctx, "user-1", model.Grant{Trial: 5}); err != nil {
			t.Fatal(err)
		}
		if s.Len() != 1 {
			t.Errorf("want 1 live actor, got %d", s.Len())
		}
		uc, _ := s.GetCredits(ctx, "user-1")
		if uc.Trial != 10 {
			t.Errorf("want trial 10, got %d", uc.Trial)
		}
	})

	t.Run("respawns after conflict kill", func(t *testing.T) {
		repo := newMemRepo()
		s := NewSupervisor(repo, defaultCaps, Options{IdleTimeout: time.Minute}, &l)
		defer s.Shutdown()

		if _, err := s.Grant(ctx, "user-1", model.Grant{Permanent: 3}); err != nil {
			t.Fatal(err)
		}
		s.Conflict("user-1")

		uc, err := s.GetCredits(ctx, "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if uc.Permanent != 3 {
			t.Errorf("rehydrated state lost the write: %+v", uc)
		}
	})

	t.Run("serializes concurrent mutations per user", func(t *testing.T) {
		repo := newMemRepo()
		repo.put(&model.UserCredits{UserID: "user-1", Permanent: 100_000})
		s := NewSupervisor(repo, defaultCaps, Options{IdleTimeout: time.Minute}, &l)
		defer s.Shutdown()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					_, _ = s.Grant(ctx, "user-1", model.Grant{Permanent: 1000})
				} else {
					_ = s.CompleteJob(ctx, Job{ID: "j", UserID: "user-1", Type: "t", ChargeCredits: true, Cost: 1000})
				}
			}(i)
		}
		wg.Wait()

		uc, err := s.GetCredits(ctx, "user-1")
		if err != nil {
			t.Fatal(err)
		}
		// 10 grants of +1000 and 10 debits of -1000 commute to zero net.
		if uc.Permanent != 100_000 {
			t.Errorf("lost update: want 100000, got %d", uc.Permanent)
		}
	})

	t.Run("shutdown waits for in-flight writes", func(t *testing.T) {
		repo := newMemRepo()
		var inflight int32
		repo.UpdateFunc = func(ctx context.Context, uc *model.UserCredits) (*model.UserCredits, error) {
			atomic.AddInt32(&inflight, 1)
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			return uc.Clone(), nil
		}
		s := NewSupervisor(repo, defaultCaps, Options{IdleTimeout: time.Minute}, &l)

		go func() { _, _ = s.Grant(ctx, "user-1", model.Grant{Trial: 5}) }()
		deadline := time.Now().Add(time.Second)
		for atomic.LoadInt32(&inflight) == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if atomic.LoadInt32(&inflight) == 0 {
			t.Fatal("write never started")
		}

		s.Shutdown()
		// Once Shutdown returns, no actor goroutine may still be inside the
		// repository; main closes the stores right after this point.
		if atomic.LoadInt32(&inflight) != 0 {
			t.Error("shutdown returned while a write was still in flight")
		}
		if s.Len() != 0 {
			t.Errorf("want 0 live actors after shutdown, got %d", s.Len())
		}
	})
}
