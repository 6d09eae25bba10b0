package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

func TestClaimAndComplete(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	cp, err := mgr.Claim(ctx, "work/workload0.json", "worker-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if cp.State != StateConsumed {
		t.Errorf("expected state %q, got %q", StateConsumed, cp.State)
	}

	// The owner may resume an interrupted run.
	if _, err := mgr.Claim(ctx, "work/workload0.json", "worker-a"); err != nil {
		t.Fatalf("resume claim failed: %v", err)
	}

	// Nobody else may while the claim is live.
	if _, err := mgr.Claim(ctx, "work/workload0.json", "worker-b"); !errors.Is(err, ErrClaimed) {
		t.Fatalf("expected ErrClaimed, got %v", err)
	}

	cp.State = StateDone
	cp.Confirmed = 10
	if err := mgr.Save(ctx, cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, err = mgr.Claim(ctx, "work/workload0.json", "worker-c")
	if !errors.Is(err, ErrAlreadyConsumed) {
		t.Errorf("expected ErrAlreadyConsumed, got %v", err)
	}

	loaded, err := mgr.Load(ctx, "work/workload0.json")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Confirmed != 10 || loaded.State != StateDone {
		t.Errorf("unexpected checkpoint: %+v", loaded)
	}

	// Other manifests are independent.
	if _, err := mgr.Claim(ctx, "work/workload1.json", "worker-c"); err != nil {
		t.Errorf("claim of a different manifest failed: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := mgr.Load(context.Background(), "nope.json"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestNoopManager(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := mgr.Claim(ctx, "m.json", "w"); err != nil {
			t.Fatalf("noop claim failed: %v", err)
		}
	}
	if err := mgr.Save(ctx, &Checkpoint{Manifest: "m.json", State: StateDone}); err != nil {
		t.Fatalf("noop save failed: %v", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.Claim(ctx, "work/workload0.json", fmt.Sprintf("worker-%d", i))
		}(i)
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrClaimed):
			t.Errorf("worker-%d: expected ErrClaimed, got %v", i, err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestClaimTakesOverStaleClaim(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{Enabled: true, Dir: t.TempDir(), StaleAfter: time.Hour})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mgr := m.(*fileManager)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	if _, err := mgr.Claim(ctx, "w.json", "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	now = now.Add(59 * time.Minute)
	if _, err := mgr.Claim(ctx, "w.json", "worker-b"); !errors.Is(err, ErrClaimed) {
		t.Fatalf("expected ErrClaimed before the claim is stale, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	cp, err := mgr.Claim(ctx, "w.json", "worker-b")
	if err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	if cp.WorkerID != "worker-b" || cp.Generation != 2 {
		t.Errorf("unexpected checkpoint after takeover: %+v", cp)
	}

	// The previous owner lost the claim.
	if _, err := mgr.Claim(ctx, "w.json", "worker-a"); !errors.Is(err, ErrClaimed) {
		t.Errorf("expected ErrClaimed for the previous owner, got %v", err)
	}
}

func TestClaimSkipsOrphanedClaimFile(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{Enabled: true, Dir: t.TempDir(), StaleAfter: time.Hour})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mgr := m.(*fileManager)

	// A worker won generation 1 and died before saving its checkpoint.
	orphan := mgr.claimPath("w.json", 1)
	if err := os.WriteFile(orphan, []byte("worker-dead"), 0644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	if _, err := mgr.Claim(ctx, "w.json", "worker-a"); !errors.Is(err, ErrClaimed) {
		t.Fatalf("expected ErrClaimed for a fresh orphan, got %v", err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	cp, err := mgr.Claim(ctx, "w.json", "worker-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if cp.Generation != 2 {
		t.Errorf("expected generation 2, got %d", cp.Generation)
	}
}
