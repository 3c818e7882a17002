package clientid

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfig(dir string) Config {
	return Config{
		Role:     "snapshot",
		Min:      10,
		Max:      12,
		StateDir: dir,
		LockTTL:  time.Hour,
	}
}

func TestClaim_SequentialOrder(t *testing.T) {
	a := New(testConfig(t.TempDir()), nil)

	lease, err := a.Claim()
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if lease.ID != 10 {
		t.Errorf("first claim id = %d, want 10", lease.ID)
	}

	lease2, err := a.Claim()
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if lease2.ID != 11 {
		t.Errorf("second claim id = %d, want 11", lease2.ID)
	}
}

func TestClaim_ExhaustedPool(t *testing.T) {
	a := New(testConfig(t.TempDir()), nil)

	for i := 0; i < 3; i++ {
		if _, err := a.Claim(); err != nil {
			t.Fatalf("Claim %d error = %v", i, err)
		}
	}

	_, err := a.Claim()
	if !errors.Is(err, ErrNoClientID) {
		t.Errorf("Claim on exhausted pool = %v, want ErrNoClientID", err)
	}
}

func TestRelease_FreesIDAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := New(testConfig(dir), nil)

	lease, err := a.Claim()
	if err != nil {
		t.Fatal(err)
	}
	lockPath := filepath.Join(dir, "snapshot-10.lock")
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock file missing after claim: %v", err)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file still present after release")
	}
	if err := lease.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	// The id is claimable again.
	lease2, err := a.Claim()
	if err != nil {
		t.Fatal(err)
	}
	if lease2.ID != 10 {
		t.Errorf("re-claim id = %d, want 10", lease2.ID)
	}
}

func TestClaim_ReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Max = 10 // single id
	a := New(cfg, nil)

	lockPath := filepath.Join(dir, "snapshot-10.lock")
	if err := os.WriteFile(lockPath, []byte(`{"pid":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	lease, err := a.Claim()
	if err != nil {
		t.Fatalf("Claim() with stale lock error = %v", err)
	}
	if lease.ID != 10 {
		t.Errorf("reclaimed id = %d, want 10", lease.ID)
	}
}

func TestClaim_RespectsFreshLock(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Max = 10
	a := New(cfg, nil)

	if err := os.WriteFile(filepath.Join(dir, "snapshot-10.lock"), []byte(`{"pid":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := a.Claim()
	if !errors.Is(err, ErrNoClientID) {
		t.Errorf("Claim with fresh foreign lock = %v, want ErrNoClientID", err)
	}
}
