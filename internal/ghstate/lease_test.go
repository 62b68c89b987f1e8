package ghstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLeaseAcquiresWhenAbsent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leader.json")
	l := NewLease(path, DefaultLeaderTTL)
	if !l.IsLeader() {
		t.Fatalf("IsLeader = false with no heartbeat on disk")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("heartbeat not written: %v", err)
	}
	var hb heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		t.Fatalf("heartbeat unparseable: %v", err)
	}
	if hb.RunID != l.RunID {
		t.Errorf("heartbeat run id = %q, want %q", hb.RunID, l.RunID)
	}
}

func TestLeaseStandsDownToFreshForeign(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leader.json")
	other := NewLease(path, DefaultLeaderTTL)
	other.Heartbeat()

	l := NewLease(path, DefaultLeaderTTL)
	if l.IsLeader() {
		t.Errorf("took leadership over a fresh foreign heartbeat")
	}
}

func TestLeaseTakesOverStale(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leader.json")
	other := NewLease(path, DefaultLeaderTTL)
	other.Heartbeat()

	l := NewLease(path, DefaultLeaderTTL)
	l.now = func() time.Time { return time.Now().Add(time.Minute) }
	if !l.IsLeader() {
		t.Fatalf("did not take over a stale heartbeat")
	}
	data, _ := os.ReadFile(path)
	var hb heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		t.Fatalf("heartbeat unparseable: %v", err)
	}
	if hb.RunID != l.RunID {
		t.Errorf("takeover did not record own run id")
	}
}

func TestLeaseTTLZeroDisablesElection(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "leader.json")
	a := NewLease(path, 0)
	b := NewLease(path, 0)
	if !a.IsLeader() || !b.IsLeader() {
		t.Errorf("TTL 0 should make every run leader")
	}
}

func TestLockCreateIsExclusive(t *testing.T) {
	t.Parallel()

	lk := NewLocks(t.TempDir(), DefaultLockTTL)
	created, err := lk.Create(7, 1, 1200)
	if err != nil || !created {
		t.Fatalf("first create = %v, %v", created, err)
	}
	created, err = lk.Create(7, 2, 1200)
	if err != nil {
		t.Fatalf("second create errored: %v", err)
	}
	if created {
		t.Errorf("second create won an existing lock")
	}

	active, _ := lk.List()
	if len(active) != 1 || active[0].Worker != 1 || active[0].EstTimeoutSec != 1200 {
		t.Errorf("active = %+v", active)
	}
}

func TestLockParsesLegacyIntegerForm(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "12.lock.txt"), []byte("3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lk := NewLocks(dir, DefaultLockTTL)
	active, reaped := lk.List()
	if len(reaped) != 0 {
		t.Fatalf("legacy lock reaped: %v", reaped)
	}
	if len(active) != 1 || active[0].Issue != 12 || active[0].Worker != 3 {
		t.Errorf("active = %+v", active)
	}
}

func TestLockReapsStale(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lk := NewLocks(dir, 10*time.Second)
	if _, err := lk.Create(5, 1, 1200); err != nil {
		t.Fatal(err)
	}
	lk.now = func() time.Time { return time.Now().Add(time.Hour) }
	active, reaped := lk.List()
	if len(active) != 0 {
		t.Errorf("stale lock still active: %+v", active)
	}
	if len(reaped) != 1 || reaped[0] != 5 {
		t.Errorf("reaped = %v, want [5]", reaped)
	}
	if _, err := os.Stat(filepath.Join(dir, "5.lock.txt")); !os.IsNotExist(err) {
		t.Errorf("stale lock file not deleted")
	}
}

func TestLockRemove(t *testing.T) {
	t.Parallel()

	lk := NewLocks(t.TempDir(), DefaultLockTTL)
	if _, err := lk.Create(9, 1, 1200); err != nil {
		t.Fatal(err)
	}
	lk.Remove(9)
	active, _ := lk.List()
	if len(active) != 0 {
		t.Errorf("lock survived Remove: %+v", active)
	}
}
