package leaderlock

import (
	"path/filepath"
	"testing"
)

func TestTryAcquireExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "gateway.lock")

	a := New(path)
	ok, err := a.TryAcquire()
	if err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	if !ok {
		t.Fatalf("first TryAcquire should succeed")
	}

	b := New(path)
	ok2, err := b.TryAcquire()
	if err != nil {
		t.Fatalf("second TryAcquire: %v", err)
	}
	if ok2 && !b.Relaxed() {
		t.Fatalf("second TryAcquire should fail while first holds the lock (unless relaxed)")
	}

	if err := a.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok3, err := b.TryAcquire()
	if err != nil {
		t.Fatalf("third TryAcquire: %v", err)
	}
	if !ok3 {
		t.Fatalf("TryAcquire should succeed after release")
	}
	_ = b.Release()
}

func TestTryAcquireIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.lock")
	l := New(path)
	for i := 0; i < 3; i++ {
		ok, err := l.TryAcquire()
		if err != nil || !ok {
			t.Fatalf("TryAcquire iteration %d: ok=%v err=%v", i, ok, err)
		}
	}
	_ = l.Release()
}
