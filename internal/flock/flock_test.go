package flock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "r1.lock")
	ctx := context.Background()

	first, err := Acquire(ctx, path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := Acquire(waitCtx, path); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire should time out, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	second, err := Acquire(ctx, path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer second.Release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r2.lock")
	ctx := context.Background()

	first, err := Acquire(ctx, path)
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan error, 1)
	go func() {
		l, err := Acquire(ctx, path)
		if err == nil {
			l.Release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned while lock held")
	case <-time.After(100 * time.Millisecond):
	}

	first.Release()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("second Acquire: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second Acquire never returned")
	}
}
