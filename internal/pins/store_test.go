package pins

import (
	"context"
	"testing"
	"time"
)

func TestStoreInsertAndGetByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pin := testPin(t, "pin-1", StatusAllowed, 1000)
	if err := store.Insert(ctx, pin); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}

	stored, found, err := store.GetByID(ctx, "pin-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !found {
		t.Fatalf("expected pin to be found")
	}
	if stored != pin {
		t.Fatalf("stored pin mismatch: %#v != %#v", stored, pin)
	}
}

func TestStoreGetByIDMissIsNotAnError(t *testing.T) {
	store := openTestStore(t)

	_, found, err := store.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected miss")
	}
}

func TestStoreUpdateOverwrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pin := testPin(t, "pin-1", StatusAllowed, 1000)
	if err := store.Insert(ctx, pin); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	pin.Status = StatusNoGun
	pin.LastModifiedMs = 2000
	if err := store.Update(ctx, pin); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	stored, _, err := store.GetByID(ctx, "pin-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.Status != StatusNoGun || stored.LastModifiedMs != 2000 {
		t.Fatalf("update not applied: %#v", stored)
	}
}

func TestStoreDeleteAndCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, testPin(t, "pin-1", StatusAllowed, 1000)); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if err := store.Insert(ctx, testPin(t, "pin-2", StatusUncertain, 2000)); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}

	if err := store.Delete(ctx, "pin-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pin, got %d", count)
	}

	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("unexpected delete all error: %v", err)
	}
	count, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty store, got %d", count)
	}
}

func TestObserveDeliversInitialSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Insert(ctx, testPin(t, "pin-1", StatusAllowed, 1000)); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}

	snapshots, cleanup := store.Observe(ctx)
	defer cleanup()

	select {
	case snapshot := <-snapshots:
		if len(snapshot) != 1 || snapshot[0].ID != "pin-1" {
			t.Fatalf("unexpected initial snapshot: %#v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatalf("no initial snapshot delivered")
	}
}

func TestObserveReEmitsOnEveryWrite(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, cleanup := store.Observe(ctx)
	defer cleanup()

	// Drain the initial empty snapshot.
	select {
	case <-snapshots:
	case <-time.After(time.Second):
		t.Fatalf("no initial snapshot delivered")
	}

	if err := store.Insert(ctx, testPin(t, "pin-1", StatusAllowed, 1000)); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	select {
	case snapshot := <-snapshots:
		if len(snapshot) != 1 {
			t.Fatalf("expected one pin after insert, got %d", len(snapshot))
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot after insert")
	}

	if err := store.Delete(ctx, "pin-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	select {
	case snapshot := <-snapshots:
		if len(snapshot) != 0 {
			t.Fatalf("expected empty snapshot after delete, got %d", len(snapshot))
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot after delete")
	}
}
