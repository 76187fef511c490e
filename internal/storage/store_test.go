package storage

import (
	"context"
	"reflect"
	"testing"
	"time"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.GetSnapshot(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing snapshot: ok=%v err=%v", ok, err)
	}

	first := sampleSnapshot("b-snapshot")
	if err := store.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	loaded, ok, err := store.GetSnapshot(ctx, first.Name)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot %s", first.Name)
	}
	if !reflect.DeepEqual(first, loaded) {
		t.Fatalf("snapshot mismatch:\nsaved=%+v\nloaded=%+v", first, loaded)
	}

	loaded.Population[0][0] = 0.99
	again, _, err := store.GetSnapshot(ctx, first.Name)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if again.Population[0][0] != first.Population[0][0] {
		t.Fatal("loaded snapshot aliases stored state")
	}

	updated := first
	updated.Tournaments = 6
	if err := store.SaveSnapshot(ctx, updated); err != nil {
		t.Fatalf("overwrite snapshot: %v", err)
	}
	loaded, _, err = store.GetSnapshot(ctx, first.Name)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if loaded.Tournaments != 6 {
		t.Fatalf("expected overwritten snapshot, got tournaments=%d", loaded.Tournaments)
	}

	if err := store.SaveSnapshot(ctx, sampleSnapshot("a-snapshot")); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	names, err := store.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"a-snapshot", "b-snapshot"}) {
		t.Fatalf("unexpected snapshot names: %v", names)
	}
	if err := store.DeleteSnapshot(ctx, "a-snapshot"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	if _, ok, _ := store.GetSnapshot(ctx, "a-snapshot"); ok {
		t.Fatal("expected deleted snapshot to be gone")
	}
	if err := store.SaveSnapshot(ctx, sampleSnapshot("../escape")); err == nil {
		t.Fatal("expected invalid name error")
	}

	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	for _, run := range []struct {
		id     string
		offset time.Duration
	}{{"run-late", time.Hour}, {"run-early", 0}} {
		if err := store.SaveRun(ctx, sampleRun(run.id, base.Add(run.offset))); err != nil {
			t.Fatalf("save run %s: %v", run.id, err)
		}
	}
	run, ok, err := store.GetRun(ctx, "run-late")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if run.Snapshot != "snap-run-late" {
		t.Fatalf("unexpected run: %+v", run)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-early" || runs[1].ID != "run-late" {
		t.Fatalf("expected runs ordered by start time, got %+v", runs)
	}
}
