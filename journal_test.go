package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.sqlite"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRunLifecycle(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.CreateRun(ctx, "/dev/mmcblk0", "/dev/sda")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if id == "" {
		t.Fatal("empty run id")
	}

	if err := j.RecordMode(ctx, id, ModeShrink); err != nil {
		t.Fatalf("RecordMode: %v", err)
	}
	if err := j.UpdateState(ctx, id, StateWriting); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	rec, err := j.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Source != "/dev/mmcblk0" || rec.Destination != "/dev/sda" {
		t.Errorf("record devices = %s -> %s", rec.Source, rec.Destination)
	}
	if rec.Mode != string(ModeShrink) {
		t.Errorf("mode = %s", rec.Mode)
	}
	if rec.State != StateWriting {
		t.Errorf("state = %s", rec.State)
	}

	if err := j.UpdateState(ctx, id, StateDone); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	rec, err = j.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.State != StateDone {
		t.Errorf("final state = %s", rec.State)
	}
}

func TestJournalRecordFailure(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.CreateRun(ctx, "/dev/mmcblk0", "/dev/sda")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := j.RecordFailure(ctx, id, errors.New("dd failed: short write")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	rec, err := j.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.State != StateFailed {
		t.Errorf("state = %s, want %s", rec.State, StateFailed)
	}
	if rec.Error != "dd failed: short write" {
		t.Errorf("error = %q", rec.Error)
	}
}

func TestJournalDestinationLock(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	locked, err := j.LockDestination(ctx, "/dev/sda")
	if err != nil || !locked {
		t.Fatalf("first lock: %v, %v", locked, err)
	}

	locked, err = j.LockDestination(ctx, "/dev/sda")
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if locked {
		t.Fatal("destination lock acquired twice")
	}

	// A different destination is independent.
	locked, err = j.LockDestination(ctx, "/dev/sdb")
	if err != nil || !locked {
		t.Fatalf("other destination lock: %v, %v", locked, err)
	}

	if err := j.UnlockDestination(ctx, "/dev/sda"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	locked, err = j.LockDestination(ctx, "/dev/sda")
	if err != nil || !locked {
		t.Fatalf("relock after unlock: %v, %v", locked, err)
	}
}

func TestOpenJournalCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "journal.sqlite")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	j.Close()
}

func TestGetRunUnknownID(t *testing.T) {
	j := openTestJournal(t)
	if _, err := j.GetRun(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown run id")
	}
}
