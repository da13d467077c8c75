package storage

import (
	"errors"
	"testing"
)

func mustSaveFile(t *testing.T, store *Store, fileID, owner, verdict, location string) {
	t.Helper()

	err := store.SaveFileRecord(FileRecord{
		FileID:       fileID,
		StoredName:   fileID,
		OriginalName: fileID + ".txt",
		Owner:        owner,
		DeclaredSize: 128,
		Verdict:      verdict,
		Location:     location,
	})
	if err != nil {
		t.Fatalf("save file %q: %v", fileID, err)
	}
}

func TestFileRecordLifecycle(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveFileRecord(FileRecord{
		FileID:       "f1",
		StoredName:   "f1",
		OriginalName: "report.pdf",
		Owner:        "alice",
		DeclaredSize: 4096,
	}); err != nil {
		t.Fatalf("SaveFileRecord failed: %v", err)
	}

	record, err := store.GetFileRecord("f1")
	if err != nil {
		t.Fatalf("GetFileRecord failed: %v", err)
	}
	if record.Verdict != VerdictPending {
		t.Fatalf("default verdict: got %q, want pending", record.Verdict)
	}
	if record.Location != LocationTemp {
		t.Fatalf("default location: got %q, want temp", record.Location)
	}

	err = store.SaveFileRecord(FileRecord{
		FileID:       "f1",
		StoredName:   "f1",
		OriginalName: "report.pdf",
		Owner:        "alice",
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate file: got %v, want ErrAlreadyExists", err)
	}

	if err := store.UpdateFileVerdict("f1", VerdictPass, "complete", "", LocationStore, "deadbeef"); err != nil {
		t.Fatalf("UpdateFileVerdict failed: %v", err)
	}

	record, err = store.GetFileRecord("f1")
	if err != nil {
		t.Fatalf("GetFileRecord after verdict failed: %v", err)
	}
	if record.Verdict != VerdictPass || record.Location != LocationStore {
		t.Fatalf("verdict/location: got %q/%q", record.Verdict, record.Location)
	}
	if record.ContentHash != "deadbeef" {
		t.Fatalf("content hash: got %q", record.ContentHash)
	}

	if err := store.UpdateFileVerdict("nope", VerdictPass, "complete", "", LocationStore, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update unknown file: got %v, want ErrNotFound", err)
	}
	if _, err := store.GetFileRecord("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get unknown file: got %v, want ErrNotFound", err)
	}
}

func TestListVisibleFiles(t *testing.T) {
	store := newTestStore(t)

	mustSaveFile(t, store, "pub1", "alice", VerdictPass, LocationStore)
	mustSaveFile(t, store, "pub2", "bob", VerdictPass, LocationStore)
	mustSaveFile(t, store, "pending-alice", "alice", VerdictPending, LocationTemp)
	mustSaveFile(t, store, "rejected-bob", "bob", VerdictReject, LocationQuarantine)

	visible, err := store.ListVisibleFiles("alice")
	if err != nil {
		t.Fatalf("ListVisibleFiles failed: %v", err)
	}
	ids := make(map[string]bool, len(visible))
	for _, f := range visible {
		ids[f.FileID] = true
	}
	// Both published files plus alice's own pending upload.
	if len(visible) != 3 || !ids["pub1"] || !ids["pub2"] || !ids["pending-alice"] {
		t.Fatalf("alice visibility: got %v", ids)
	}
	if ids["rejected-bob"] {
		t.Fatal("bob's rejected file must not be visible to alice")
	}

	visible, err = store.ListVisibleFiles("bob")
	if err != nil {
		t.Fatalf("ListVisibleFiles bob failed: %v", err)
	}
	ids = make(map[string]bool, len(visible))
	for _, f := range visible {
		ids[f.FileID] = true
	}
	if len(visible) != 3 || !ids["rejected-bob"] {
		t.Fatalf("bob visibility: got %v", ids)
	}
}

func TestTransferCheckpointLifecycle(t *testing.T) {
	store := newTestStore(t)
	mustSaveFile(t, store, "f1", "alice", VerdictPending, LocationTemp)

	checkpoint := TransferCheckpoint{
		TransferID:  "t1",
		FileID:      "f1",
		Direction:   DirectionUpload,
		TotalSize:   1 << 20,
		ChunkSize:   64 << 10,
		AckedOffset: 0,
		Status:      TransferStatusPending,
		TempPath:    "/tmp/f1.part",
	}
	if err := store.UpsertTransferCheckpoint(checkpoint); err != nil {
		t.Fatalf("UpsertTransferCheckpoint failed: %v", err)
	}

	checkpoint.AckedOffset = 128 << 10
	checkpoint.Status = TransferStatusInProgress
	if err := store.UpsertTransferCheckpoint(checkpoint); err != nil {
		t.Fatalf("UpsertTransferCheckpoint update failed: %v", err)
	}

	loaded, err := store.GetTransferCheckpoint("t1")
	if err != nil {
		t.Fatalf("GetTransferCheckpoint failed: %v", err)
	}
	if loaded.AckedOffset != 128<<10 {
		t.Fatalf("acked offset: got %d", loaded.AckedOffset)
	}
	if loaded.Status != TransferStatusInProgress {
		t.Fatalf("status: got %q", loaded.Status)
	}

	all, err := store.ListTransferCheckpoints()
	if err != nil {
		t.Fatalf("ListTransferCheckpoints failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("checkpoints: got %d, want 1", len(all))
	}

	if err := store.DeleteTransferCheckpoint("t1"); err != nil {
		t.Fatalf("DeleteTransferCheckpoint failed: %v", err)
	}
	if _, err := store.GetTransferCheckpoint("t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted checkpoint: got %v, want ErrNotFound", err)
	}

	if err := store.UpsertTransferCheckpoint(TransferCheckpoint{
		TransferID: "bad",
		FileID:     "f1",
		Direction:  "sideways",
		Status:     TransferStatusPending,
	}); err == nil {
		t.Fatal("invalid direction must be rejected")
	}
}
