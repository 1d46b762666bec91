package remote

import (
	"testing"
	"time"
)

func TestResolveChangeAcceptsMatchingBaseRevision(t *testing.T) {
	existing := &Note{
		UserID:      "user-1",
		NoteID:      "note-1",
		Title:       "stored",
		Content:     "stored body",
		CreatedAtMs: 1_700_000_000_000,
		UpdatedAtMs: 1_700_000_100_000,
		Revision:    2,
	}
	change := ChangeRequest{
		NoteID:       "note-1",
		BaseRevision: 2,
		Title:        "incoming",
		Content:      "incoming body",
		CreatedAtMs:  1_700_000_000_000,
		UpdatedAtMs:  1_700_000_500_000,
	}

	outcome, err := resolveChange(existing, change, "laptop", time.UnixMilli(1_700_000_600_000).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected change to be accepted")
	}
	if outcome.UpdatedNote.Revision != 3 {
		t.Fatalf("expected revision to increment to 3, got %d", outcome.UpdatedNote.Revision)
	}
	if outcome.UpdatedNote.Content != "incoming body" || outcome.UpdatedNote.LastWriterDevice != "laptop" {
		t.Fatalf("unexpected updated note %#v", outcome.UpdatedNote)
	}
	if outcome.AuditRecord == nil {
		t.Fatalf("expected audit record")
	}
	if outcome.AuditRecord.PreviousRevision == nil || *outcome.AuditRecord.PreviousRevision != 2 {
		t.Fatalf("unexpected previous revision pointer: %#v", outcome.AuditRecord.PreviousRevision)
	}
	if outcome.AuditRecord.PreviousContent != "stored body" {
		t.Fatalf("audit trail must keep the overwritten content, got %q", outcome.AuditRecord.PreviousContent)
	}
	if existing.Content != "stored body" {
		t.Fatalf("resolveChange must not mutate the stored note")
	}
}

func TestResolveChangeRejectsStaleBaseRevision(t *testing.T) {
	existing := &Note{
		UserID:   "user-1",
		NoteID:   "note-1",
		Content:  "newer elsewhere",
		Revision: 5,
	}
	change := ChangeRequest{NoteID: "note-1", BaseRevision: 4, Content: "stale"}

	outcome, err := resolveChange(existing, change, "phone", time.UnixMilli(1_700_000_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Accepted {
		t.Fatalf("expected stale change to be rejected")
	}
	if outcome.UpdatedNote.Content != "newer elsewhere" || outcome.UpdatedNote.Revision != 5 {
		t.Fatalf("rejection must return the current copy, got %#v", outcome.UpdatedNote)
	}
	if outcome.AuditRecord != nil {
		t.Fatalf("rejected changes are not audited")
	}
}

func TestResolveChangeCreatesNewNotes(t *testing.T) {
	change := ChangeRequest{NoteID: "note-9", Title: "fresh", UpdatedAtMs: 0}
	appliedAt := time.UnixMilli(1_700_000_000_123)

	outcome, err := resolveChange(nil, change, "tablet", appliedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Accepted || outcome.UpdatedNote.Revision != 1 {
		t.Fatalf("expected new note at revision 1, got %#v", outcome)
	}
	if outcome.UpdatedNote.CreatedAtMs != appliedAt.UnixMilli() || outcome.UpdatedNote.UpdatedAtMs != appliedAt.UnixMilli() {
		t.Fatalf("missing timestamps must default to the apply time, got %#v", outcome.UpdatedNote)
	}
	if outcome.AuditRecord.PreviousRevision != nil {
		t.Fatalf("new notes have no previous revision")
	}
}

func TestResolveChangeRecordsTombstones(t *testing.T) {
	existing := &Note{NoteID: "note-1", Title: "t", Content: "c", Revision: 1, CreatedAtMs: 10, UpdatedAtMs: 10}
	change := ChangeRequest{NoteID: "note-1", BaseRevision: 1, Title: "t", Content: "c", UpdatedAtMs: 50, Deleted: true}

	outcome, err := resolveChange(existing, change, "laptop", time.UnixMilli(60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.UpdatedNote.IsDeleted || outcome.UpdatedNote.DeletedAtMs != 50 {
		t.Fatalf("expected tombstone stamped with the update time, got %#v", outcome.UpdatedNote)
	}

	resurrect := ChangeRequest{NoteID: "note-1", BaseRevision: 2, Title: "back", UpdatedAtMs: 70}
	outcome, err = resolveChange(outcome.UpdatedNote, resurrect, "phone", time.UnixMilli(80))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.UpdatedNote.IsDeleted || outcome.UpdatedNote.DeletedAtMs != 0 {
		t.Fatalf("expected resurrection to clear the tombstone, got %#v", outcome.UpdatedNote)
	}
}
