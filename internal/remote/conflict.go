package remote

import "time"

// resolveChange applies optimistic concurrency: a change is accepted only when it
// was based on the revision the server currently holds. A rejected change returns
// the stored note so the client can reconcile and retry.
func resolveChange(existing *Note, change ChangeRequest, device string, appliedAt time.Time) (ConflictOutcome, error) {
	if existing != nil && change.BaseRevision != existing.Revision {
		copyStored := *existing
		return ConflictOutcome{Accepted: false, UpdatedNote: &copyStored}, nil
	}

	appliedAtMs := appliedAt.UnixMilli()
	stored := Note{NoteID: change.NoteID}
	if existing != nil {
		stored = *existing
	}

	updated := stored
	updated.FolderID = change.FolderID
	updated.Title = change.Title
	updated.Content = change.Content
	updated.LastWriterDevice = device

	if updated.CreatedAtMs == 0 {
		switch {
		case change.CreatedAtMs > 0:
			updated.CreatedAtMs = change.CreatedAtMs
		case change.UpdatedAtMs > 0:
			updated.CreatedAtMs = change.UpdatedAtMs
		default:
			updated.CreatedAtMs = appliedAtMs
		}
	}

	updated.UpdatedAtMs = change.UpdatedAtMs
	if updated.UpdatedAtMs == 0 {
		updated.UpdatedAtMs = appliedAtMs
	}
	if updated.UpdatedAtMs < updated.CreatedAtMs {
		updated.CreatedAtMs = updated.UpdatedAtMs
	}

	if change.Deleted {
		updated.IsDeleted = true
		updated.DeletedAtMs = change.DeletedAtMs
		if updated.DeletedAtMs == 0 {
			updated.DeletedAtMs = updated.UpdatedAtMs
		}
	} else {
		updated.IsDeleted = false
		updated.DeletedAtMs = 0
	}

	updated.Revision = stored.Revision + 1

	audit := &NoteChange{
		NoteID:       change.NoteID,
		AppliedAtMs:  appliedAtMs,
		ClientDevice: device,
		BaseRevision: change.BaseRevision,
		NewRevision:  updated.Revision,
		IsDeleted:    updated.IsDeleted,
	}
	if existing != nil {
		audit.PreviousRevision = pointerTo(stored.Revision)
		audit.PreviousTitle = stored.Title
		audit.PreviousContent = stored.Content
	}

	return ConflictOutcome{Accepted: true, UpdatedNote: &updated, AuditRecord: audit}, nil
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
