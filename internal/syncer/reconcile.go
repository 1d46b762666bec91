package syncer

import (
	"github.com/MarcoPoloResearchLab/notto/internal/notes"
	"github.com/MarcoPoloResearchLab/notto/internal/remote"
)

// reconcile decides how a remote version of a note lands on the local copy.
//
// Both sides advanced means last writer wins by updated-at with ties going to the
// local side, and the loser is kept as a conflict copy. Deletions compare their
// deletion time against the other side's last edit.
func reconcile(local *notes.Note, incoming remote.NotePayload, nowMs int64) notes.SyncMutation {
	remoteRevision := incoming.Revision

	if local == nil {
		if incoming.Deleted {
			return notes.SyncMutation{}
		}
		return notes.SyncMutation{Save: &notes.Note{
			FolderID:       incoming.FolderID,
			Title:          incoming.Title,
			Content:        incoming.Content,
			CreatedAtMs:    incoming.CreatedAtMs,
			UpdatedAtMs:    incoming.UpdatedAtMs,
			Revision:       1,
			SyncedRevision: 1,
			RemoteRevision: &remoteRevision,
		}}
	}

	if local.RemoteRevision != nil && *local.RemoteRevision >= incoming.Revision {
		return notes.SyncMutation{}
	}

	if !local.Dirty() {
		if incoming.Deleted {
			return notes.SyncMutation{Purge: true}
		}
		return notes.SyncMutation{Save: adoptRemote(*local, incoming, local.Revision+1)}
	}

	switch {
	case local.Deleted && incoming.Deleted:
		return notes.SyncMutation{Purge: true}

	case local.Deleted:
		if local.DeletedAtMs > incoming.UpdatedAtMs {
			kept := rebase(*local, remoteRevision)
			return notes.SyncMutation{Save: &kept, Copies: []notes.ConflictCopy{remoteCopy(incoming, nowMs)}}
		}
		return notes.SyncMutation{Save: adoptRemote(*local, incoming, local.Revision+1)}

	case incoming.Deleted:
		if deletedAt(incoming) > local.UpdatedAtMs {
			return notes.SyncMutation{Purge: true, Copies: []notes.ConflictCopy{localCopy(*local, nowMs)}}
		}
		kept := rebase(*local, remoteRevision)
		return notes.SyncMutation{Save: &kept}

	case local.Title == incoming.Title && local.Content == incoming.Content:
		return notes.SyncMutation{Save: adoptRemote(*local, incoming, local.Revision)}

	case local.UpdatedAtMs >= incoming.UpdatedAtMs:
		kept := rebase(*local, remoteRevision)
		return notes.SyncMutation{Save: &kept, Copies: []notes.ConflictCopy{remoteCopy(incoming, nowMs)}}

	default:
		return notes.SyncMutation{
			Save:   adoptRemote(*local, incoming, local.Revision+1),
			Copies: []notes.ConflictCopy{localCopy(*local, nowMs)},
		}
	}
}

// adoptRemote overwrites local content with the remote version and marks it clean at revision.
func adoptRemote(local notes.Note, incoming remote.NotePayload, revision int64) *notes.Note {
	remoteRevision := incoming.Revision
	adopted := local
	adopted.Title = incoming.Title
	adopted.Content = incoming.Content
	adopted.UpdatedAtMs = incoming.UpdatedAtMs
	adopted.Deleted = false
	adopted.DeletedAtMs = 0
	adopted.Revision = revision
	adopted.SyncedRevision = revision
	adopted.RemoteRevision = &remoteRevision
	return &adopted
}

// rebase keeps the local version pending but pushes it against the newer remote revision.
func rebase(local notes.Note, remoteRevision int64) notes.Note {
	local.RemoteRevision = &remoteRevision
	return local
}

func deletedAt(incoming remote.NotePayload) int64 {
	if incoming.DeletedAtMs > 0 {
		return incoming.DeletedAtMs
	}
	return incoming.UpdatedAtMs
}

func localCopy(local notes.Note, nowMs int64) notes.ConflictCopy {
	return notes.ConflictCopy{
		Origin:       notes.CopyOriginLocal,
		Title:        local.Title,
		Content:      local.Content,
		Revision:     local.Revision,
		UpdatedAtMs:  local.UpdatedAtMs,
		CapturedAtMs: nowMs,
	}
}

func remoteCopy(incoming remote.NotePayload, nowMs int64) notes.ConflictCopy {
	return notes.ConflictCopy{
		Origin:       notes.CopyOriginRemote,
		Title:        incoming.Title,
		Content:      incoming.Content,
		Revision:     incoming.Revision,
		UpdatedAtMs:  incoming.UpdatedAtMs,
		CapturedAtMs: nowMs,
	}
}
