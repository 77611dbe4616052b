package drive

import (
	"context"
	"errors"

	"github.com/fruitsalade/clouddrive/internal/events"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metrics"
)

// SoftDelete moves an entry to the trash. Deleting a folder also trashes
// its active descendants; they are tagged with the folder id so a restore
// brings them back together.
func (s *Service) SoftDelete(ctx context.Context, id, requester string) (*metadata.Entry, error) {
	const op = "delete"
	e, err := s.writable(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var descendants []*metadata.Entry
	if e.IsFolder {
		if descendants, err = s.subtree(ctx, e, metadata.Query{IsDeleted: metadata.Ptr(false)}); err != nil {
			return nil, wrap(op, err)
		}
	}

	updated, err := s.store.UpdateByID(ctx, e.ID, func(cur *metadata.Entry) error {
		cur.IsDeleted = true
		cur.DeletedAt = &now
		cur.TrashedWith = ""
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}

	for _, d := range descendants {
		_, err := s.store.UpdateByID(ctx, d.ID, func(cur *metadata.Entry) error {
			if cur.IsDeleted {
				return nil
			}
			cur.IsDeleted = true
			cur.DeletedAt = &now
			cur.TrashedWith = e.ID
			return nil
		})
		if err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return nil, wrap(op, err)
		}
	}

	logging.Info("entry trashed",
		logging.EntryID(e.ID),
		logging.UserID(requester),
		logging.Int("descendants", len(descendants)))
	s.publish(events.EventTrashed, updated)
	return updated, nil
}

// Restore brings a trashed entry back. If its old parent is gone or still
// in the trash it is restored to root. A folder brings back the descendants
// trashed together with it, including when it was itself trashed as part
// of an enclosing folder.
func (s *Service) Restore(ctx context.Context, id, requester string) (*metadata.Entry, error) {
	const op = "restore"
	e, err := s.trashed(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}

	parentID := e.ParentID
	parentPath, err := s.parentPath(ctx, op, e.OwnerID, parentID)
	if err != nil {
		if KindOf(err) != KindNotFound && KindOf(err) != KindInvalidInput {
			return nil, err
		}
		parentID, parentPath = "", ""
	}
	taken, err := s.nameTaken(ctx, e.OwnerID, parentID, e.Name, e.ID)
	if err != nil {
		return nil, wrap(op, err)
	}
	if taken {
		return nil, newError(KindConflict, op, "a file or folder with this name already exists")
	}

	tag := e.ID
	if e.TrashedWith != "" {
		tag = e.TrashedWith
	}
	var cascaded []*metadata.Entry
	if e.IsFolder {
		cascaded, err = s.subtree(ctx, e, metadata.Query{IsDeleted: metadata.Ptr(true), TrashedWith: tag})
		if err != nil {
			return nil, wrap(op, err)
		}
	}

	now := s.now()
	restored, err := s.store.UpdateByID(ctx, e.ID, func(cur *metadata.Entry) error {
		cur.IsDeleted = false
		cur.DeletedAt = nil
		cur.TrashedWith = ""
		cur.ParentID = parentID
		cur.Path = childPath(parentPath, cur.Name)
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}

	for _, c := range cascaded {
		_, err := s.store.UpdateByID(ctx, c.ID, func(cur *metadata.Entry) error {
			if cur.TrashedWith != tag {
				return nil
			}
			cur.IsDeleted = false
			cur.DeletedAt = nil
			cur.TrashedWith = ""
			return nil
		})
		if err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return nil, wrap(op, err)
		}
	}
	if err := s.rewritePaths(ctx, restored); err != nil {
		return nil, wrap(op, err)
	}

	logging.Info("entry restored",
		logging.EntryID(e.ID),
		logging.UserID(requester),
		logging.String("path", restored.Path),
		logging.Int("descendants", len(cascaded)))
	s.publish(events.EventRestored, restored)
	return restored, nil
}

// PurgeResult reports what a permanent delete removed.
type PurgeResult struct {
	RecordDeleted        bool  `json:"recordDeleted"`
	BytesDeleted         bool  `json:"bytesDeleted"`
	RecordsPurged        int   `json:"recordsPurged"`
	PhysicalFilesDeleted int   `json:"physicalFilesDeleted"`
	PhysicalFilesFailed  int   `json:"physicalFilesFailed"`
	FreedBytes           int64 `json:"freedBytes"`
}

// Purge permanently deletes a trashed entry, everything below it, and
// their stored bytes. Byte deletion is best effort: a failure is logged
// and counted, the records are removed regardless.
func (s *Service) Purge(ctx context.Context, id, requester string) (PurgeResult, error) {
	const op = "purge"
	e, err := s.trashed(ctx, op, id, requester)
	if err != nil {
		return PurgeResult{}, err
	}
	return s.purge(ctx, op, e)
}

func (s *Service) purge(ctx context.Context, op string, e *metadata.Entry) (PurgeResult, error) {
	var res PurgeResult

	victims := []*metadata.Entry{e}
	if e.IsFolder {
		descendants, err := s.subtree(ctx, e, metadata.Query{})
		if err != nil {
			return res, wrap(op, err)
		}
		victims = append(victims, descendants...)
	}

	// children first so a failure never leaves orphans behind a removed parent
	for i := len(victims) - 1; i >= 0; i-- {
		v := victims[i]
		bytesGone := true
		if !v.IsFolder && v.StorageLocation != "" {
			if err := s.storage.Delete(ctx, v.StorageLocation); err != nil {
				bytesGone = false
				res.PhysicalFilesFailed++
				logging.Warn("failed to delete stored bytes",
					logging.EntryID(v.ID),
					logging.String("location", v.StorageLocation),
					logging.Err(err))
			} else {
				res.PhysicalFilesDeleted++
				res.FreedBytes += v.Size
				if v.ID == e.ID {
					res.BytesDeleted = true
				}
			}
		}
		if err := s.store.DeleteByID(ctx, v.ID); err != nil {
			return res, wrap(op, err)
		}
		res.RecordsPurged++
		metrics.RecordPurge(bytesGone)
	}
	res.RecordDeleted = true

	logging.Info("entry purged",
		logging.EntryID(e.ID),
		logging.UserID(e.OwnerID),
		logging.Int("records", res.RecordsPurged),
		logging.Int("files_deleted", res.PhysicalFilesDeleted),
		logging.Int("files_failed", res.PhysicalFilesFailed))
	s.publish(events.EventPurged, e)
	return res, nil
}

// EmptyTrashResult summarizes an EmptyTrash call.
type EmptyTrashResult struct {
	DeletedCount         int `json:"deletedCount"`
	PhysicalFilesDeleted int `json:"physicalFilesDeleted"`
	PhysicalFilesFailed  int `json:"physicalFilesFailed"`
}

// EmptyTrash purges everything the requester has in the trash.
func (s *Service) EmptyTrash(ctx context.Context, requester string) (EmptyTrashResult, error) {
	const op = "empty trash"
	var res EmptyTrashResult
	if err := requireUser(op, requester); err != nil {
		return res, err
	}

	trashed, err := s.store.Find(ctx, metadata.Query{OwnerID: requester, IsDeleted: metadata.Ptr(true)}, metadata.FindOptions{})
	if err != nil {
		return res, wrap(op, err)
	}
	for _, e := range trashed {
		// earlier iterations may already have purged e as a descendant
		cur, err := s.store.FindOne(ctx, metadata.Query{ID: e.ID, IsDeleted: metadata.Ptr(true)})
		if errors.Is(err, metadata.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, wrap(op, err)
		}
		pr, err := s.purge(ctx, op, cur)
		res.DeletedCount += pr.RecordsPurged
		res.PhysicalFilesDeleted += pr.PhysicalFilesDeleted
		res.PhysicalFilesFailed += pr.PhysicalFilesFailed
		if err != nil {
			return res, err
		}
	}
	return res, nil
}
