package multipart

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/storage"
)

// ReclaimOrphanParts deletes staged part data whose upload is no longer known
// to the store, such as the parts of an upload that completed or aborted just
// before a crash. Backends that cannot enumerate their part namespaces are
// left alone. It returns the number of uploads reclaimed.
func ReclaimOrphanParts(ctx context.Context, store metadata.Store, backend storage.Backend) (int, error) {
	lister, ok := backend.(storage.PartUploadLister)
	if !ok {
		return 0, nil
	}

	staged, err := lister.ListPartUploads(ctx)
	if err != nil {
		return 0, fmt.Errorf("list staged uploads: %w", err)
	}
	if len(staged) == 0 {
		return 0, nil
	}

	ids, err := store.ListUploadIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list uploads: %w", err)
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	reclaimed := 0
	for _, id := range staged {
		if _, ok := known[id]; ok {
			continue
		}
		if err := backend.DeleteParts(ctx, id); err != nil {
			slog.Warn("Failed to reclaim orphan parts", "upload_id", id, "err", err)
			continue
		}
		slog.Debug("Reclaimed orphan parts", "upload_id", id)
		reclaimed++
	}

	if reclaimed > 0 {
		slog.Info("Reclaimed orphan part data", "uploads", reclaimed)
	}
	return reclaimed, nil
}
