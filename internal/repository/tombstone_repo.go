package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/store"
)

// TombstoneRepo はsync_tombstonesテーブルのリポジトリ。
type TombstoneRepo struct {
	st *store.Store
}

var _ TombstoneRepository = (*TombstoneRepo)(nil)

// NewTombstoneRepo はTombstoneRepoを生成する。
func NewTombstoneRepo(st *store.Store) *TombstoneRepo {
	return &TombstoneRepo{st: st}
}

// Put は削除記録を作成または更新する。
func (r *TombstoneRepo) Put(ctx context.Context, t *model.Tombstone) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`INSERT INTO sync_tombstones (entity, entity_id, version, deleted_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity, entity_id) DO UPDATE SET version = excluded.version, deleted_at = excluded.deleted_at`,
		t.Entity, t.EntityID, t.Version, t.DeletedAt)
	if err != nil {
		return fmt.Errorf("削除記録の保存に失敗しました: %w", err)
	}
	return nil
}

// ListChangedSince はversionより後に記録された削除をキー順に返す。
func (r *TombstoneRepo) ListChangedSince(ctx context.Context, version int64) ([]model.Tombstone, error) {
	var tombstones []model.Tombstone
	err := selectAll(ctx, r.st.Executor(ctx), &tombstones,
		`SELECT entity, entity_id, version, deleted_at FROM sync_tombstones
		 WHERE version > ? ORDER BY entity, entity_id`, version)
	if err != nil {
		return nil, fmt.Errorf("削除記録の取得に失敗しました: %w", err)
	}
	return tombstones, nil
}
