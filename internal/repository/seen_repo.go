package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/inboxsync/internal/store"
)

// SeenRepo はprovider_items_seenテーブルのリポジトリ。
// 追記のみで、行はソースのCASCADE削除でのみ消える。
type SeenRepo struct {
	st *store.Store
}

var _ SeenRepository = (*SeenRepo)(nil)

// NewSeenRepo はSeenRepoを生成する。
func NewSeenRepo(st *store.Store) *SeenRepo {
	return &SeenRepo{st: st}
}

// Exists は(sourceID, providerItemID)が記録済みかどうかを返す。
func (r *SeenRepo) Exists(ctx context.Context, sourceID, providerItemID string) (bool, error) {
	var one int
	found, err := getOne(ctx, r.st.Executor(ctx), &one,
		`SELECT 1 FROM provider_items_seen WHERE source_id = ? AND provider_item_id = ?`,
		sourceID, providerItemID)
	if err != nil {
		return false, fmt.Errorf("取り込み済み台帳の確認に失敗しました: %w", err)
	}
	return found, nil
}

// Record は(sourceID, providerItemID)を記録する。記録済みの場合は何もしない。
func (r *SeenRepo) Record(ctx context.Context, sourceID, providerItemID string, seenAt time.Time) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`INSERT INTO provider_items_seen (source_id, provider_item_id, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT (source_id, provider_item_id) DO NOTHING`,
		sourceID, providerItemID, seenAt)
	if err != nil {
		return fmt.Errorf("取り込み済み台帳の記録に失敗しました: %w", err)
	}
	return nil
}

// CountBySource はソースごとの記録件数を返す。
func (r *SeenRepo) CountBySource(ctx context.Context, sourceID string) (int, error) {
	var n int
	if _, err := getOne(ctx, r.st.Executor(ctx), &n,
		`SELECT COUNT(*) FROM provider_items_seen WHERE source_id = ?`, sourceID); err != nil {
		return 0, fmt.Errorf("取り込み済み台帳の集計に失敗しました: %w", err)
	}
	return n, nil
}
