package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/store"
)

const canonicalItemColumns = `id, content_type, provider, provider_id, canonical_url, title, summary, author,
	publisher, published_at, thumbnail_url, duration_seconds, version, created_at, updated_at`

// CanonicalItemRepo はcanonical_itemsテーブルのリポジトリ。
type CanonicalItemRepo struct {
	st *store.Store
}

var _ CanonicalItemRepository = (*CanonicalItemRepo)(nil)

// NewCanonicalItemRepo はCanonicalItemRepoを生成する。
func NewCanonicalItemRepo(st *store.Store) *CanonicalItemRepo {
	return &CanonicalItemRepo{st: st}
}

// FindByID は指定IDのアイテムを取得する。
func (r *CanonicalItemRepo) FindByID(ctx context.Context, id string) (*model.CanonicalItem, error) {
	return r.findOne(ctx, `SELECT `+canonicalItemColumns+` FROM canonical_items WHERE id = ?`, id)
}

// FindByProviderID は(provider, provider_id)でアイテムを検索する。
// 一意制約ではなくingestのupsertで1件に保つため、複数ある場合は最古の行を返す。
func (r *CanonicalItemRepo) FindByProviderID(ctx context.Context, provider, providerID string) (*model.CanonicalItem, error) {
	return r.findOne(ctx,
		`SELECT `+canonicalItemColumns+` FROM canonical_items
		 WHERE provider = ? AND provider_id = ?
		 ORDER BY created_at, id LIMIT 1`, provider, providerID)
}

// FindByURLWithoutProvider はprovider_idを持たないアイテムをcanonical_urlで検索する。
func (r *CanonicalItemRepo) FindByURLWithoutProvider(ctx context.Context, canonicalURL string) (*model.CanonicalItem, error) {
	return r.findOne(ctx,
		`SELECT `+canonicalItemColumns+` FROM canonical_items
		 WHERE provider IS NULL AND canonical_url = ?
		 ORDER BY created_at, id LIMIT 1`, canonicalURL)
}

func (r *CanonicalItemRepo) findOne(ctx context.Context, query string, args ...any) (*model.CanonicalItem, error) {
	item := &model.CanonicalItem{}
	found, err := getOne(ctx, r.st.Executor(ctx), item, query, args...)
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	if !found {
		return nil, nil
	}
	return item, nil
}

// Create はアイテムを作成する。
func (r *CanonicalItemRepo) Create(ctx context.Context, item *model.CanonicalItem) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`INSERT INTO canonical_items (`+canonicalItemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ContentType, item.Provider, item.ProviderID, item.CanonicalURL,
		item.Title, item.Summary, item.Author, item.Publisher, item.PublishedAt,
		item.ThumbnailURL, item.DurationSeconds, item.Version, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("アイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// Update は上流で変化しうるフィールドを更新する。id、provider、provider_id、created_atは変更しない。
func (r *CanonicalItemRepo) Update(ctx context.Context, item *model.CanonicalItem) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`UPDATE canonical_items SET
		   content_type = ?, canonical_url = ?, title = ?, summary = ?, author = ?, publisher = ?,
		   published_at = ?, thumbnail_url = ?, duration_seconds = ?, version = ?, updated_at = ?
		 WHERE id = ?`,
		item.ContentType, item.CanonicalURL, item.Title, item.Summary, item.Author, item.Publisher,
		item.PublishedAt, item.ThumbnailURL, item.DurationSeconds, item.Version, item.UpdatedAt,
		item.ID)
	if err != nil {
		return fmt.Errorf("アイテムの更新に失敗しました: %w", err)
	}
	return nil
}

// ListChangedSince はversionより後に変更されたアイテムをID順に返す。
func (r *CanonicalItemRepo) ListChangedSince(ctx context.Context, version int64) ([]model.CanonicalItem, error) {
	var items []model.CanonicalItem
	err := selectAll(ctx, r.st.Executor(ctx), &items,
		`SELECT `+canonicalItemColumns+` FROM canonical_items WHERE version > ? ORDER BY id`, version)
	if err != nil {
		return nil, fmt.Errorf("変更アイテムの取得に失敗しました: %w", err)
	}
	return items, nil
}
