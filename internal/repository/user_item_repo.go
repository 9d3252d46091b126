package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/store"
)

const userItemColumns = `id, item_id, state, ingested_at, bookmarked_at, archived_at, version`

// UserItemRepo はuser_itemsテーブルのリポジトリ。
type UserItemRepo struct {
	st *store.Store
}

var _ UserItemRepository = (*UserItemRepo)(nil)

// NewUserItemRepo はUserItemRepoを生成する。
func NewUserItemRepo(st *store.Store) *UserItemRepo {
	return &UserItemRepo{st: st}
}

// FindByID は指定IDのユーザーアイテムを取得する。
func (r *UserItemRepo) FindByID(ctx context.Context, id string) (*model.UserItem, error) {
	return r.findOne(ctx, `SELECT `+userItemColumns+` FROM user_items WHERE id = ?`, id)
}

// FindByItemID はCanonicalItemのIDでユーザーアイテムを取得する。
func (r *UserItemRepo) FindByItemID(ctx context.Context, itemID string) (*model.UserItem, error) {
	return r.findOne(ctx, `SELECT `+userItemColumns+` FROM user_items WHERE item_id = ?`, itemID)
}

func (r *UserItemRepo) findOne(ctx context.Context, query string, args ...any) (*model.UserItem, error) {
	item := &model.UserItem{}
	found, err := getOne(ctx, r.st.Executor(ctx), item, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ユーザーアイテムの取得に失敗しました: %w", err)
	}
	if !found {
		return nil, nil
	}
	return item, nil
}

// Create はユーザーアイテムを作成する。
func (r *UserItemRepo) Create(ctx context.Context, item *model.UserItem) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`INSERT INTO user_items (`+userItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ItemID, item.State, item.IngestedAt, item.BookmarkedAt, item.ArchivedAt, item.Version)
	if err != nil {
		return fmt.Errorf("ユーザーアイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateState は状態と遷移タイムスタンプを更新する。
func (r *UserItemRepo) UpdateState(ctx context.Context, item *model.UserItem) error {
	res, err := exec(ctx, r.st.Executor(ctx),
		`UPDATE user_items SET state = ?, bookmarked_at = ?, archived_at = ?, version = ? WHERE id = ?`,
		item.State, item.BookmarkedAt, item.ArchivedAt, item.Version, item.ID)
	if err != nil {
		return fmt.Errorf("ユーザーアイテムの更新に失敗しました: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.NewItemNotFoundError(item.ID)
	}
	return nil
}

// ListChangedSince はversionより後に変更されたユーザーアイテムをID順に返す。
func (r *UserItemRepo) ListChangedSince(ctx context.Context, version int64) ([]model.UserItem, error) {
	var items []model.UserItem
	err := selectAll(ctx, r.st.Executor(ctx), &items,
		`SELECT `+userItemColumns+` FROM user_items WHERE version > ? ORDER BY id`, version)
	if err != nil {
		return nil, fmt.Errorf("変更ユーザーアイテムの取得に失敗しました: %w", err)
	}
	return items, nil
}
