package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/store"
)

const sourceColumns = `id, provider, provider_id, name, config, version, created_at`

// SourceRepo はsourcesテーブルのリポジトリ。
type SourceRepo struct {
	st *store.Store
}

var _ SourceRepository = (*SourceRepo)(nil)

// NewSourceRepo はSourceRepoを生成する。
func NewSourceRepo(st *store.Store) *SourceRepo {
	return &SourceRepo{st: st}
}

// FindByID は指定IDのソースを取得する。
func (r *SourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	return r.findOne(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
}

// FindByProviderID は(provider, provider_id)でソースを検索する。
func (r *SourceRepo) FindByProviderID(ctx context.Context, provider model.Provider, providerID string) (*model.Source, error) {
	return r.findOne(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE provider = ? AND provider_id = ?`, provider, providerID)
}

func (r *SourceRepo) findOne(ctx context.Context, query string, args ...any) (*model.Source, error) {
	src := &model.Source{}
	found, err := getOne(ctx, r.st.Executor(ctx), src, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if !found {
		return nil, nil
	}
	return src, nil
}

// Create はソースを作成する。
func (r *SourceRepo) Create(ctx context.Context, src *model.Source) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`INSERT INTO sources (`+sourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Provider, src.ProviderID, src.Name, src.ConfigString(), src.Version, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("ソースの作成に失敗しました: %w", err)
	}
	return nil
}

// Delete はソースを削除する。
func (r *SourceRepo) Delete(ctx context.Context, id string) error {
	_, err := exec(ctx, r.st.Executor(ctx), `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ソースの削除に失敗しました: %w", err)
	}
	return nil
}

// List は全ソースを作成日時順に返す。
func (r *SourceRepo) List(ctx context.Context) ([]model.Source, error) {
	var sources []model.Source
	err := selectAll(ctx, r.st.Executor(ctx), &sources,
		`SELECT `+sourceColumns+` FROM sources ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("ソース一覧の取得に失敗しました: %w", err)
	}
	return sources, nil
}

// ListChangedSince はversionより後に変更されたソースをID順に返す。
func (r *SourceRepo) ListChangedSince(ctx context.Context, version int64) ([]model.Source, error) {
	var sources []model.Source
	err := selectAll(ctx, r.st.Executor(ctx), &sources,
		`SELECT `+sourceColumns+` FROM sources WHERE version > ? ORDER BY id`, version)
	if err != nil {
		return nil, fmt.Errorf("変更ソースの取得に失敗しました: %w", err)
	}
	return sources, nil
}
