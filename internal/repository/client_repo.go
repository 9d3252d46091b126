package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/store"
)

const clientColumns = `id, client_group_id, last_mutation_id, last_modified, version`

// ClientRepo はreplicache_clientsテーブルのリポジトリ。
type ClientRepo struct {
	st *store.Store
}

var _ ClientRepository = (*ClientRepo)(nil)

// NewClientRepo はClientRepoを生成する。
func NewClientRepo(st *store.Store) *ClientRepo {
	return &ClientRepo{st: st}
}

// FindByID は指定IDのクライアントを取得する。
func (r *ClientRepo) FindByID(ctx context.Context, id string) (*model.ReplicacheClient, error) {
	c := &model.ReplicacheClient{}
	found, err := getOne(ctx, r.st.Executor(ctx), c,
		`SELECT `+clientColumns+` FROM replicache_clients WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("クライアントの取得に失敗しました: %w", err)
	}
	if !found {
		return nil, nil
	}
	return c, nil
}

// Create はクライアントを作成する。
func (r *ClientRepo) Create(ctx context.Context, c *model.ReplicacheClient) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`INSERT INTO replicache_clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ClientGroupID, c.LastMutationID, c.LastModified, c.Version)
	if err != nil {
		return fmt.Errorf("クライアントの作成に失敗しました: %w", err)
	}
	return nil
}

// Save はlast_mutation_id、last_modified、versionを更新する。
func (r *ClientRepo) Save(ctx context.Context, c *model.ReplicacheClient) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`UPDATE replicache_clients SET last_mutation_id = ?, last_modified = ?, version = ? WHERE id = ?`,
		c.LastMutationID, c.LastModified, c.Version, c.ID)
	if err != nil {
		return fmt.Errorf("クライアントの更新に失敗しました: %w", err)
	}
	return nil
}

// Touch はlast_modifiedのみを更新する。同期対象の行ではないためversionは変えない。
func (r *ClientRepo) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`UPDATE replicache_clients SET last_modified = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("クライアントの更新に失敗しました: %w", err)
	}
	return nil
}

// ListByGroupChangedSince はグループ内でversionより後に変更されたクライアントをID順に返す。
func (r *ClientRepo) ListByGroupChangedSince(ctx context.Context, clientGroupID string, version int64) ([]model.ReplicacheClient, error) {
	var clients []model.ReplicacheClient
	err := selectAll(ctx, r.st.Executor(ctx), &clients,
		`SELECT `+clientColumns+` FROM replicache_clients
		 WHERE client_group_id = ? AND version > ? ORDER BY id`, clientGroupID, version)
	if err != nil {
		return nil, fmt.Errorf("クライアント一覧の取得に失敗しました: %w", err)
	}
	return clients, nil
}
