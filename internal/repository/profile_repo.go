package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/store"
)

// ProfileRepo はuser_profileテーブルのリポジトリ。
type ProfileRepo struct {
	st *store.Store
}

var _ ProfileRepository = (*ProfileRepo)(nil)

// NewProfileRepo はProfileRepoを生成する。
func NewProfileRepo(st *store.Store) *ProfileRepo {
	return &ProfileRepo{st: st}
}

// Find はプロフィールを取得する。ストアのユーザーIDの行のみを対象にする。
func (r *ProfileRepo) Find(ctx context.Context) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	found, err := getOne(ctx, r.st.Executor(ctx), p,
		`SELECT id, email, first_name, last_name, image_url, version, created_at, updated_at
		 FROM user_profile WHERE id = ?`, r.st.UserID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if !found {
		return nil, nil
	}
	return p, nil
}

// Upsert はプロフィールを作成または更新する。created_atは初回作成時の値を維持する。
func (r *ProfileRepo) Upsert(ctx context.Context, p *model.UserProfile) error {
	_, err := exec(ctx, r.st.Executor(ctx),
		`INSERT INTO user_profile (id, email, first_name, last_name, image_url, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   email = excluded.email,
		   first_name = excluded.first_name,
		   last_name = excluded.last_name,
		   image_url = excluded.image_url,
		   version = excluded.version,
		   updated_at = excluded.updated_at`,
		p.ID, p.Email, p.FirstName, p.LastName, p.ImageURL, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("プロフィールの保存に失敗しました: %w", err)
	}
	return nil
}
