package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/inboxsync/internal/store"
)

// MetaRepo はreplicache_metaテーブルのリポジトリ。
type MetaRepo struct {
	st *store.Store
}

var _ MetaRepository = (*MetaRepo)(nil)

// NewMetaRepo はMetaRepoを生成する。
func NewMetaRepo(st *store.Store) *MetaRepo {
	return &MetaRepo{st: st}
}

// Version は現在のバージョンを返す。
func (r *MetaRepo) Version(ctx context.Context) (int64, error) {
	var v int64
	found, err := getOne(ctx, r.st.Executor(ctx), &v, `SELECT version FROM replicache_meta WHERE id = 1`)
	if err != nil {
		return 0, fmt.Errorf("バージョンの取得に失敗しました: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("replicache_metaが初期化されていません")
	}
	return v, nil
}

// Advance はバージョンをfromからtoへ進める。
func (r *MetaRepo) Advance(ctx context.Context, from, to int64) error {
	if to <= from {
		return fmt.Errorf("バージョンは増加のみ可能です: %d -> %d", from, to)
	}
	res, err := exec(ctx, r.st.Executor(ctx),
		`UPDATE replicache_meta SET version = ? WHERE id = 1 AND version = ?`, to, from)
	if err != nil {
		return fmt.Errorf("バージョンの更新に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("バージョンの更新に失敗しました: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("バージョンが想定外に変化しています: expected %d", from)
	}
	return nil
}

// VersionClock は1つのトランザクション内でバージョンを払い出す。
// 何回Nextを呼んでもCommitで進むのは1だけで、Nextを呼ばなければ何も書き込まない。
// トランザクションごとに生成し、使い回さないこと。
type VersionClock struct {
	meta    MetaRepository
	current int64
	loaded  bool
	used    bool
}

// NewVersionClock はVersionClockを生成する。
func NewVersionClock(meta MetaRepository) *VersionClock {
	return &VersionClock{meta: meta}
}

func (c *VersionClock) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	v, err := c.meta.Version(ctx)
	if err != nil {
		return err
	}
	c.current = v
	c.loaded = true
	return nil
}

// Next はこのトランザクションで書き込む行に付与するバージョンを返す。
func (c *VersionClock) Next(ctx context.Context) (int64, error) {
	if err := c.load(ctx); err != nil {
		return 0, err
	}
	c.used = true
	return c.current + 1, nil
}

// Used はNextが呼ばれたかどうかを返す。
func (c *VersionClock) Used() bool {
	return c.used
}

// Commit はNextが呼ばれていればバージョンを1進め、トランザクション終了後のバージョンを返す。
func (c *VersionClock) Commit(ctx context.Context) (int64, error) {
	if err := c.load(ctx); err != nil {
		return 0, err
	}
	if !c.used {
		return c.current, nil
	}
	if err := c.meta.Advance(ctx, c.current, c.current+1); err != nil {
		return 0, err
	}
	return c.current + 1, nil
}
