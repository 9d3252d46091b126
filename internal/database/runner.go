package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/store"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS _migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    applied_at TIMESTAMP NOT NULL,
    checksum   TEXT NOT NULL DEFAULT ''
)`

// AppliedMigration は_migrationsテーブルの1行を表す。
type AppliedMigration struct {
	Version   int       `db:"version" json:"version"`
	Name      string    `db:"name" json:"name"`
	AppliedAt time.Time `db:"applied_at" json:"appliedAt"`
	Checksum  string    `db:"checksum" json:"checksum"`
}

// Runner はストアのスキーマを最新バージョンまで引き上げる。
type Runner struct {
	migrations []Migration
	byVersion  map[int]Migration
}

// NewRunner はマイグレーション一覧からRunnerを生成する。
// migrationsはLoadMigrationsで検証済みであることを前提とする。
func NewRunner(migrations []Migration) *Runner {
	byVersion := make(map[int]Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}
	return &Runner{migrations: migrations, byVersion: byVersion}
}

// CurrentSchemaVersion はこのバイナリが知る最新のスキーマバージョンを返す。
func (r *Runner) CurrentSchemaVersion() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Applied はストアに適用済みのマイグレーションを昇順で返す。
func (r *Runner) Applied(ctx context.Context, st *store.Store) ([]AppliedMigration, error) {
	var applied []AppliedMigration
	err := sqlx.SelectContext(ctx, st.Executor(ctx), &applied,
		`SELECT version, name, applied_at, checksum FROM _migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	return applied, nil
}

// EnsureSchema は未適用のマイグレーションを昇順に、1件ずつ独立したトランザクションで適用する。
// 適用した件数を返す。最新の場合は何も書き込まない。
// 失敗した場合、呼び出し元はそのストアに対する操作を続けてはならない。
func (r *Runner) EnsureSchema(ctx context.Context, st *store.Store) (int, error) {
	if _, err := st.DB.ExecContext(ctx, createMigrationsTable); err != nil {
		return 0, model.NewMigrationFailedError("_migrations", err)
	}

	applied, err := r.Applied(ctx, st)
	if err != nil {
		return 0, err
	}

	done := make(map[int]bool, len(applied))
	for _, a := range applied {
		m, ok := r.byVersion[a.Version]
		if !ok {
			if a.Version > r.CurrentSchemaVersion() {
				return 0, model.NewSchemaAheadError(a.Version, r.CurrentSchemaVersion())
			}
			return 0, model.NewMigrationTamperedError(a.Name)
		}
		if m.Name != a.Name || (a.Checksum != "" && m.Checksum != a.Checksum) {
			return 0, model.NewMigrationTamperedError(a.Name)
		}
		done[a.Version] = true
	}

	count := 0
	for _, m := range r.migrations {
		if done[m.Version] {
			continue
		}
		if err := r.apply(ctx, st, m); err != nil {
			return count, model.NewMigrationFailedError(m.Name, err)
		}
		slog.Info("マイグレーションを適用しました",
			slog.String("user_id", st.UserID),
			slog.Int("version", m.Version),
			slog.String("name", m.Name),
		)
		count++
	}
	return count, nil
}

func (r *Runner) apply(ctx context.Context, st *store.Store, m Migration) error {
	return st.WithTransaction(ctx, func(ctx context.Context) error {
		exec := st.Executor(ctx)
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := exec.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := exec.ExecContext(ctx,
			exec.Rebind(`INSERT INTO _migrations (version, name, applied_at, checksum) VALUES (?, ?, ?, ?)`),
			m.Version, m.Name, time.Now().UTC(), m.Checksum)
		return err
	})
}

// splitStatements はマイグレーションSQLを文単位に分割する。
// マイグレーション内で文字列リテラルにセミコロンを含めないこと。
func splitStatements(sql string) []string {
	var stmts []string
	for _, part := range strings.Split(sql, ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
