// Package storetest はテスト用のユーザーストアを提供する。
package storetest

import (
	"context"
	"testing"

	"github.com/hitoshi/inboxsync/internal/database"
	"github.com/hitoshi/inboxsync/internal/store"
)

// OpenRaw はt.TempDir()配下に未マイグレーションのSQLiteストアを開く。
func OpenRaw(t testing.TB) *store.Store {
	t.Helper()
	opener := &store.SQLiteOpener{DataDir: t.TempDir()}
	st, err := opener.Open(context.Background(), "test-user")
	if err != nil {
		t.Fatalf("ストアのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Open は最新スキーマまでマイグレーション済みのSQLiteストアを開く。
func Open(t testing.TB) *store.Store {
	t.Helper()
	st := OpenRaw(t)
	migrations, err := database.LoadMigrations()
	if err != nil {
		t.Fatalf("マイグレーションの読み込みに失敗: %v", err)
	}
	if _, err := database.NewRunner(migrations).EnsureSchema(context.Background(), st); err != nil {
		t.Fatalf("マイグレーションの適用に失敗: %v", err)
	}
	return st
}
