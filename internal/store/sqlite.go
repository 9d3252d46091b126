package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteOpener はDataDir配下にユーザーごとのSQLiteファイルを開く。
type SQLiteOpener struct {
	DataDir string
}

var _ Opener = (*SQLiteOpener)(nil)

// Path はユーザーのストアファイルのパスを返す。
func (o *SQLiteOpener) Path(userID string) string {
	return filepath.Join(o.DataDir, storeKey(userID)+".db")
}

// Open はユーザーのSQLiteストアを開く。ファイルが存在しない場合は作成される。
func (o *SQLiteOpener) Open(ctx context.Context, userID string) (*Store, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}
	if err := os.MkdirAll(o.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dsn := "file:" + o.Path(userID) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// アクターが直列に操作するため接続は1本で足りる。
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite store: %w", err)
	}

	return &Store{DB: db, Dialect: DialectSQLite, UserID: userID}, nil
}
