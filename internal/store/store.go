// Package store はユーザーごとに独立したリレーショナルストアを扱う。
// SQLite（ユーザーごとに1ファイル）とPostgreSQL（ユーザーごとに1スキーマ）をサポートする。
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Dialect はストアのSQL方言を表す。
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func init() {
	// modernc.org/sqliteのドライバ名はsqlxの既定のバインド表に含まれない。
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store は1ユーザー分のストアを表す。アクターが排他的に所有する。
type Store struct {
	DB      *sqlx.DB
	Dialect Dialect
	UserID  string
}

// Close はストアの接続を閉じる。
func (s *Store) Close() error {
	return s.DB.Close()
}

// Opener はユーザーIDに対応するストアを開く。
type Opener interface {
	Open(ctx context.Context, userID string) (*Store, error)
}

// NewOpener はドライバ名に応じたOpenerを返す。
func NewOpener(driver, dataDir, databaseURL string) (Opener, error) {
	switch Dialect(driver) {
	case DialectSQLite, "":
		return &SQLiteOpener{DataDir: dataDir}, nil
	case DialectPostgres:
		if databaseURL == "" {
			return nil, fmt.Errorf("postgres driver requires DATABASE_URL")
		}
		return &PostgresOpener{DatabaseURL: databaseURL}, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %q", driver)
	}
}

// storeKey はユーザーIDからファイル名やスキーマ名に使える識別子を導出する。
// 外部IDプロバイダのIDは任意の文字を含みうるためハッシュ化する。
func storeKey(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:16])
}
