package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresOpener は共有PostgreSQLサーバー上にユーザーごとのスキーマを割り当てる。
type PostgresOpener struct {
	DatabaseURL string
}

var _ Opener = (*PostgresOpener)(nil)

// SchemaName はユーザーのスキーマ名を返す。
func SchemaName(userID string) string {
	return "u_" + storeKey(userID)
}

// Open はユーザーのスキーマを作成し、search_pathをそのスキーマに固定した接続を返す。
func (o *PostgresOpener) Open(ctx context.Context, userID string) (*Store, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}
	schema := SchemaName(userID)

	dsn, err := withSearchPath(o.DatabaseURL, schema)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	db.SetMaxOpenConns(2)

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
	}

	return &Store{DB: db, Dialect: DialectPostgres, UserID: userID}, nil
}

// withSearchPath はURL形式とkey=value形式の両方の接続文字列にsearch_pathを付与する。
func withSearchPath(databaseURL, schema string) (string, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		u, err := url.Parse(databaseURL)
		if err != nil {
			return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return databaseURL + " search_path=" + schema, nil
}
