// Package repository はユーザーストアの各テーブルへのアクセスを提供する。
// すべてのリポジトリはcontextにトランザクションがあればそれに参加する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/inboxsync/internal/model"
)

// ProfileRepository はユーザープロフィールの永続化インターフェース。
type ProfileRepository interface {
	// Find はプロフィールを取得する。未作成の場合はnilを返す。
	Find(ctx context.Context) (*model.UserProfile, error)
	// Upsert はプロフィールを作成または更新する。
	Upsert(ctx context.Context, profile *model.UserProfile) error
}

// CanonicalItemRepository はCanonicalItemの永続化インターフェース。
type CanonicalItemRepository interface {
	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CanonicalItem, error)
	// FindByProviderID は(provider, provider_id)でアイテムを検索する。見つからない場合はnilを返す。
	FindByProviderID(ctx context.Context, provider, providerID string) (*model.CanonicalItem, error)
	// FindByURLWithoutProvider はプロバイダIDを持たないアイテムをcanonical_urlで検索する。
	FindByURLWithoutProvider(ctx context.Context, canonicalURL string) (*model.CanonicalItem, error)
	// Create はアイテムを作成する。
	Create(ctx context.Context, item *model.CanonicalItem) error
	// Update は上流で変化しうるフィールドを更新する。
	Update(ctx context.Context, item *model.CanonicalItem) error
	// ListChangedSince はversionより後に変更されたアイテムをID順に返す。
	ListChangedSince(ctx context.Context, version int64) ([]model.CanonicalItem, error)
}

// UserItemRepository はUserItemの永続化インターフェース。
type UserItemRepository interface {
	// FindByID は指定IDのユーザーアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.UserItem, error)
	// FindByItemID はCanonicalItemのIDでユーザーアイテムを取得する。見つからない場合はnilを返す。
	FindByItemID(ctx context.Context, itemID string) (*model.UserItem, error)
	// Create はユーザーアイテムを作成する。
	Create(ctx context.Context, item *model.UserItem) error
	// UpdateState は状態と遷移タイムスタンプを更新する。
	UpdateState(ctx context.Context, item *model.UserItem) error
	// ListChangedSince はversionより後に変更されたユーザーアイテムをID順に返す。
	ListChangedSince(ctx context.Context, version int64) ([]model.UserItem, error)
}

// SourceRepository はSourceの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Source, error)
	// FindByProviderID は(provider, provider_id)でソースを検索する。見つからない場合はnilを返す。
	FindByProviderID(ctx context.Context, provider model.Provider, providerID string) (*model.Source, error)
	// Create はソースを作成する。
	Create(ctx context.Context, source *model.Source) error
	// Delete はソースを削除する。provider_items_seenはCASCADE削除される。
	Delete(ctx context.Context, id string) error
	// List は全ソースを作成日時順に返す。
	List(ctx context.Context) ([]model.Source, error)
	// ListChangedSince はversionより後に変更されたソースをID順に返す。
	ListChangedSince(ctx context.Context, version int64) ([]model.Source, error)
}

// SeenRepository はprovider_items_seen（重複排除台帳）の永続化インターフェース。
type SeenRepository interface {
	// Exists は(sourceID, providerItemID)が記録済みかどうかを返す。
	Exists(ctx context.Context, sourceID, providerItemID string) (bool, error)
	// Record は(sourceID, providerItemID)を記録する。
	Record(ctx context.Context, sourceID, providerItemID string, seenAt time.Time) error
	// CountBySource はソースごとの記録件数を返す。
	CountBySource(ctx context.Context, sourceID string) (int, error)
}

// ClientRepository はreplicache_clientsの永続化インターフェース。
type ClientRepository interface {
	// FindByID は指定IDのクライアントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ReplicacheClient, error)
	// Create はクライアントを作成する。
	Create(ctx context.Context, client *model.ReplicacheClient) error
	// Save はlast_mutation_id、last_modified、versionを更新する。
	Save(ctx context.Context, client *model.ReplicacheClient) error
	// Touch はlast_modifiedのみを更新する。
	Touch(ctx context.Context, id string, at time.Time) error
	// ListByGroupChangedSince はグループ内でversionより後に変更されたクライアントを返す。
	ListByGroupChangedSince(ctx context.Context, clientGroupID string, version int64) ([]model.ReplicacheClient, error)
}

// MetaRepository はreplicache_metaのバージョンカウンタへのアクセスを提供する。
type MetaRepository interface {
	// Version は現在のバージョンを返す。
	Version(ctx context.Context) (int64, error)
	// Advance はバージョンをfromからtoへ進める。fromが現在値と異なる場合はエラー。
	Advance(ctx context.Context, from, to int64) error
}

// TombstoneRepository はsync_tombstonesの永続化インターフェース。
type TombstoneRepository interface {
	// Put は削除記録を作成または更新する。
	Put(ctx context.Context, tombstone *model.Tombstone) error
	// ListChangedSince はversionより後に記録された削除をキー順に返す。
	ListChangedSince(ctx context.Context, version int64) ([]model.Tombstone, error)
}
