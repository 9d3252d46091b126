package handler

import (
	"context"

	"github.com/hitoshi/inboxsync/internal/actor"
	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/sources"
)

// SyncService はクライアント同期APIが必要とするサービスインターフェース。
type SyncService interface {
	Push(ctx context.Context, userID string, req model.PushRequest) (*model.PushResult, error)
	Pull(ctx context.Context, userID string, req model.PullRequest) (*model.PullResult, error)
}

// UserStoreService は内部APIが必要とするサービスインターフェース。
type UserStoreService interface {
	Subscribe(ctx context.Context, userID string, req sources.SubscribeRequest) (*model.Source, bool, error)
	Unsubscribe(ctx context.Context, userID, sourceID string) (int64, error)
	GetSource(ctx context.Context, userID, sourceID string) (*model.Source, error)
	ListSources(ctx context.Context, userID string) ([]model.Source, error)
	Ingest(ctx context.Context, userID, sourceID string, items []model.ProviderItem) (*model.IngestResult, error)
	ApplyIdentityEvent(ctx context.Context, userID string, ev model.IdentityEvent) (*model.UserProfile, bool, error)
	SchemaStatus(ctx context.Context, userID string) (*actor.SchemaStatus, error)
}

// ItemFetcher はソース更新でフィードを取得する。
type ItemFetcher interface {
	FetchItems(ctx context.Context, feedURL string) ([]model.ProviderItem, error)
}

// RefreshRecorder はソース更新の結果を受け取る。
type RefreshRecorder interface {
	RecordRefresh(err error)
}

// HealthChecker はサービスの稼働状態を返す。
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RegistryAdapter は actor.Registry を SyncService と UserStoreService に適合させるアダプタ。
type RegistryAdapter struct {
	registry *actor.Registry
}

var (
	_ SyncService      = (*RegistryAdapter)(nil)
	_ UserStoreService = (*RegistryAdapter)(nil)
)

// NewRegistryAdapter はRegistryAdapterを生成する。
func NewRegistryAdapter(registry *actor.Registry) *RegistryAdapter {
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Push(ctx context.Context, userID string, req model.PushRequest) (*model.PushResult, error) {
	return a.registry.Get(userID).Push(ctx, req)
}

func (a *RegistryAdapter) Pull(ctx context.Context, userID string, req model.PullRequest) (*model.PullResult, error) {
	return a.registry.Get(userID).Pull(ctx, req)
}

func (a *RegistryAdapter) Subscribe(ctx context.Context, userID string, req sources.SubscribeRequest) (*model.Source, bool, error) {
	return a.registry.Get(userID).Subscribe(ctx, req)
}

func (a *RegistryAdapter) Unsubscribe(ctx context.Context, userID, sourceID string) (int64, error) {
	return a.registry.Get(userID).Unsubscribe(ctx, sourceID)
}

func (a *RegistryAdapter) GetSource(ctx context.Context, userID, sourceID string) (*model.Source, error) {
	return a.registry.Get(userID).GetSource(ctx, sourceID)
}

func (a *RegistryAdapter) ListSources(ctx context.Context, userID string) ([]model.Source, error) {
	return a.registry.Get(userID).ListSources(ctx)
}

func (a *RegistryAdapter) Ingest(ctx context.Context, userID, sourceID string, items []model.ProviderItem) (*model.IngestResult, error) {
	return a.registry.Get(userID).Ingest(ctx, sourceID, items)
}

func (a *RegistryAdapter) ApplyIdentityEvent(ctx context.Context, userID string, ev model.IdentityEvent) (*model.UserProfile, bool, error) {
	return a.registry.Get(userID).ApplyIdentityEvent(ctx, ev)
}

func (a *RegistryAdapter) SchemaStatus(ctx context.Context, userID string) (*actor.SchemaStatus, error) {
	return a.registry.Get(userID).SchemaStatus(ctx)
}
