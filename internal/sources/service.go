// Package sources はユーザーのプロバイダ購読（ソース）の管理を提供する。
package sources

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
)

// SubscribeRequest はソース登録の入力。
type SubscribeRequest struct {
	Provider   model.Provider `json:"provider"`
	ProviderID string         `json:"providerId"`
	Name       string         `json:"name"`
	Config     model.JSONText `json:"config"`
}

// Service はソース管理のサービス層。
// ソースは作成後に更新せず、購読解除で削除する。
type Service struct {
	sources    repository.SourceRepository
	tombstones repository.TombstoneRepository
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(sources repository.SourceRepository, tombstones repository.TombstoneRepository) *Service {
	return &Service{
		sources:    sources,
		tombstones: tombstones,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe はソースを登録する。(provider, providerId)が登録済みなら既存のソースを返し、created=falseとなる。
// 呼び出し元のトランザクション内で実行する。
func (s *Service) Subscribe(ctx context.Context, clock *repository.VersionClock, req SubscribeRequest) (*model.Source, bool, error) {
	req.Provider = model.Provider(strings.ToUpper(strings.TrimSpace(string(req.Provider))))
	if !req.Provider.Valid() {
		return nil, false, model.NewValidationError("unknown provider " + string(req.Provider))
	}
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.ProviderID == "" {
		return nil, false, model.NewValidationError("providerId is required")
	}
	if req.Config != "" && !json.Valid([]byte(req.Config)) {
		return nil, false, model.NewValidationError("config must be valid JSON")
	}

	existing, err := s.sources.FindByProviderID(ctx, req.Provider, req.ProviderID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	version, err := clock.Next(ctx)
	if err != nil {
		return nil, false, err
	}
	src := &model.Source{
		ID:         uuid.New().String(),
		Provider:   req.Provider,
		ProviderID: req.ProviderID,
		Name:       strings.TrimSpace(req.Name),
		Config:     req.Config,
		Version:    version,
		CreatedAt:  s.now(),
	}
	if src.Config == "" {
		src.Config = "{}"
	}
	if err := s.sources.Create(ctx, src); err != nil {
		return nil, false, err
	}

	slog.Info("ソースを登録しました", "source_id", src.ID, "provider", src.Provider)
	return src, true, nil
}

// Unsubscribe はソースを削除する。取り込み済み台帳はCASCADE削除され、
// pullで削除を伝えるためのトゥームストーンを記録する。
func (s *Service) Unsubscribe(ctx context.Context, clock *repository.VersionClock, sourceID string) error {
	src, err := s.sources.FindByID(ctx, sourceID)
	if err != nil {
		return err
	}
	if src == nil {
		return model.NewSourceNotFoundError(sourceID)
	}

	version, err := clock.Next(ctx)
	if err != nil {
		return err
	}
	if err := s.sources.Delete(ctx, src.ID); err != nil {
		return err
	}
	if err := s.tombstones.Put(ctx, &model.Tombstone{
		Entity:    model.EntitySource,
		EntityID:  src.ID,
		Version:   version,
		DeletedAt: s.now(),
	}); err != nil {
		return err
	}

	slog.Info("ソースを削除しました", "source_id", src.ID, "provider", src.Provider)
	return nil
}

// Get は指定IDのソースを返す。存在しない場合はSOURCE_NOT_FOUNDエラー。
func (s *Service) Get(ctx context.Context, sourceID string) (*model.Source, error) {
	src, err := s.sources.FindByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, model.NewSourceNotFoundError(sourceID)
	}
	return src, nil
}

// List は全ソースを返す。
func (s *Service) List(ctx context.Context) ([]model.Source, error) {
	return s.sources.List(ctx)
}
