package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
)

// SaveRequest はユーザーによる手動保存の入力。
// Provider/ProviderItemIDはメタデータ解決でプロバイダのIDが判明している場合に指定する。
type SaveRequest struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	ContentType    string `json:"contentType"`
	ThumbnailURL   string `json:"thumbnailUrl"`
	Provider       string `json:"provider"`
	ProviderItemID string `json:"providerItemId"`
}

// Save はURLを手動保存し、対応するUserItemを返す。
// 呼び出し元のトランザクション内で実行し、clockでバージョンを払い出す。
// 同じコンテンツのUserItemが既にあれば状態を変更せずにそれを返す。
func (p *Pipeline) Save(ctx context.Context, clock *repository.VersionClock, req SaveRequest) (*model.UserItem, error) {
	url := p.sanitizer.SanitizeURL(req.URL)
	if url == "" {
		return nil, model.NewValidationError("url must be an absolute http(s) URL")
	}
	ct, ctErr := parseContentType(req.ContentType)
	if ctErr != nil {
		return nil, ctErr
	}

	item := model.ProviderItem{
		ProviderItemID: strings.TrimSpace(req.ProviderItemID),
		ContentType:    ct,
		CanonicalURL:   url,
		Title:          p.sanitizer.SanitizeText(req.Title),
		ThumbnailURL:   p.sanitizer.SanitizeURL(req.ThumbnailURL),
	}
	provider := model.Provider(strings.ToUpper(strings.TrimSpace(req.Provider)))
	if (provider == "") != (item.ProviderItemID == "") {
		return nil, model.NewValidationError("provider and providerItemId must be given together")
	}
	if provider != "" && !provider.Valid() {
		return nil, model.NewValidationError("unknown provider " + req.Provider)
	}

	version, err := clock.Next(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()

	var canonical *model.CanonicalItem
	if provider != "" {
		canonical, err = p.upsertByProvider(ctx, string(provider), item, version, now)
	} else {
		canonical, err = p.upsertByURL(ctx, item, version, now)
	}
	if err != nil {
		return nil, err
	}
	return p.ensureUserItem(ctx, canonical.ID, version, now)
}

// upsertByURL はプロバイダIDを持たないCanonicalItemをcanonical_urlで検索し、なければ作成する。
func (p *Pipeline) upsertByURL(ctx context.Context, item model.ProviderItem, version int64, now time.Time) (*model.CanonicalItem, error) {
	existing, err := p.items.FindByURLWithoutProvider(ctx, item.CanonicalURL)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	canonical := &model.CanonicalItem{
		ID:        uuid.New().String(),
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyMutableFields(canonical, item)
	if err := p.items.Create(ctx, canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}
