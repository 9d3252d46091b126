// Package ingest はプロバイダ由来コンテンツの取り込みと重複排除を提供する。
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
	"github.com/hitoshi/inboxsync/internal/security"
	"github.com/hitoshi/inboxsync/internal/store"
)

// DefaultMaxBatch は1回のingestで受け付けるアイテム数の既定上限。
const DefaultMaxBatch = 1000

// Pipeline はソース単位のingestバッチを処理する。
// バッチ全体を1トランザクションで処理し、書き込みがあった場合のみバージョンを1進める。
type Pipeline struct {
	tx        store.Transactor
	sources   repository.SourceRepository
	items     repository.CanonicalItemRepository
	userItems repository.UserItemRepository
	seen      repository.SeenRepository
	meta      repository.MetaRepository
	sanitizer security.TextSanitizer
	maxBatch  int
	now       func() time.Time
}

// Deps はPipelineの依存。
type Deps struct {
	Tx        store.Transactor
	Sources   repository.SourceRepository
	Items     repository.CanonicalItemRepository
	UserItems repository.UserItemRepository
	Seen      repository.SeenRepository
	Meta      repository.MetaRepository
	Sanitizer security.TextSanitizer
	MaxBatch  int
}

// NewPipeline はPipelineを生成する。
func NewPipeline(d Deps) *Pipeline {
	maxBatch := d.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Pipeline{
		tx:        d.Tx,
		sources:   d.Sources,
		items:     d.Items,
		userItems: d.UserItems,
		seen:      d.Seen,
		meta:      d.Meta,
		sanitizer: d.Sanitizer,
		maxBatch:  maxBatch,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest はsourceIDのソースに届いたアイテムのバッチを取り込む。
//
// 処理の流れ:
//  1. (sourceID, providerItemID)が取り込み済みならスキップする
//  2. (provider, providerItemID)でCanonicalItemをupsertする
//  3. provider_items_seenに記録する
//  4. UserItemが未作成ならINBOXで作成する。既存の状態は変更しない
//  5. 書き込みがあればバージョンを1だけ進める
//
// providerItemIDの欠落など不正なアイテムは個別にIngestResult.Errorsへ記録し、バッチは中断しない。
// ストレージエラーの場合はバッチ全体をロールバックしてエラーを返す。
func (p *Pipeline) Ingest(ctx context.Context, sourceID string, items []model.ProviderItem) (*model.IngestResult, error) {
	if sourceID == "" {
		return nil, model.NewValidationError("sourceId is required")
	}
	if len(items) > p.maxBatch {
		return nil, model.NewValidationError(fmt.Sprintf("batch size %d exceeds limit %d", len(items), p.maxBatch))
	}

	var result *model.IngestResult
	err := p.tx.WithTransaction(ctx, func(ctx context.Context) error {
		result = &model.IngestResult{UserItemIDs: []string{}, Errors: []model.ItemError{}}

		src, err := p.sources.FindByID(ctx, sourceID)
		if err != nil {
			return err
		}
		if src == nil {
			return model.NewSourceNotFoundError(sourceID)
		}

		clock := repository.NewVersionClock(p.meta)
		now := p.now()
		touched := make(map[string]bool)

		for i, raw := range items {
			item, itemErr := p.normalize(raw)
			if itemErr != nil {
				result.Errors = append(result.Errors, model.ItemError{
					Index:          i,
					ProviderItemID: raw.ProviderItemID,
					Code:           itemErr.Code,
					Message:        itemErr.Message,
				})
				continue
			}

			seen, err := p.seen.Exists(ctx, src.ID, item.ProviderItemID)
			if err != nil {
				return err
			}
			if seen {
				result.Skipped++
				continue
			}

			version, err := clock.Next(ctx)
			if err != nil {
				return err
			}
			canonical, err := p.upsertByProvider(ctx, string(src.Provider), item, version, now)
			if err != nil {
				return err
			}
			if err := p.seen.Record(ctx, src.ID, item.ProviderItemID, now); err != nil {
				return err
			}
			ui, err := p.ensureUserItem(ctx, canonical.ID, version, now)
			if err != nil {
				return err
			}
			if !touched[ui.ID] {
				touched[ui.ID] = true
				result.UserItemIDs = append(result.UserItemIDs, ui.ID)
			}
		}

		version, err := clock.Commit(ctx)
		if err != nil {
			return err
		}
		result.Version = version
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("ingest完了",
		"source_id", sourceID,
		"received", len(items),
		"touched", len(result.UserItemIDs),
		"skipped", result.Skipped,
		"rejected", len(result.Errors),
		"version", result.Version,
	)
	return result, nil
}

// normalize はProviderItemを検証し、文字列フィールドを無害化したコピーを返す。
func (p *Pipeline) normalize(raw model.ProviderItem) (model.ProviderItem, *model.APIError) {
	item := raw
	item.ProviderItemID = strings.TrimSpace(raw.ProviderItemID)
	if item.ProviderItemID == "" {
		return item, model.NewValidationError("providerItemId is required")
	}

	ct, ctErr := parseContentType(raw.ContentType)
	if ctErr != nil {
		return item, ctErr
	}
	item.ContentType = ct

	if raw.DurationSeconds != nil && *raw.DurationSeconds < 0 {
		return item, model.NewValidationError("duration must not be negative")
	}

	item.Title = p.sanitizer.SanitizeText(raw.Title)
	item.Summary = p.sanitizer.SanitizeText(raw.Summary)
	item.Author = p.sanitizer.SanitizeText(raw.Author)
	item.Publisher = p.sanitizer.SanitizeText(raw.Publisher)
	item.CanonicalURL = p.sanitizer.SanitizeURL(raw.CanonicalURL)
	if item.CanonicalURL == "" && strings.TrimSpace(raw.CanonicalURL) != "" {
		return item, model.NewValidationError(fmt.Sprintf("invalid canonicalUrl %q", raw.CanonicalURL))
	}
	item.ThumbnailURL = p.sanitizer.SanitizeURL(raw.ThumbnailURL)
	if item.ThumbnailURL == "" && strings.TrimSpace(raw.ThumbnailURL) != "" {
		slog.Warn("不正なthumbnailUrlを破棄",
			"provider_item_id", item.ProviderItemID,
			"thumbnail_url", raw.ThumbnailURL,
		)
	}
	if raw.PublishedAt != nil {
		t := raw.PublishedAt.UTC()
		item.PublishedAt = &t
	}
	return item, nil
}

// parseContentType は種別を検証する。未指定は空文字列のまま返し、既定値の適用は作成時に行う。
func parseContentType(s string) (string, *model.APIError) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	ct, ok := model.ParseContentType(s)
	if !ok {
		return "", model.NewValidationError(fmt.Sprintf("unknown contentType %q", s))
	}
	return string(ct), nil
}

// upsertByProvider は(provider, providerItemID)が一致するCanonicalItemを更新し、なければ作成する。
func (p *Pipeline) upsertByProvider(ctx context.Context, provider string, item model.ProviderItem, version int64, now time.Time) (*model.CanonicalItem, error) {
	existing, err := p.items.FindByProviderID(ctx, provider, item.ProviderItemID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		applyMutableFields(existing, item)
		existing.Version = version
		existing.UpdatedAt = now
		if err := p.items.Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	providerID := item.ProviderItemID
	canonical := &model.CanonicalItem{
		ID:         uuid.New().String(),
		Provider:   &provider,
		ProviderID: &providerID,
		Version:    version,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	applyMutableFields(canonical, item)
	if err := p.items.Create(ctx, canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

// applyMutableFields は上流で変化しうるフィールドを反映する。
// 空の値で既存の値を消さない。種別が未指定のまま作成される場合はarticleとする。
func applyMutableFields(c *model.CanonicalItem, item model.ProviderItem) {
	switch {
	case item.ContentType != "":
		c.ContentType = model.ContentType(item.ContentType)
	case c.ContentType == "":
		c.ContentType = model.ContentTypeArticle
	}
	if item.CanonicalURL != "" {
		c.CanonicalURL = item.CanonicalURL
	}
	if item.Title != "" {
		c.Title = item.Title
	}
	if item.Summary != "" {
		c.Summary = item.Summary
	}
	if item.Author != "" {
		c.Author = item.Author
	}
	if item.Publisher != "" {
		c.Publisher = item.Publisher
	}
	if item.PublishedAt != nil {
		c.PublishedAt = item.PublishedAt
	}
	if item.ThumbnailURL != "" {
		c.ThumbnailURL = item.ThumbnailURL
	}
	if item.DurationSeconds != nil {
		c.DurationSeconds = item.DurationSeconds
	}
}

// ensureUserItem はCanonicalItemに対応するUserItemを返す。なければINBOXで作成する。
// 既存のUserItemの状態は変更しない。
func (p *Pipeline) ensureUserItem(ctx context.Context, itemID string, version int64, now time.Time) (*model.UserItem, error) {
	existing, err := p.userItems.FindByItemID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	ui := &model.UserItem{
		ID:         uuid.New().String(),
		ItemID:     itemID,
		State:      model.ItemStateInbox,
		IngestedAt: now,
		Version:    version,
	}
	if err := p.userItems.Create(ctx, ui); err != nil {
		return nil, err
	}
	return ui, nil
}

// ParsePublishedAt はプロバイダごとに形式の異なる日時文字列を解釈する。
// タイムゾーンのない値はUTCとして扱う。空文字列はnilを返す。
func ParsePublishedAt(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("unrecognized publishedAt %q: %w", raw, err)
	}
	t = t.UTC()
	return &t, nil
}
