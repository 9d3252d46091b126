package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/inboxsync/internal/feed"
	"github.com/hitoshi/inboxsync/internal/ingest"
	"github.com/hitoshi/inboxsync/internal/middleware"
	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/sources"
)

// InternalHandler はサービス間連携用の内部APIエンドポイント。
type InternalHandler struct {
	service  UserStoreService
	fetcher  ItemFetcher
	recorder RefreshRecorder
	logger   *slog.Logger
}

// NewInternalHandler はInternalHandlerを生成する。fetcherがnilの場合、ソース更新は利用できない。
func NewInternalHandler(service UserStoreService, fetcher ItemFetcher, recorder RefreshRecorder, logger *slog.Logger) *InternalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InternalHandler{service: service, fetcher: fetcher, recorder: recorder, logger: logger}
}

// ingestItemRequest はingestエンドポイントが受け取るアイテム。
type ingestItemRequest struct {
	ProviderItemID  string `json:"providerItemId"`
	ContentType     string `json:"contentType"`
	CanonicalURL    string `json:"canonicalUrl"`
	Title           string `json:"title"`
	Summary         string `json:"summary"`
	Author          string `json:"author"`
	Publisher       string `json:"publisher"`
	PublishedAt     string `json:"publishedAt"`
	ThumbnailURL    string `json:"thumbnailUrl"`
	DurationSeconds *int64 `json:"durationSeconds"`
}

type ingestRequest struct {
	Items []ingestItemRequest `json:"items"`
}

type unsubscribeResponse struct {
	Version int64 `json:"version"`
}

type identityEventResponse struct {
	Applied bool               `json:"applied"`
	Profile *model.UserProfile `json:"profile,omitempty"`
}

type refreshResponse struct {
	Fetched int                 `json:"fetched"`
	Result  *model.IngestResult `json:"result"`
}

// CreateSource はソースを登録する。新規作成なら201、登録済みなら200を返す。
// POST /internal/users/{userID}/sources
func (h *InternalHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req sources.SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	src, created, err := h.service.Subscribe(r.Context(), userID, req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, src)
}

// ListSources は登録済みソースの一覧を返す。
// GET /internal/users/{userID}/sources
func (h *InternalHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListSources(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Source{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DeleteSource はソースの購読を解除する。
// DELETE /internal/users/{userID}/sources/{sourceID}
func (h *InternalHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	version, err := h.service.Unsubscribe(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "sourceID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unsubscribeResponse{Version: version})
}

// Ingest はメタデータ解決済みのアイテムを取り込む。
// POST /internal/users/{userID}/sources/{sourceID}/ingest
func (h *InternalHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	items := make([]model.ProviderItem, 0, len(req.Items))
	for i, it := range req.Items {
		publishedAt, err := ingest.ParsePublishedAt(it.PublishedAt)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				model.NewValidationError(fmt.Sprintf("items[%d].publishedAt: %v", i, err)))
			return
		}
		items = append(items, model.ProviderItem{
			ProviderItemID:  it.ProviderItemID,
			ContentType:     it.ContentType,
			CanonicalURL:    it.CanonicalURL,
			Title:           it.Title,
			Summary:         it.Summary,
			Author:          it.Author,
			Publisher:       it.Publisher,
			PublishedAt:     publishedAt,
			ThumbnailURL:    it.ThumbnailURL,
			DurationSeconds: it.DurationSeconds,
		})
	}

	res, err := h.service.Ingest(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "sourceID"), items)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Refresh はソースのフィードを取得して取り込む。
// 取得はアクターの外で行い、取り込みだけをアクターに渡す。
// POST /internal/users/{userID}/sources/{sourceID}/refresh
func (h *InternalHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sourceID := chi.URLParam(r, "sourceID")

	res, fetched, err := h.refresh(r, userID, sourceID)
	if h.recorder != nil {
		h.recorder.RecordRefresh(err)
	}
	if err != nil {
		h.logger.Warn("ソース更新に失敗しました",
			slog.String("user_id", userID),
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Fetched: fetched, Result: res})
}

func (h *InternalHandler) refresh(r *http.Request, userID, sourceID string) (*model.IngestResult, int, error) {
	src, err := h.service.GetSource(r.Context(), userID, sourceID)
	if err != nil {
		return nil, 0, err
	}
	if src == nil {
		return nil, 0, model.NewSourceNotFoundError(sourceID)
	}
	if h.fetcher == nil {
		return nil, 0, model.NewRefreshUnsupportedError(string(src.Provider))
	}
	feedURL, err := feed.FeedURLForSource(src)
	if err != nil {
		return nil, 0, err
	}
	items, err := h.fetcher.FetchItems(r.Context(), feedURL)
	if err != nil {
		return nil, 0, err
	}
	res, err := h.service.Ingest(r.Context(), userID, sourceID, items)
	if err != nil {
		return nil, 0, err
	}
	return res, len(items), nil
}

// IdentityEvent は外部IDプロバイダのイベントをプロフィールに反映する。
// POST /internal/users/{userID}/identity-events
func (h *InternalHandler) IdentityEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.IdentityEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	profile, applied, err := h.service.ApplyIdentityEvent(r.Context(), chi.URLParam(r, "userID"), ev)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identityEventResponse{Applied: applied, Profile: profile})
}

// Schema はユーザーストアのスキーマ状態を返す。
// GET /internal/users/{userID}/schema
func (h *InternalHandler) Schema(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.SchemaStatus(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
