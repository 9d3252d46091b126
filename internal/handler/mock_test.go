package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/inboxsync/internal/actor"
	"github.com/hitoshi/inboxsync/internal/middleware"
	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/sources"
)

// --- モック定義 ---

// mockSyncService はSyncServiceのモック実装。
type mockSyncService struct {
	pushFn func(ctx context.Context, userID string, req model.PushRequest) (*model.PushResult, error)
	pullFn func(ctx context.Context, userID string, req model.PullRequest) (*model.PullResult, error)
}

func (m *mockSyncService) Push(ctx context.Context, userID string, req model.PushRequest) (*model.PushResult, error) {
	if m.pushFn != nil {
		return m.pushFn(ctx, userID, req)
	}
	return &model.PushResult{}, nil
}

func (m *mockSyncService) Pull(ctx context.Context, userID string, req model.PullRequest) (*model.PullResult, error) {
	if m.pullFn != nil {
		return m.pullFn(ctx, userID, req)
	}
	return &model.PullResult{}, nil
}

// mockUserStoreService はUserStoreServiceのモック実装。
type mockUserStoreService struct {
	subscribeFn     func(ctx context.Context, userID string, req sources.SubscribeRequest) (*model.Source, bool, error)
	unsubscribeFn   func(ctx context.Context, userID, sourceID string) (int64, error)
	getSourceFn     func(ctx context.Context, userID, sourceID string) (*model.Source, error)
	listSourcesFn   func(ctx context.Context, userID string) ([]model.Source, error)
	ingestFn        func(ctx context.Context, userID, sourceID string, items []model.ProviderItem) (*model.IngestResult, error)
	identityEventFn func(ctx context.Context, userID string, ev model.IdentityEvent) (*model.UserProfile, bool, error)
	schemaStatusFn  func(ctx context.Context, userID string) (*actor.SchemaStatus, error)
}

func (m *mockUserStoreService) Subscribe(ctx context.Context, userID string, req sources.SubscribeRequest) (*model.Source, bool, error) {
	if m.subscribeFn != nil {
		return m.subscribeFn(ctx, userID, req)
	}
	return nil, false, nil
}

func (m *mockUserStoreService) Unsubscribe(ctx context.Context, userID, sourceID string) (int64, error) {
	if m.unsubscribeFn != nil {
		return m.unsubscribeFn(ctx, userID, sourceID)
	}
	return 0, nil
}

func (m *mockUserStoreService) GetSource(ctx context.Context, userID, sourceID string) (*model.Source, error) {
	if m.getSourceFn != nil {
		return m.getSourceFn(ctx, userID, sourceID)
	}
	return nil, nil
}

func (m *mockUserStoreService) ListSources(ctx context.Context, userID string) ([]model.Source, error) {
	if m.listSourcesFn != nil {
		return m.listSourcesFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockUserStoreService) Ingest(ctx context.Context, userID, sourceID string, items []model.ProviderItem) (*model.IngestResult, error) {
	if m.ingestFn != nil {
		return m.ingestFn(ctx, userID, sourceID, items)
	}
	return &model.IngestResult{}, nil
}

func (m *mockUserStoreService) ApplyIdentityEvent(ctx context.Context, userID string, ev model.IdentityEvent) (*model.UserProfile, bool, error) {
	if m.identityEventFn != nil {
		return m.identityEventFn(ctx, userID, ev)
	}
	return nil, false, nil
}

func (m *mockUserStoreService) SchemaStatus(ctx context.Context, userID string) (*actor.SchemaStatus, error) {
	if m.schemaStatusFn != nil {
		return m.schemaStatusFn(ctx, userID)
	}
	return nil, nil
}

// mockFetcher はItemFetcherのモック実装。
type mockFetcher struct {
	fetchFn func(ctx context.Context, feedURL string) ([]model.ProviderItem, error)
}

func (m *mockFetcher) FetchItems(ctx context.Context, feedURL string) ([]model.ProviderItem, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, feedURL)
	}
	return nil, nil
}

// refreshSpy はRefreshRecorderに渡された結果を記録する。
type refreshSpy struct {
	calls int
	last  error
}

func (s *refreshSpy) RecordRefresh(err error) {
	s.calls++
	s.last = err
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(context.Context) error {
	return m.err
}

// --- ヘルパー ---

const (
	testInternalToken = "internal-secret"
	testIssuer        = "https://id.example.com"
)

var testJWTSecret = []byte("test-jwt-secret")

func newTestRouter(deps RouterDeps) http.Handler {
	deps.JWTSecret = testJWTSecret
	deps.JWTIssuer = testIssuer
	deps.InternalToken = testInternalToken
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(deps)
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := middleware.IssueToken(testJWTSecret, testIssuer, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return "Bearer " + token
}

func doRequest(h http.Handler, method, path, authorization, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
