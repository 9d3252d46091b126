package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/inboxsync/internal/config"
	"github.com/hitoshi/inboxsync/internal/database"
	"github.com/hitoshi/inboxsync/internal/middleware"
	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/store"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testInternalToken = "test-internal-token"
)

func setTestEnv(t *testing.T, dataDir string) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STORE_DATA_DIR", dataDir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", testJWTSecret)
	t.Setenv("JWT_ISSUER", "")
	t.Setenv("INTERNAL_API_TOKEN", testInternalToken)
	t.Setenv("LOG_LEVEL", "")
}

func restoreDefaultLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	restoreDefaultLogger(t)
	setTestEnv(t, t.TempDir())

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.StoreDriver != config.DriverSQLite {
		t.Errorf("StoreDriver = %q, want %q", cfg.StoreDriver, config.DriverSQLite)
	}

	// slogのグローバルロガーがJSON出力になっていること
	slog.Default().Info("init test")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	restoreDefaultLogger(t)
	setTestEnv(t, t.TempDir())
	t.Setenv("JWT_SECRET", "")
	t.Setenv("INTERNAL_API_TOKEN", "")

	var buf bytes.Buffer
	if _, err := Init(&buf); err == nil {
		t.Fatal("expected error for missing config, got nil")
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	restoreDefaultLogger(t)
	setTestEnv(t, t.TempDir())
	t.Setenv("JWT_SECRET", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_Migrate_CreatesStores(t *testing.T) {
	restoreDefaultLogger(t)
	dataDir := t.TempDir()
	setTestEnv(t, dataDir)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate", "user-1", "user-2"}); err != nil {
		t.Fatalf("Run(migrate) error = %v\nlog: %s", err, buf.String())
	}

	migrations, err := database.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	runner := database.NewRunner(migrations)
	opener := &store.SQLiteOpener{DataDir: dataDir}
	for _, userID := range []string{"user-1", "user-2"} {
		if _, err := os.Stat(opener.Path(userID)); err != nil {
			t.Fatalf("store file for %s: %v", userID, err)
		}
		st, err := opener.Open(context.Background(), userID)
		if err != nil {
			t.Fatalf("Open(%s) error = %v", userID, err)
		}
		applied, err := runner.Applied(context.Background(), st)
		st.Close()
		if err != nil {
			t.Fatalf("Applied(%s) error = %v", userID, err)
		}
		if len(applied) != len(migrations) {
			t.Errorf("%s: applied = %d, want %d", userID, len(applied), len(migrations))
		}
	}

	// 2回目は何も適用しない
	if err := Run(&buf, []string{"migrate", "user-1"}); err != nil {
		t.Fatalf("second Run(migrate) error = %v", err)
	}
}

func TestRunMigrate_RequiresUserIDs(t *testing.T) {
	cfg := &config.Config{StoreDriver: config.DriverSQLite, StoreDataDir: t.TempDir()}
	if err := runMigrate(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error without user ids")
	}
}

// --- ワイヤリング済みサーバーの結合テスト ---

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		StoreDriver:         config.DriverSQLite,
		StoreDataDir:        t.TempDir(),
		JWTSecret:           testJWTSecret,
		InternalAPIToken:    testInternalToken,
		ActorIdleTimeout:    time.Minute,
		RateLimitSyncPerMin: 600,
		MaxMutationsPerPush: 100,
		MaxIngestBatch:      100,
		FetchTimeout:        time.Second,
		FetchMaxSize:        1 << 20,
	}
	srv, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

func serve(t *testing.T, h http.Handler, method, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func hasKey(patches []model.PatchOp, key string) bool {
	for _, p := range patches {
		if p.Key == key {
			return true
		}
	}
	return false
}

func TestServer_IngestThenSync(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler
	internalAuth := "Bearer " + testInternalToken
	token, err := middleware.IssueToken([]byte(testJWTSecret), "", "user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	userAuth := "Bearer " + token

	// 1. ソース登録
	rec := serve(t, h, http.MethodPost, "/internal/users/user-1/sources", internalAuth,
		`{"provider":"RSS","providerId":"https://example.com/feed.xml","name":"Example"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create source status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var src model.Source
	decode(t, rec, &src)

	// 2. アイテム取り込み
	rec = serve(t, h, http.MethodPost, "/internal/users/user-1/sources/"+src.ID+"/ingest", internalAuth,
		`{"items":[{"providerItemId":"guid-1","contentType":"article","canonicalUrl":"https://example.com/a","title":"A","publishedAt":"2024-03-01T12:00:00Z"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var ingested model.IngestResult
	decode(t, rec, &ingested)
	if len(ingested.UserItemIDs) != 1 {
		t.Fatalf("UserItemIDs = %v, want 1 id", ingested.UserItemIDs)
	}
	userItemID := ingested.UserItemIDs[0]

	// 3. 初回pull
	rec = serve(t, h, http.MethodGet, "/api/replicache/pull?sinceVersion=0", userAuth, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var first model.PullResult
	decode(t, rec, &first)
	if !hasKey(first.Patches, "userItem/"+userItemID) || !hasKey(first.Patches, "source/"+src.ID) {
		t.Errorf("initial pull patches = %+v", first.Patches)
	}

	// 4. ブックマーク
	push := `{"clientId":"c1","clientGroupId":"g1","mutations":[{"id":1,"name":"bookmarkItem","args":{"userItemId":"` + userItemID + `"}}]}`
	rec = serve(t, h, http.MethodPost, "/api/replicache/push", userAuth, push)
	if rec.Code != http.StatusOK {
		t.Fatalf("push status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var pushed model.PushResult
	decode(t, rec, &pushed)
	if pushed.AppliedUpTo != 1 || pushed.Version <= first.Version {
		t.Errorf("push result = %+v, previous version = %d", pushed, first.Version)
	}

	// 5. 差分pull
	rec = serve(t, h, http.MethodPost, "/api/replicache/pull", userAuth,
		`{"sinceVersion":`+jsonInt(first.Version)+`,"clientGroupId":"g1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var second model.PullResult
	decode(t, rec, &second)
	if !hasKey(second.Patches, "userItem/"+userItemID) {
		t.Errorf("incremental pull patches = %+v", second.Patches)
	}
	if second.LastMutationIDChanges["c1"] != 1 {
		t.Errorf("LastMutationIDChanges = %v", second.LastMutationIDChanges)
	}

	// 6. メトリクス
	rec = serve(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "inboxsync_active_actors 1") {
		t.Errorf("metrics do not report the active actor:\n%s", rec.Body.String())
	}
}

func TestServer_HealthAfterClose(t *testing.T) {
	srv := newTestServer(t)

	rec := serve(t, srv.Handler, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	if err := srv.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rec = serve(t, srv.Handler, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
