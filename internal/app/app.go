// Package app はコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/inboxsync/internal/actor"
	"github.com/hitoshi/inboxsync/internal/config"
	"github.com/hitoshi/inboxsync/internal/database"
	"github.com/hitoshi/inboxsync/internal/feed"
	"github.com/hitoshi/inboxsync/internal/handler"
	"github.com/hitoshi/inboxsync/internal/logger"
	"github.com/hitoshi/inboxsync/internal/metrics"
	"github.com/hitoshi/inboxsync/internal/middleware"
	"github.com/hitoshi/inboxsync/internal/security"
	"github.com/hitoshi/inboxsync/internal/store"
)

// shutdownTimeout はグレースフルシャットダウンの最大待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("LOG_LEVELが不正なためinfoで出力します", slog.String("error", err.Error()))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, rest := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("store_driver", cfg.StoreDriver),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(context.Background(), cfg, rest)
	default:
		return runServe(cfg)
	}
}

// Server はワイヤリング済みのHTTPハンドラーとその背後のアクターレジストリ。
type Server struct {
	Handler  http.Handler
	Registry *actor.Registry

	rateLimiter *middleware.RateLimiter
}

// NewServer は設定から全依存関係をワイヤリングする。
// ストアはリクエストを受けたユーザーごとに遅延して開かれる。
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. ストアとマイグレーション
	opener, err := store.NewOpener(cfg.StoreDriver, cfg.StoreDataDir, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	runner, err := newRunner()
	if err != nil {
		return nil, err
	}

	// 2. メトリクス
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	// 3. アクターレジストリ
	registry := actor.NewRegistry(actor.Options{
		Opener:      opener,
		Runner:      runner,
		IdleTimeout: cfg.ActorIdleTimeout,
		Engine: actor.EngineOptions{
			MaxMutations:   cfg.MaxMutationsPerPush,
			MaxIngestBatch: cfg.MaxIngestBatch,
			Sanitizer:      security.NewContentSanitizer(),
		},
		Recorder: collector,
		Logger:   log,
	})

	// 4. フィード取得（SSRF対策済み）
	fetcher := feed.NewFetcher(security.NewSSRFGuard(), log, cfg.FetchTimeout, cfg.FetchMaxSize)

	// 5. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitSyncPerMin))
	adapter := handler.NewRegistryAdapter(registry)
	router := handler.NewRouter(handler.RouterDeps{
		Sync:              adapter,
		Users:             adapter,
		Fetcher:           fetcher,
		RefreshRecorder:   collector,
		HealthChecker:     registry,
		MetricsHandler:    metrics.Handler(promRegistry),
		StatusRecorder:    collector,
		RateLimiter:       rateLimiter,
		JWTSecret:         []byte(cfg.JWTSecret),
		JWTIssuer:         cfg.JWTIssuer,
		InternalToken:     cfg.InternalAPIToken,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            log,
	})

	return &Server{Handler: router, Registry: registry, rateLimiter: rateLimiter}, nil
}

// Close はレート制限のクリーンアップを止め、すべてのアクターを停止する。
func (s *Server) Close(ctx context.Context) error {
	s.rateLimiter.Stop()
	return s.Registry.Close(ctx)
}

func newRunner() (*database.Runner, error) {
	migrations, err := database.LoadMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return database.NewRunner(migrations), nil
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信すると、HTTPサーバー、アクターの順に停止する。
func runServe(cfg *config.Config) error {
	srv, err := NewServer(cfg, slog.Default())
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-listenErr:
		_ = srv.Close(context.Background())
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := srv.Close(ctx); err != nil {
		return fmt.Errorf("actor shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate は指定ユーザーのストアに未適用のマイグレーションを適用する。
// 1ユーザーの失敗で中断せず、すべてのユーザーを処理してからエラーをまとめて返す。
func runMigrate(ctx context.Context, cfg *config.Config, userIDs []string) error {
	if len(userIDs) == 0 {
		return errors.New("migrate requires at least one user id")
	}

	opener, err := store.NewOpener(cfg.StoreDriver, cfg.StoreDataDir, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	runner, err := newRunner()
	if err != nil {
		return err
	}

	var errs []error
	for _, userID := range userIDs {
		n, err := migrateStore(ctx, opener, runner, userID)
		if err != nil {
			slog.Error("migration failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		slog.Info("store is up to date",
			slog.String("user_id", userID),
			slog.Int("applied", n),
			slog.Int("schema_version", runner.CurrentSchemaVersion()),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("migration failed: %w", errors.Join(errs...))
	}
	return nil
}

func migrateStore(ctx context.Context, opener store.Opener, runner *database.Runner, userID string) (int, error) {
	st, err := opener.Open(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	return runner.EnsureSchema(ctx, st)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
