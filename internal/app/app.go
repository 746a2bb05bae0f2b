package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/devlog/internal/config"
	"github.com/hitoshi/devlog/internal/database"
	"github.com/hitoshi/devlog/internal/docstore"
	"github.com/hitoshi/devlog/internal/handler"
	"github.com/hitoshi/devlog/internal/identity"
	"github.com/hitoshi/devlog/internal/localcache"
	"github.com/hitoshi/devlog/internal/logger"
	"github.com/hitoshi/devlog/internal/metrics"
	"github.com/hitoshi/devlog/internal/middleware"
	"github.com/hitoshi/devlog/internal/repository"
	"github.com/hitoshi/devlog/internal/session"
	"github.com/hitoshi/devlog/internal/view"
	"github.com/hitoshi/devlog/internal/worker/cleanup"
	"github.com/hitoshi/devlog/internal/workspace"
)

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数と設定ファイルから設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if !cmd.NeedsConfig() {
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
		slog.String("mode", cmd.Description()),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("docstore", cfg.DocstoreBackend),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開いて疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openDocstore は設定されたバックエンドのドキュメントストアを開く。
// 戻り値のcloseはストアが保持する接続を解放する。
func openDocstore(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) (docstore.Store, func(), error) {
	switch cfg.DocstoreBackend {
	case config.BackendMemory:
		log.Warn("using in-memory document store; records are lost on restart")
		return docstore.NewMemoryStore(), func() {}, nil
	case config.BackendFirestore:
		fs, err := docstore.NewFirestoreStore(ctx, cfg.FirestoreProjectID, cfg.FirestoreCredentialsFile, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open firestore: %w", err)
		}
		return fs, func() { fs.Close() }, nil
	default:
		hub, err := docstore.NewChangeHub(cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start change listener: %w", err)
		}
		return docstore.NewPostgresStore(db, hub, log), func() { hub.Close() }, nil
	}
}

// rateLimiterConfig はreq/min単位の設定をreq/secのレート制限設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAuth > 0 {
		rl.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
		rl.AuthBurst = cfg.RateLimitAuth
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. ドキュメントストアとローカルキャッシュ
	docs, closeDocs, err := openDocstore(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	defer closeDocs()

	cache, err := localcache.OpenSQLite(cfg.LocalCachePath)
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer cache.Close()

	// 3. アカウントサービス
	accounts := identity.NewService(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresAuthSessionRepo(db),
		identity.NewLogMailer(log),
		log,
		identity.ServiceConfig{
			Secret:             cfg.SessionSecret,
			BaseURL:            cfg.BaseURL,
			MailFrom:           cfg.MailFrom,
			SessionMaxAge:      time.Duration(cfg.SessionMaxAge) * time.Second,
			ShortSessionMaxAge: time.Duration(cfg.SessionShortMaxAge) * time.Second,
			MaxLoginAttempts:   cfg.LoginMaxAttempts,
			LockDuration:       cfg.LoginLockDuration,
		},
	)

	// 4. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 5. ワークスペース
	registry := workspace.NewRegistry(
		workspace.IdentityProviders(accounts, cache, log),
		docs,
		cache,
		collector,
		log,
		workspace.Config{
			IdleTimeout:       cfg.WorkspaceIdleTimeout,
			Policy:            session.VerificationPolicy(cfg.EmailVerificationPolicy),
			DeleteConcurrency: cfg.DeleteConcurrency,
			Location:          cfg.Location,
		},
	)
	defer registry.Close()
	go registry.Start(ctx, time.Minute)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		StatusObserver:    collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		ClientCookie: middleware.ClientCookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:   rateLimiter,
		HealthChecker: db,
		Metrics:       metrics.Handler(reg),
		Workspaces:    registry,
		Accounts:      accounts,
		AuthConfig:    handler.AuthHandlerConfig{BaseURL: cfg.BaseURL},
		Cards:         view.NewCardRenderer(),
		Location:      cfg.Location,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := cleanup.NewCleanupJob(db, slog.Default())

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cleanup.DefaultInterval),
		slog.Int("retention_days", job.RetentionDays),
	)

	job.Start(ctx, cleanup.DefaultInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はログ出力用にパスワードを伏せたDB URLを返す。
// 解釈できないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
