package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/socialfeed/internal/config"
	"github.com/hitoshi/socialfeed/internal/database"
	"github.com/hitoshi/socialfeed/internal/handler"
	"github.com/hitoshi/socialfeed/internal/logger"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/telemetry"
	"github.com/hitoshi/socialfeed/internal/worker/reconcile"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定に従ってログレベルを変更する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

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
		slog.String("store", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
	)

	// SIGINT/SIGTERMでctxを終了させる
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	case CommandSeed:
		return runSeed(ctx, cfg, w, parseSeedCount(args))
	default:
		return runServe(ctx, cfg, nil)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、ctxが終了するまでHTTPサーバーを動かす。
// readyが指定された場合は待ち受け開始後にアドレスを送る。
func runServe(ctx context.Context, cfg *config.Config, ready chan<- net.Addr) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: logger.ServiceName,
		Environment: cfg.Environment,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	c, err := newContainer(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	rlConfig := rateLimiterConfig(cfg)
	rlConfig.OnLimited = c.metrics.RecordRateLimited
	rateLimiter := middleware.NewRateLimiter(rlConfig)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		JWTSecret:         []byte(cfg.JWTSecret),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           c.metrics,
		MetricsHandler:    metrics.Handler(c.registry),
		HealthCheck:       c.ping,
		MediaFiles:        c.mediaFiles,

		Users:         c.users,
		Posts:         c.posts,
		Engagement:    c.engagement,
		Polls:         c.polls,
		Comments:      c.comments,
		Collections:   c.collections,
		Feed:          c.feed,
		Notifications: c.notifications,
		Hashtags:      c.hashtags,
		Media:         c.media,
	})

	// SSEはハンドラー側で書き込み期限を外すため、WriteTimeoutは通常のAPI向けの値でよい
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", ln.Addr().String()))
		serveErr <- server.Serve(ln)
	}()
	if ready != nil {
		ready <- ln.Addr()
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// rateLimiterConfig は設定値（req/min）をRateLimiterの設定（req/sec）に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitWrite > 0 {
		rl.WriteRate = rate.Limit(float64(cfg.RateLimitWrite) / 60.0)
		rl.WriteBurst = cfg.RateLimitWrite
	}
	return rl
}

// runWorker はワーカーモードで起動する。
// 整合性回復ジョブを一定間隔で実行し、ctxが終了するまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	c, err := newContainer(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	job := reconcile.NewJob(c.hashtags, c.repos, c.metrics, slog.Default())

	slog.Info("worker starting",
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
	)

	job.Start(ctx, cfg.ReconcileInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はストアのスキーマを最新にする。
// PostgreSQLは未適用のマイグレーションを順番に適用し、MongoDBはインデックスを作成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		version, err := database.RunMigrations(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("schema version", slog.Uint64("version", uint64(version)))
	case config.StoreMongo:
		// ストアを開く際にインデックスを作成する
		c, err := newContainer(ctx, cfg, slog.Default())
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		c.Close()
	default:
		slog.Info("in-memory store has no schema to migrate")
		return nil
	}

	slog.Info("database migrations completed successfully")
	return nil
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
