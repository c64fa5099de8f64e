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

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/archivepipe/internal/config"
	"github.com/hitoshi/archivepipe/internal/database"
	"github.com/hitoshi/archivepipe/internal/dedup"
	"github.com/hitoshi/archivepipe/internal/handler"
	"github.com/hitoshi/archivepipe/internal/logger"
	"github.com/hitoshi/archivepipe/internal/middleware"
	"github.com/hitoshi/archivepipe/internal/worker/archive"
	"github.com/hitoshi/archivepipe/internal/worker/cleanup"
)

// チェックポイントクリーンアップの実行間隔
const cleanupInterval = 24 * time.Hour

// シャットダウン時のHTTPサーバー停止待ち時間
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, nil)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映してロガーを再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	rest := commandArgs(args)

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
		slog.String("checkpoint_store", cfg.CheckpointStore),
		slog.String("decompress_tool", cfg.DecompressTool),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandProcess:
		return runProcess(ctx, cfg, w, rest)
	case CommandMerge:
		return runMerge(ctx, cfg, w, rest)
	case CommandCheck:
		return runCheck(ctx, cfg, w, rest)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runWorker(ctx, cfg)
	}
}

// runWorker はワーカーモードで起動する。
// 受信ディレクトリの取り込みスケジューラ、チェックポイントのクリーンアップ、
// 管理APIサーバーを並行して実行する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. パイプラインの組み立て
	p, err := buildPipeline(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := p.decompressor.CheckTool(ctx); err != nil {
		return fmt.Errorf("decompression tool check failed: %w", err)
	}

	// 2. スケジューラとクリーンアップジョブの初期化
	scheduler := archive.NewScheduler(
		cfg.ArchiveInboxDir, p.coordinator, p.checkpoints, log, cfg.MaxConcurrentJobs,
	)
	if cfg.ArchiveDoneDir != "" {
		scheduler.DoneDir = cfg.ArchiveDoneDir
	}
	cleanupJob := cleanup.NewCleanupJob(p.checkpoints, log)
	cleanupJob.RetentionDays = cfg.CheckpointRetentionDays

	// 3. 管理APIルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitPerMinute))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:        log,
		StatusMetrics: p.metrics,
		Gatherer:      p.registry,
		RateLimiter:   rateLimiter,
		Jobs:          p.coordinator,
		Dedup:         dedup.NewEngine(dedup.ConfigFrom(cfg), p.metrics, log),
	}
	if p.db != nil {
		deps.HealthChecker = p.db
	}
	if p.mergeRuns != nil {
		deps.MergeRuns = p.mergeRuns
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("worker starting",
		slog.String("addr", server.Addr),
		slog.String("inbox_dir", cfg.ArchiveInboxDir),
		slog.String("output_dir", cfg.OutputDir),
		slog.Duration("scan_interval", cfg.ScanInterval),
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down worker...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		cleanupJob.Start(gctx, cleanupInterval)
		return nil
	})

	g.Go(func() error {
		scheduler.Start(gctx, cfg.ScanInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

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
