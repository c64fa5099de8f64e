package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/archivepipe/internal/batch"
	"github.com/hitoshi/archivepipe/internal/config"
	"github.com/hitoshi/archivepipe/internal/contentpipe"
	"github.com/hitoshi/archivepipe/internal/database"
	"github.com/hitoshi/archivepipe/internal/linestream"
	"github.com/hitoshi/archivepipe/internal/metrics"
	"github.com/hitoshi/archivepipe/internal/repository"
	"github.com/hitoshi/archivepipe/internal/resource"
	"github.com/hitoshi/archivepipe/internal/security"
)

// redisKeyPrefix はRedisチェックポイントストアのキー接頭辞。
const redisKeyPrefix = "archivepipe"

// pipeline は取り込みに必要な依存関係を組み立てた結果。
// Closeで開いた接続をすべて閉じる。
type pipeline struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector

	db          *sql.DB
	checkpoints repository.CheckpointRepository
	mergeRuns   repository.MergeRunRepository

	decompressor *linestream.Decompressor
	sanitizer    *security.TextSanitizer
	sink         *contentpipe.NDJSONSink
	coordinator  *batch.Coordinator

	closers []func() error
}

// buildPipeline は設定に従って取り込みパイプラインを組み立てる。
// DATABASE_URLが設定されている場合はDBに接続し、マージ履歴の保存先としても使う。
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	p := &pipeline{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.metrics = metrics.NewCollector(p.registry)

	if err := p.openStores(ctx); err != nil {
		p.Close()
		return nil, err
	}

	sink, err := contentpipe.NewNDJSONSink(cfg.OutputDir)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to prepare output dir: %w", err)
	}
	p.sink = sink
	p.sanitizer = security.NewTextSanitizer()
	p.decompressor = linestream.NewDecompressor(
		cfg.DecompressTool, cfg.DecompressArgs, cfg.DecompressMinVersion,
		logger, p.metrics,
	)

	p.coordinator = batch.NewCoordinator(batch.ConfigFrom(cfg), batch.Deps{
		Streamer:    p.decompressor,
		Processor:   contentpipe.NewProcessor(p.sanitizer, sink, logger),
		Checkpoints: p.checkpoints,
		Monitor:     resource.NewMonitor(nil, cfg.MaxMemoryBytes(), logger),
		Metrics:     p.metrics,
		Validator:   contentpipe.Validate,
		Logger:      logger,
	})
	return p, nil
}

// openStores はDB・Redisへ接続し、チェックポイントストアを選択する。
func (p *pipeline) openStores(ctx context.Context) error {
	cfg := p.cfg

	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		p.closers = append(p.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		p.db = db
		p.mergeRuns = repository.NewPostgresMergeRunRepo(db)
		p.logger.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
	}

	switch cfg.CheckpointStore {
	case config.CheckpointStorePostgres:
		if p.db == nil {
			return errors.New("checkpoint store postgres requires DATABASE_URL")
		}
		p.checkpoints = repository.NewPostgresCheckpointRepo(p.db)
	case config.CheckpointStoreRedis:
		rdb, err := repository.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		p.closers = append(p.closers, rdb.Close)
		p.checkpoints = repository.NewRedisCheckpointRepo(rdb, redisKeyPrefix)
	default:
		p.checkpoints = repository.NewMemoryCheckpointRepo()
	}

	p.logger.Info("checkpoint store selected",
		slog.String("store", cfg.CheckpointStore),
		slog.Bool("enabled", cfg.EnableCheckpoints),
	)
	return nil
}

// Close は開いた接続を逆順に閉じる。
func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
