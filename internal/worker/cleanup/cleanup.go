// Package cleanup は処理チェックポイントの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過した完了済みチェックポイントを
// 日次バッチで削除する。実行中・失敗のチェックポイントは再開に使うため残す。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CheckpointDeleter は完了済みチェックポイントの削除を抽象化するインターフェース。
// repository.CheckpointRepository の各実装が満たす。
type CheckpointDeleter interface {
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したチェックポイントの自動削除ジョブ。
// 削除対象がない場合も成功とする冪等な処理。
type CleanupJob struct {
	repo          CheckpointDeleter
	logger        *slog.Logger
	RetentionDays int // チェックポイントの保持日数（デフォルト: 30）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(repo CheckpointDeleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:          repo,
		logger:        logger,
		RetentionDays: 30,
		now:           time.Now,
	}
}

// Run は保持期間を超過した完了済みチェックポイントを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	before := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.repo.DeleteCompletedBefore(ctx, before)
	if err != nil {
		j.logger.Error("チェックポイントクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("チェックポイントクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("チェックポイントクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("before", before),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔でRunを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// エラーはRun内でログ出力済み
	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
