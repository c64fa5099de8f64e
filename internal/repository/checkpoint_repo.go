package repository

import (
	"context"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

// CheckpointRepository はジョブ単位の処理チェックポイントの永続化インターフェース。
// 複数ジョブから同時に書き込まれるため、実装は並行書き込みに安全でなければならない。
type CheckpointRepository interface {
	// Upsert はcheckpoint_idをキーにチェックポイントを作成または更新する。
	Upsert(ctx context.Context, cp *model.ProcessingCheckpoint) error

	// Latest はジョブの最新チェックポイントを取得する。存在しない場合はnilを返す。
	Latest(ctx context.Context, jobID string) (*model.ProcessingCheckpoint, error)

	// ListByJob はジョブの全チェックポイントを古い順に返す。
	ListByJob(ctx context.Context, jobID string) ([]model.ProcessingCheckpoint, error)

	// DeleteCompletedBefore は指定時刻より前に完了したチェックポイントを削除し、削除件数を返す。
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
}

// MergeRunRepository はマージ履歴の永続化インターフェース。
type MergeRunRepository interface {
	// Create はマージ履歴を保存する。
	Create(ctx context.Context, run *model.MergeRun) error

	// ListRecent は新しい順に最大limit件のマージ履歴を返す。
	ListRecent(ctx context.Context, limit int) ([]model.MergeRun, error)
}
