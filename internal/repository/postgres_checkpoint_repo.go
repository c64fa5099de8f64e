package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

// PostgresCheckpointRepo はPostgreSQLを使用したチェックポイントリポジトリ。
type PostgresCheckpointRepo struct {
	db *sql.DB
}

// NewPostgresCheckpointRepo はPostgresCheckpointRepoを生成する。
func NewPostgresCheckpointRepo(db *sql.DB) *PostgresCheckpointRepo {
	return &PostgresCheckpointRepo{db: db}
}

const checkpointColumns = `checkpoint_id, job_id, file_path, processed_lines, last_byte_position,
		        completion_percentage, status, completed, error_message, batch_config, updated_at`

// Upsert はcheckpoint_idをキーにチェックポイントを作成または更新する。
func (r *PostgresCheckpointRepo) Upsert(ctx context.Context, cp *model.ProcessingCheckpoint) error {
	batchConfig, err := json.Marshal(cp.BatchConfig)
	if err != nil {
		return fmt.Errorf("バッチ設定のシリアライズに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO processing_checkpoints (checkpoint_id, job_id, file_path, processed_lines,
		                                     last_byte_position, completion_percentage, status,
		                                     completed, error_message, batch_config, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (checkpoint_id) DO UPDATE SET
		    processed_lines = EXCLUDED.processed_lines,
		    last_byte_position = EXCLUDED.last_byte_position,
		    completion_percentage = EXCLUDED.completion_percentage,
		    status = EXCLUDED.status,
		    completed = EXCLUDED.completed,
		    error_message = EXCLUDED.error_message,
		    batch_config = EXCLUDED.batch_config,
		    updated_at = EXCLUDED.updated_at`,
		cp.CheckpointID, cp.JobID, cp.FilePath, cp.ProcessedLines,
		cp.LastBytePosition, cp.CompletionPercentage, string(cp.Status),
		cp.Completed, nullString(cp.ErrorMessage), batchConfig, cp.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("チェックポイントの保存に失敗しました: %w", err)
	}
	return nil
}

// Latest はジョブの最新チェックポイントを取得する。存在しない場合はnilを返す。
func (r *PostgresCheckpointRepo) Latest(ctx context.Context, jobID string) (*model.ProcessingCheckpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+`
		 FROM processing_checkpoints
		 WHERE job_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		jobID,
	)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新チェックポイントの取得に失敗しました: %w", err)
	}
	return cp, nil
}

// ListByJob はジョブの全チェックポイントを古い順に返す。
func (r *PostgresCheckpointRepo) ListByJob(ctx context.Context, jobID string) ([]model.ProcessingCheckpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+`
		 FROM processing_checkpoints
		 WHERE job_id = $1
		 ORDER BY updated_at ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("チェックポイント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var checkpoints []model.ProcessingCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("チェックポイントのスキャンに失敗しました: %w", err)
		}
		checkpoints = append(checkpoints, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チェックポイント一覧の読み取りに失敗しました: %w", err)
	}
	return checkpoints, nil
}

// DeleteCompletedBefore は指定時刻より前に完了したチェックポイントを削除する。
func (r *PostgresCheckpointRepo) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM processing_checkpoints WHERE completed AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("完了済みチェックポイントの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(s rowScanner) (*model.ProcessingCheckpoint, error) {
	cp := &model.ProcessingCheckpoint{}
	var status string
	var errorMessage sql.NullString
	var batchConfig []byte

	if err := s.Scan(
		&cp.CheckpointID, &cp.JobID, &cp.FilePath, &cp.ProcessedLines, &cp.LastBytePosition,
		&cp.CompletionPercentage, &status, &cp.Completed, &errorMessage, &batchConfig, &cp.Timestamp,
	); err != nil {
		return nil, err
	}

	cp.Status = model.CheckpointStatus(status)
	cp.ErrorMessage = nullStringValue(errorMessage)
	if len(batchConfig) > 0 {
		if err := json.Unmarshal(batchConfig, &cp.BatchConfig); err != nil {
			return nil, fmt.Errorf("バッチ設定の復元に失敗しました: %w", err)
		}
	}
	return cp, nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
