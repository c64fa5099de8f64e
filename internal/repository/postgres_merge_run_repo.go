package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/archivepipe/internal/model"
)

// PostgresMergeRunRepo はPostgreSQLを使用したマージ履歴リポジトリ。
type PostgresMergeRunRepo struct {
	db *sql.DB
}

// NewPostgresMergeRunRepo はPostgresMergeRunRepoを生成する。
func NewPostgresMergeRunRepo(db *sql.DB) *PostgresMergeRunRepo {
	return &PostgresMergeRunRepo{db: db}
}

// Create はマージ履歴を保存する。
func (r *PostgresMergeRunRepo) Create(ctx context.Context, run *model.MergeRun) error {
	breakdown, err := json.Marshal(run.SourceBreakdown)
	if err != nil {
		return fmt.Errorf("取得元内訳のシリアライズに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO merge_runs (id, historical_batch_id, api_batch_id, total_items, valid_items,
		                         duplicates_detected, gaps_detected, quality_score,
		                         source_breakdown, earliest_at, latest_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.HistoricalBatchID, run.APIBatchID, run.TotalItems, run.ValidItems,
		run.DuplicatesDetected, run.GapsDetected, run.QualityScore,
		breakdown, run.EarliestAt, run.LatestAt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("マージ履歴の保存に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は新しい順に最大limit件のマージ履歴を返す。
func (r *PostgresMergeRunRepo) ListRecent(ctx context.Context, limit int) ([]model.MergeRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, historical_batch_id, api_batch_id, total_items, valid_items,
		        duplicates_detected, gaps_detected, quality_score,
		        source_breakdown, earliest_at, latest_at, created_at
		 FROM merge_runs
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("マージ履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var runs []model.MergeRun
	for rows.Next() {
		var run model.MergeRun
		var quality sql.NullFloat64
		var earliest, latest sql.NullTime
		var breakdown []byte
		if err := rows.Scan(
			&run.ID, &run.HistoricalBatchID, &run.APIBatchID, &run.TotalItems, &run.ValidItems,
			&run.DuplicatesDetected, &run.GapsDetected, &quality,
			&breakdown, &earliest, &latest, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("マージ履歴のスキャンに失敗しました: %w", err)
		}
		if quality.Valid {
			q := quality.Float64
			run.QualityScore = &q
		}
		if earliest.Valid {
			t := earliest.Time
			run.EarliestAt = &t
		}
		if latest.Valid {
			t := latest.Time
			run.LatestAt = &t
		}
		if err := json.Unmarshal(breakdown, &run.SourceBreakdown); err != nil {
			return nil, fmt.Errorf("取得元内訳の復元に失敗しました: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
