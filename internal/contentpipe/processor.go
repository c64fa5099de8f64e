package contentpipe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/archivepipe/internal/model"
	"github.com/hitoshi/archivepipe/internal/security"
)

// バッチ結果に保持するエラーメッセージの上限
const maxReportedErrors = 20

// Processor はバッチ単位でレコードを抽出・正規化し、RecordSinkに書き出す。
type Processor struct {
	sanitizer security.ContentSanitizer
	sink      RecordSink
	logger    *slog.Logger
}

// NewProcessor はProcessorを生成する。
func NewProcessor(sanitizer security.ContentSanitizer, sink RecordSink, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{sanitizer: sanitizer, sink: sink, logger: logger}
}

// BeginJob はジョブの実行開始時に出力先を初期化する。
func (p *Processor) BeginJob(ctx context.Context, jobID string) error {
	if p.sink == nil {
		return nil
	}
	if err := p.sink.Begin(ctx, jobID); err != nil {
		return fmt.Errorf("%w: begin output: %w", model.ErrFatal, err)
	}
	return nil
}

// ProcessBatch は生オブジェクトのバッチを処理する。
// 抽出できないアイテムはInvalidItemsに数えて続行する。
// 出力先への書き込み失敗は model.ErrFatal をラップして返す。
func (p *Processor) ProcessBatch(ctx context.Context, jobID string, items []map[string]any) (*model.BatchResult, error) {
	res := &model.BatchResult{
		BatchID:        uuid.NewString(),
		TotalProcessed: len(items),
	}

	for _, raw := range items {
		rec, err := Extract(raw)
		if err != nil {
			res.InvalidItems++
			if len(res.Errors) < maxReportedErrors {
				res.Errors = append(res.Errors, describe(err, raw))
			}
			continue
		}
		if p.sanitizer != nil {
			rec.Title = p.sanitizer.PlainText(rec.Title)
			rec.Body = p.sanitizer.PlainText(rec.Body)
		}
		res.ValidItems++
		if rec.Kind == model.KindSubmission {
			res.Submissions = append(res.Submissions, rec)
		} else {
			res.Comments = append(res.Comments, rec)
		}
	}

	if p.sink != nil {
		if err := p.sink.Write(ctx, jobID, model.KindSubmission, res.Submissions); err != nil {
			return res, fmt.Errorf("%w: write submissions: %w", model.ErrFatal, err)
		}
		if err := p.sink.Write(ctx, jobID, model.KindComment, res.Comments); err != nil {
			return res, fmt.Errorf("%w: write comments: %w", model.ErrFatal, err)
		}
	}

	p.logger.Debug("バッチを処理しました",
		slog.String("job_id", jobID),
		slog.String("batch_id", res.BatchID),
		slog.Int("total", res.TotalProcessed),
		slog.Int("submissions", len(res.Submissions)),
		slog.Int("comments", len(res.Comments)),
		slog.Int("invalid", res.InvalidItems),
	)
	return res, nil
}
