// Package feedsource は保存済みのAtom/RSSリスティングを APIBatch に変換する。
package feedsource

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/archivepipe/internal/merge"
	"github.com/hitoshi/archivepipe/internal/model"
	"github.com/hitoshi/archivepipe/internal/security"
)

// Options は変換時の属性。
type Options struct {
	// BatchID が空の場合はランダムなIDを割り当てる
	BatchID string
	// SourceType が空の場合は api-chronological
	SourceType model.SourceType
}

// Parser はフィード文書をパースする。
type Parser struct {
	sanitizer security.ContentSanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewParser はParserを生成する。sanitizerがnilの場合は本文をそのまま保持する。
func NewParser(sanitizer security.ContentSanitizer, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{sanitizer: sanitizer, logger: logger, now: time.Now}
}

// ParseFile はファイルからフィードを読み込んで変換する。
func (p *Parser) ParseFile(path string, opts Options) (*merge.APIBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.NewFileNotFoundError(path, err)
	}
	defer f.Close()
	return p.Parse(f, opts)
}

// Parse はフィード文書を APIBatch に変換する。
// IDも日時も取れないエントリはスキップする。
func (p *Parser) Parse(r io.Reader, opts Options) (*merge.APIBatch, error) {
	parsed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	batch := &merge.APIBatch{
		BatchID:     opts.BatchID,
		SourceType:  opts.SourceType,
		Endpoint:    parsed.FeedLink,
		CollectedAt: p.now().UTC(),
	}
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	if batch.SourceType == "" {
		batch.SourceType = model.SourceAPIChronological
	}
	if batch.Endpoint == "" {
		batch.Endpoint = parsed.Link
	}

	skipped := 0
	for _, item := range parsed.Items {
		rec, ok := p.convertItem(item)
		if !ok {
			skipped++
			continue
		}
		if rec.Kind == model.KindComment {
			batch.Comments = append(batch.Comments, rec)
		} else {
			batch.Submissions = append(batch.Submissions, rec)
		}
	}

	p.logger.Info("フィードを変換しました",
		slog.String("batch_id", batch.BatchID),
		slog.String("endpoint", batch.Endpoint),
		slog.Int("submissions", len(batch.Submissions)),
		slog.Int("comments", len(batch.Comments)),
		slog.Int("skipped", skipped),
	)
	return batch, nil
}

// convertItem はgofeedのエントリをContentRecordに変換する。
func (p *Parser) convertItem(item *gofeed.Item) (model.ContentRecord, bool) {
	if item == nil {
		return model.ContentRecord{}, false
	}

	id := strings.TrimSpace(item.GUID)
	if id == "" {
		id = strings.TrimSpace(item.Link)
	}
	if model.NormalizeID(id) == "" {
		return model.ContentRecord{}, false
	}

	var ts *time.Time
	switch {
	case item.PublishedParsed != nil:
		ts = item.PublishedParsed
	case item.UpdatedParsed != nil:
		ts = item.UpdatedParsed
	default:
		return model.ContentRecord{}, false
	}

	rec := model.ContentRecord{
		ID:         id,
		Kind:       model.KindSubmission,
		Title:      item.Title,
		Body:       item.Content,
		CreatedUTC: json.Number(strconv.FormatInt(ts.Unix(), 10)),
		Permalink:  item.Link,
	}
	if strings.HasPrefix(id, "t1_") {
		rec.Kind = model.KindComment
		rec.Title = ""
	}
	if rec.Body == "" {
		rec.Body = item.Description
	}

	if item.Author != nil {
		rec.Author = item.Author.Name
	}
	if rec.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
		rec.Author = item.Authors[0].Name
	}
	rec.Author = strings.TrimPrefix(rec.Author, "/u/")

	if len(item.Categories) > 0 {
		rec.Subreddit = item.Categories[0]
	}

	if p.sanitizer != nil {
		rec.Title = p.sanitizer.PlainText(rec.Title)
		rec.Body = p.sanitizer.PlainText(rec.Body)
	}
	return rec, true
}
