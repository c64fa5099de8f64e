package contentpipe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitoshi/archivepipe/internal/model"
)

// RecordSink は抽出済みレコードの出力先。
// Beginはジョブの実行開始ごとに呼ばれ、前回の実行で書かれた出力を破棄する。
type RecordSink interface {
	Begin(ctx context.Context, jobID string) error
	Write(ctx context.Context, jobID string, kind model.RecordKind, records []model.ContentRecord) error
}

// NDJSONSink はジョブ・種別ごとのNDJSONファイルに追記する。
// 出力ファイルは <dir>/<jobID>.submissions.ndjson と <dir>/<jobID>.comments.ndjson。
type NDJSONSink struct {
	dir string
	mu  sync.Mutex
}

// NewNDJSONSink はNDJSONSinkを生成する。ディレクトリがなければ作成する。
func NewNDJSONSink(dir string) (*NDJSONSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &NDJSONSink{dir: dir}, nil
}

// Path はジョブ・種別の出力ファイルパスを返す。
func (s *NDJSONSink) Path(jobID string, kind model.RecordKind) string {
	suffix := "comments"
	if kind == model.KindSubmission {
		suffix = "submissions"
	}
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.ndjson", jobID, suffix))
}

// Begin はジョブの出力ファイルを削除する。
// ストリームは常に先頭から読み直すため、失敗した実行の出力が残ると再実行で重複する。
func (s *NDJSONSink) Begin(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range []model.RecordKind{model.KindSubmission, model.KindComment} {
		if err := os.Remove(s.Path(jobID, kind)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reset output: %w", err)
		}
	}
	return nil
}

// Write はレコードを1行1件で追記する。
func (s *NDJSONSink) Write(ctx context.Context, jobID string, kind model.RecordKind, records []model.ContentRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(jobID, kind), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			f.Close()
			return fmt.Errorf("encode record %s: %w", records[i].ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush output: %w", err)
	}
	return f.Close()
}

// Load はジョブの出力ファイルを読み込む。存在しない種別は空として扱う。
func (s *NDJSONSink) Load(jobID string) (submissions, comments []model.ContentRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if submissions, err = ReadRecords(s.Path(jobID, model.KindSubmission)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}
	if comments, err = ReadRecords(s.Path(jobID, model.KindComment)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}
	if len(submissions) == 0 && len(comments) == 0 {
		return nil, nil, model.NewFileNotFoundError(s.Path(jobID, model.KindSubmission), fs.ErrNotExist)
	}
	return submissions, comments, nil
}

// ReadRecords はNDJSONSinkが書き出したファイルを読み込む。
func ReadRecords(path string) ([]model.ContentRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []model.ContentRecord
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var rec model.ContentRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode %s record %d: %w", filepath.Base(path), len(records)+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
