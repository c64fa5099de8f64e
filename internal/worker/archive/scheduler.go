// Package archive は受信ディレクトリのアーカイブを定期的に取り込むワーカーを提供する。
// スケジューラと再試行/バックオフ戦略を含む。
package archive

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/archivepipe/internal/batch"
	"github.com/hitoshi/archivepipe/internal/model"
)

// DefaultPattern は取り込み対象のファイル名パターン。
const DefaultPattern = "*.zst"

// DefaultDoneSubdir は取り込み済みファイルの移動先となる受信ディレクトリ配下の名前。
const DefaultDoneSubdir = "done"

// ArchiveProcessor はアーカイブ1件の取り込みを実行するインターフェース。
type ArchiveProcessor interface {
	ProcessArchiveFile(ctx context.Context, filePath string) (*batch.JobResult, error)
}

// CheckpointReader はジョブの最新チェックポイントを参照するインターフェース。
type CheckpointReader interface {
	Latest(ctx context.Context, jobID string) (*model.ProcessingCheckpoint, error)
}

// Scheduler は受信ディレクトリの走査と取り込みの並列制御を行う。
// ティッカーで対象ファイルを列挙し、semaphoreパターンで最大並列数を制御する。
// 取り込みに成功したファイルはDoneDirに移動する。移動できなかった場合に備えて
// 完了済みチェックポイントを持つファイルもスキップする。
type Scheduler struct {
	// DoneDir は取り込み済みファイルの移動先。既定は <inbox>/done
	DoneDir string

	inboxDir       string
	pattern        string
	processor      ArchiveProcessor
	checkpoints    CheckpointReader
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time

	mu    sync.Mutex
	files map[string]*fileState
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合は1を使用する。checkpointsはnilでもよい。
func NewScheduler(
	inboxDir string,
	processor ArchiveProcessor,
	checkpoints CheckpointReader,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Scheduler{
		DoneDir:        filepath.Join(inboxDir, DefaultDoneSubdir),
		inboxDir:       inboxDir,
		pattern:        DefaultPattern,
		processor:      processor,
		checkpoints:    checkpoints,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
		files:          make(map[string]*fileState),
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("取り込みスケジューラを開始しました",
		slog.String("inbox_dir", s.inboxDir),
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("取り込みサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("取り込みスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("取り込みサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は受信ディレクトリを1回走査し、対象ファイルを並列で取り込む。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.now()

	paths, err := s.listDue(ctx)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		s.logger.Debug("取り込み対象のアーカイブはありません")
		return nil
	}

	s.logger.Info("取り込みサイクルを開始します",
		slog.Int("file_count", len(paths)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(p string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.process(ctx, p)
		}(path)
	}

	wg.Wait()

	s.logger.Info("取り込みサイクルが完了しました",
		slog.Int("file_count", len(paths)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// listDue は処理対象のファイルを名前順に返す。
func (s *Scheduler) listDue(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.inboxDir, s.pattern))
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)

	now := s.now()
	due := matches[:0]
	for _, path := range matches {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if st := s.state(abs); st != nil && !st.due(now) {
			continue
		}
		if s.completed(ctx, abs) {
			continue
		}
		due = append(due, abs)
	}
	return due, nil
}

// completed は完了済みチェックポイントがあるかを返す。参照失敗時は未完了として扱う。
func (s *Scheduler) completed(ctx context.Context, absPath string) bool {
	if s.checkpoints == nil {
		return false
	}
	cp, err := s.checkpoints.Latest(ctx, batch.JobIDForPath(absPath))
	if err != nil {
		s.logger.Warn("チェックポイントの参照に失敗しました",
			slog.String("file", absPath),
			slog.String("error", err.Error()),
		)
		return false
	}
	return cp != nil && cp.Completed
}

func (s *Scheduler) process(ctx context.Context, path string) {
	res, err := s.processor.ProcessArchiveFile(ctx, path)
	if err == nil {
		s.mu.Lock()
		delete(s.files, path)
		s.mu.Unlock()
		s.logger.Info("アーカイブを取り込みました",
			slog.String("file", path),
			slog.String("job_id", res.JobID),
			slog.Int64("processed_lines", res.Metrics.TotalProcessedLines),
		)
		s.moveToDone(path)
		return
	}
	if errors.Is(err, batch.ErrJobAlreadyRunning) {
		return
	}

	action := ClassifyError(err)
	if action == FailureActionIgnore {
		return
	}

	s.mu.Lock()
	st, ok := s.files[path]
	if !ok {
		st = &fileState{}
		s.files[path] = st
	}
	st.applyFailure(action, err, s.now())
	snapshot := *st
	s.mu.Unlock()

	s.logger.Error("アーカイブの取り込みに失敗しました",
		slog.String("file", path),
		slog.String("error", err.Error()),
		slog.Int("consecutive_errors", snapshot.ConsecutiveErrors),
		slog.Bool("stopped", snapshot.Stopped),
		slog.Time("next_attempt_at", snapshot.NextAttemptAt),
	)
}

// moveToDone は取り込み済みファイルを受信ディレクトリから外す。
// チェックポイントが保持期間で削除されても再取り込みされないようにする。
func (s *Scheduler) moveToDone(path string) {
	if s.DoneDir == "" {
		return
	}
	dest := filepath.Join(s.DoneDir, filepath.Base(path))
	err := os.MkdirAll(s.DoneDir, 0o755)
	if err == nil {
		err = os.Rename(path, dest)
	}
	if err != nil {
		s.logger.Warn("取り込み済みファイルの移動に失敗しました",
			slog.String("file", path),
			slog.String("done_dir", s.DoneDir),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("取り込み済みファイルを移動しました",
		slog.String("file", path),
		slog.String("dest", dest),
	)
}

func (s *Scheduler) state(path string) *fileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.files[path]; ok {
		cp := *st
		return &cp
	}
	return nil
}
