package archive

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/archivepipe/internal/batch"
	"github.com/hitoshi/archivepipe/internal/model"
	"github.com/hitoshi/archivepipe/internal/repository"
)

// --- モック定義 ---

// mockProcessor はArchiveProcessorのテスト用モック。
type mockProcessor struct {
	mu        sync.Mutex
	calls     []string
	processFn func(ctx context.Context, path string) (*batch.JobResult, error)
	active    atomic.Int32
	maxActive atomic.Int32
}

func (m *mockProcessor) ProcessArchiveFile(ctx context.Context, path string) (*batch.JobResult, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, path)
	m.mu.Unlock()

	if m.processFn != nil {
		return m.processFn(ctx, path)
	}
	return &batch.JobResult{JobID: batch.JobIDForPath(path), FilePath: path, Success: true}, nil
}

func (m *mockProcessor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// makeInbox はテスト用の受信ディレクトリにファイルを作成する。
func makeInbox(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// TestScheduler_RunOnce_ProcessesMatchingFiles は対象パターンのファイルのみ取り込むことを検証する。
func TestScheduler_RunOnce_ProcessesMatchingFiles(t *testing.T) {
	dir := makeInbox(t, "a.zst", "b.zst", "notes.txt")
	proc := &mockProcessor{}
	var buf bytes.Buffer
	s := NewScheduler(dir, proc, nil, newTestLogger(&buf), 2)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if proc.callCount() != 2 {
		t.Errorf("calls = %v, want 2 .zst files", proc.calls)
	}
}

// TestScheduler_RunOnce_EmptyInbox は対象がない場合に何もしないことを検証する。
func TestScheduler_RunOnce_EmptyInbox(t *testing.T) {
	proc := &mockProcessor{}
	var buf bytes.Buffer
	s := NewScheduler(t.TempDir(), proc, nil, newTestLogger(&buf), 1)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if proc.callCount() != 0 {
		t.Errorf("calls = %d, want 0", proc.callCount())
	}
}

// TestScheduler_RunOnce_RespectsConcurrency は最大並列数を超えないことを検証する。
func TestScheduler_RunOnce_RespectsConcurrency(t *testing.T) {
	dir := makeInbox(t, "1.zst", "2.zst", "3.zst", "4.zst", "5.zst")
	proc := &mockProcessor{
		processFn: func(_ context.Context, path string) (*batch.JobResult, error) {
			time.Sleep(20 * time.Millisecond)
			return &batch.JobResult{FilePath: path, Success: true}, nil
		},
	}
	var buf bytes.Buffer
	s := NewScheduler(dir, proc, nil, newTestLogger(&buf), 2)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if proc.callCount() != 5 {
		t.Errorf("calls = %d, want 5", proc.callCount())
	}
	if got := proc.maxActive.Load(); got > 2 {
		t.Errorf("max concurrency = %d, want <= 2", got)
	}
}

// TestScheduler_SkipsCompletedCheckpoints は完了済みのファイルをスキップすることを検証する。
func TestScheduler_SkipsCompletedCheckpoints(t *testing.T) {
	dir := makeInbox(t, "done.zst", "todo.zst")
	repo := repository.NewMemoryCheckpointRepo()
	donePath, _ := filepath.Abs(filepath.Join(dir, "done.zst"))
	if err := repo.Upsert(context.Background(), &model.ProcessingCheckpoint{
		CheckpointID: "cp-1",
		JobID:        batch.JobIDForPath(donePath),
		Status:       model.CheckpointCompleted,
		Completed:    true,
		Timestamp:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	proc := &mockProcessor{}
	var buf bytes.Buffer
	s := NewScheduler(dir, proc, repo, newTestLogger(&buf), 1)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if proc.callCount() != 1 || filepath.Base(proc.calls[0]) != "todo.zst" {
		t.Errorf("calls = %v, want only todo.zst", proc.calls)
	}
}

// TestScheduler_BackoffAfterFailure は失敗したファイルがバックオフ期間中は再試行されないことを検証する。
func TestScheduler_BackoffAfterFailure(t *testing.T) {
	dir := makeInbox(t, "flaky.zst")
	proc := &mockProcessor{
		processFn: func(_ context.Context, path string) (*batch.JobResult, error) {
			return nil, errors.New("sink unavailable")
		},
	}
	var buf bytes.Buffer
	s := NewScheduler(dir, proc, nil, newTestLogger(&buf), 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	_ = s.RunOnce(ctx)
	_ = s.RunOnce(ctx)
	if proc.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 (バックオフ中)", proc.callCount())
	}

	now = now.Add(initialBackoff)
	_ = s.RunOnce(ctx)
	if proc.callCount() != 2 {
		t.Errorf("calls = %d, want 2 (バックオフ経過後)", proc.callCount())
	}
}

// TestScheduler_StopsOnInvalidArchive は不正なアーカイブの再試行を停止することを検証する。
func TestScheduler_StopsOnInvalidArchive(t *testing.T) {
	dir := makeInbox(t, "bad.zst")
	proc := &mockProcessor{
		processFn: func(_ context.Context, path string) (*batch.JobResult, error) {
			return nil, &model.PipelineError{Code: model.ErrCodeArchiveInvalid, Message: "invalid"}
		},
	}
	var buf bytes.Buffer
	s := NewScheduler(dir, proc, nil, newTestLogger(&buf), 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	_ = s.RunOnce(ctx)
	now = now.Add(24 * time.Hour)
	_ = s.RunOnce(ctx)

	if proc.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (停止済み)", proc.callCount())
	}
}

// TestScheduler_SuccessClearsFailureState は成功時に失敗状態がリセットされることを検証する。
func TestScheduler_SuccessClearsFailureState(t *testing.T) {
	dir := makeInbox(t, "a.zst")
	var fail atomic.Bool
	fail.Store(true)
	proc := &mockProcessor{
		processFn: func(_ context.Context, path string) (*batch.JobResult, error) {
			if fail.Load() {
				return nil, errors.New("temporary")
			}
			return &batch.JobResult{FilePath: path, Success: true}, nil
		},
	}
	var buf bytes.Buffer
	s := NewScheduler(dir, proc, nil, newTestLogger(&buf), 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	_ = s.RunOnce(ctx)
	abs, _ := filepath.Abs(filepath.Join(dir, "a.zst"))
	if st := s.state(abs); st == nil || st.ConsecutiveErrors != 1 {
		t.Fatalf("state = %+v, want 1 consecutive error", st)
	}

	fail.Store(false)
	now = now.Add(time.Hour)
	_ = s.RunOnce(ctx)
	if st := s.state(abs); st != nil {
		t.Errorf("state = %+v, want cleared", st)
	}
}

// TestScheduler_MovesFinishedArchives は成功したファイルだけが取り込み済みディレクトリに移動し、
// チェックポイントがなくても次の走査で再取り込みされないことを検証する。
func TestScheduler_MovesFinishedArchives(t *testing.T) {
	dir := makeInbox(t, "ok.zst", "broken.zst")
	proc := &mockProcessor{
		processFn: func(_ context.Context, path string) (*batch.JobResult, error) {
			if filepath.Base(path) == "broken.zst" {
				return nil, errors.New("temporary")
			}
			return &batch.JobResult{FilePath: path, Success: true}, nil
		},
	}
	var buf bytes.Buffer
	s := NewScheduler(dir, proc, nil, newTestLogger(&buf), 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	_ = s.RunOnce(ctx)

	if _, err := os.Stat(filepath.Join(dir, DefaultDoneSubdir, "ok.zst")); err != nil {
		t.Errorf("ok.zst should be moved to done dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ok.zst")); !os.IsNotExist(err) {
		t.Error("ok.zst should be removed from inbox")
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.zst")); err != nil {
		t.Errorf("failed archive should stay in inbox: %v", err)
	}

	// バックオフ経過後はbroken.zstのみ再試行される
	now = now.Add(time.Hour)
	_ = s.RunOnce(ctx)
	if proc.callCount() != 3 {
		t.Fatalf("calls = %v, want 3", proc.calls)
	}
	if filepath.Base(proc.calls[2]) != "broken.zst" {
		t.Errorf("third call = %s, want broken.zst", proc.calls[2])
	}
}

// TestScheduler_CustomDoneDir は移動先を変更できることを検証する。
func TestScheduler_CustomDoneDir(t *testing.T) {
	dir := makeInbox(t, "a.zst")
	doneDir := filepath.Join(t.TempDir(), "archived")
	var buf bytes.Buffer
	s := NewScheduler(dir, &mockProcessor{}, nil, newTestLogger(&buf), 1)
	s.DoneDir = doneDir

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, err := os.Stat(filepath.Join(doneDir, "a.zst")); err != nil {
		t.Errorf("a.zst should be in %s: %v", doneDir, err)
	}
}

// TestScheduler_Start_StopsOnCancel はコンテキストのキャンセルで停止することを検証する。
func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	proc := &mockProcessor{}
	var buf bytes.Buffer
	s := NewScheduler(t.TempDir(), proc, nil, newTestLogger(&buf), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
}
