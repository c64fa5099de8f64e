package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

// FailureAction はジョブ失敗時の扱いの分類。
type FailureAction int

const (
	// FailureActionBackoff は指数バックオフ後に再試行する。
	FailureActionBackoff FailureAction = iota
	// FailureActionStop はファイルの再試行を停止する。
	FailureActionStop
	// FailureActionIgnore は失敗として数えない（シャットダウン等）。
	FailureActionIgnore
)

const (
	// initialBackoff は指数バックオフの初回遅延（1分）。
	initialBackoff = time.Minute
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
	// failureThreshold は再試行停止までの連続失敗回数。
	failureThreshold = 5
)

// ClassifyError はジョブのエラーを再試行方針に分類する。
// 入力ファイル自体の問題は再試行しても解決しないため停止とする。
func ClassifyError(err error) FailureAction {
	if errors.Is(err, context.Canceled) {
		return FailureActionIgnore
	}
	var pe *model.PipelineError
	if errors.As(err, &pe) {
		switch pe.Code {
		case model.ErrCodeFileNotFound, model.ErrCodeArchiveInvalid:
			return FailureActionStop
		}
	}
	var ce *model.ConfigError
	if errors.As(err, &ce) {
		return FailureActionStop
	}
	return FailureActionBackoff
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// fileState はファイルごとの再試行状態。
type fileState struct {
	ConsecutiveErrors int
	NextAttemptAt     time.Time
	Stopped           bool
	ErrorMessage      string
}

// due は処理対象にしてよいかを返す。
func (s *fileState) due(now time.Time) bool {
	return !s.Stopped && !now.Before(s.NextAttemptAt)
}

// applyFailure は失敗を記録し、分類に応じてバックオフまたは停止を設定する。
func (s *fileState) applyFailure(action FailureAction, err error, now time.Time) {
	s.ConsecutiveErrors++
	s.ErrorMessage = err.Error()
	if action == FailureActionStop {
		s.Stopped = true
		return
	}
	if s.ConsecutiveErrors >= failureThreshold {
		s.Stopped = true
		s.ErrorMessage = fmt.Sprintf("処理失敗が%d回連続したため再試行を停止しました: %s", s.ConsecutiveErrors, err)
		return
	}
	s.NextAttemptAt = now.Add(CalculateBackoff(s.ConsecutiveErrors - 1))
}
