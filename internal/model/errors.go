package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// 定義済みエラーコード
const (
	ErrCodeToolMissing        = "TOOL_MISSING"
	ErrCodeToolVersion        = "TOOL_VERSION"
	ErrCodeFileNotFound       = "FILE_NOT_FOUND"
	ErrCodeSpawnFailed        = "SPAWN_FAILED"
	ErrCodeSubprocessFailed   = "SUBPROCESS_FAILED"
	ErrCodeStreamRead         = "STREAM_READ_FAILED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeArchiveInvalid     = "ARCHIVE_INVALID"
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodeMergeValidation    = "MERGE_VALIDATION_FAILED"
	ErrCodeDuplicateDetection = "DUPLICATE_DETECTION_FAILED"
)

// 処理フェーズ
const (
	PhaseSetup      = "setup"
	PhaseSpawn      = "spawn"
	PhaseStream     = "stream"
	PhaseValidation = "validation"
	PhaseDownstream = "downstream"
	PhaseMerge      = "merge"
	PhaseDedup      = "dedup"
)

// ErrFatal は実行全体の整合性を損なう下流エラーを示すセンチネル。
// errors.Is で判定し、該当する場合はストリームを中断する。
var ErrFatal = errors.New("fatal pipeline error")

// PipelineError はセットアップ/サブプロセス/ストリームの致命的エラーを表す。
// プログラムから判定できるよう、コード・フェーズ・ID・件数を保持する。
type PipelineError struct {
	Code     string         // エラーコード
	Phase    string         // 発生フェーズ
	Message  string         // エラーメッセージ
	FilePath string         // 対象ファイル
	JobID    string         // 対象ジョブ
	Details  map[string]any // 件数などの付加情報
	Err      error          // 原因エラー
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.FilePath != "" {
		fmt.Fprintf(&b, " (file=%s)", e.FilePath)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap は原因エラーを返す。
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewFileNotFoundError はアーカイブファイル未検出エラーを生成する。
func NewFileNotFoundError(path string, err error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeFileNotFound,
		Phase:    PhaseSetup,
		Message:  "アーカイブファイルが見つかりません",
		FilePath: path,
		Err:      err,
	}
}

// NewSpawnError は展開プロセスの起動失敗エラーを生成する。
func NewSpawnError(tool, path string, err error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeSpawnFailed,
		Phase:    PhaseSpawn,
		Message:  fmt.Sprintf("展開プロセス %q の起動に失敗しました", tool),
		FilePath: path,
		Err:      err,
	}
}

// NewSubprocessError は展開プロセスの異常終了エラーを生成する。
func NewSubprocessError(tool, path string, exitCode int, stderr string, linesSeen int64, err error) *PipelineError {
	return &PipelineError{
		Code:     ErrCodeSubprocessFailed,
		Phase:    PhaseStream,
		Message:  fmt.Sprintf("展開プロセス %q が異常終了しました (exit=%d)", tool, exitCode),
		FilePath: path,
		Details: map[string]any{
			"exit_code":  exitCode,
			"stderr":     stderr,
			"lines_seen": linesSeen,
		},
		Err: err,
	}
}

// TimeoutError は展開ストリームのタイムアウトを表す。
// データ起因のエラーと区別するため独立した型とする。
type TimeoutError struct {
	FilePath  string
	Timeout   time.Duration
	LinesSeen int64
}

// Error はerrorインターフェースを実装する。
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("[%s] 展開処理が %s 以内に完了しませんでした (file=%s, lines=%d)",
		ErrCodeTimeout, e.Timeout, e.FilePath, e.LinesSeen)
}

// ConfigError は設定またはセットアップの不備を表す。
// 展開ツールの未インストールやバージョン不足もここに含む。
type ConfigError struct {
	Code    string
	Field   string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因エラーを返す。
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewToolMissingError は展開ツール未検出エラーを生成する。
func NewToolMissingError(tool string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeToolMissing,
		Field:   "DECOMPRESS_TOOL",
		Message: fmt.Sprintf("展開ツール %q がPATH上に見つかりません", tool),
		Err:     err,
	}
}

// NewToolVersionError は展開ツールのバージョン不足エラーを生成する。
func NewToolVersionError(tool, got, want string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeToolVersion,
		Field:   "DECOMPRESS_MIN_VERSION",
		Message: fmt.Sprintf("展開ツール %q のバージョン %s は要件 %s を満たしません", tool, got, want),
	}
}

// ValidationError は処理開始前に検出される入力・設定の不正を表す。
type ValidationError struct {
	Field   string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", ErrCodeInvalidConfig, e.Field, e.Message)
}

// MergeValidationError はマージ結果の検証ゲート失敗を表す。
// 呼び出し側は問題一覧とスコアを見て、緩い設定で再試行するかを判断できる。
type MergeValidationError struct {
	Issues       []ValidationIssue
	QualityScore float64
}

// Error はerrorインターフェースを実装する。
func (e *MergeValidationError) Error() string {
	var errs int
	for _, is := range e.Issues {
		if is.Severity == SeverityError {
			errs++
		}
	}
	return fmt.Sprintf("[%s] マージ結果の検証に失敗しました (errors=%d, issues=%d, score=%.1f)",
		ErrCodeMergeValidation, errs, len(e.Issues), e.QualityScore)
}

// DuplicateDetectionError は重複判定用の識別子を導出できないレコードを表す。
// 上流のデータ整合性の不具合を示すため、スキップではなくエラーとする。
type DuplicateDetectionError struct {
	OriginalID string
	Kind       RecordKind
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *DuplicateDetectionError) Error() string {
	return fmt.Sprintf("[%s] %s (original_id=%q, kind=%s)",
		ErrCodeDuplicateDetection, e.Message, e.OriginalID, e.Kind)
}

// IsTimeout はエラーがタイムアウトかどうかを返す。
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
