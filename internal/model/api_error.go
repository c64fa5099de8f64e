package model

import "fmt"

// APIError は管理APIの統一エラーフォーマットを表す。
// 原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, job, system
	Action   string // 対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 管理APIのエラーコード
const (
	ErrCodeJobNotFound  = "JOB_NOT_FOUND"
	ErrCodeUnavailable  = "UNAVAILABLE"
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeRateLimited  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidParam = "INVALID_PARAMETER"
)

// NewJobNotFoundError はジョブ未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "job",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewUnavailableError は機能が無効化されている場合のエラーを生成する。
func NewUnavailableError(feature string) *APIError {
	return &APIError{
		Code:     ErrCodeUnavailable,
		Message:  fmt.Sprintf("%s は有効化されていません", feature),
		Category: "system",
		Action:   "設定を確認してください。",
	}
}

// NewInvalidParamError はパラメータ不正エラーを生成する。
func NewInvalidParamError(name, value string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParam,
		Message:  fmt.Sprintf("パラメータ %s の値が不正です: %q", name, value),
		Category: "validation",
		Action:   "パラメータの形式を確認してください。",
	}
}
