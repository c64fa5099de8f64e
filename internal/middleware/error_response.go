package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/archivepipe/internal/model"
)

// ErrorResponseBody は管理APIのエラーレスポンス形式。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はapiErrをstatusCodeで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は500を書き込む。詳細は呼び出し側でログに残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteError はerrの種類からステータスを決めて書き込む。
// パイプラインのエラーはコードとメッセージをそのまま返し、それ以外は500にする。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, apiStatus(apiErr.Code), apiErr)
		return
	}

	var pErr *model.PipelineError
	if errors.As(err, &pErr) {
		WriteErrorResponse(w, pipelineStatus(pErr.Code), &model.APIError{
			Code:     pErr.Code,
			Message:  pErr.Message,
			Category: "pipeline",
			Action:   "ジョブのログとチェックポイントを確認してください。",
		})
		return
	}

	WriteInternalServerError(w)
}

func apiStatus(code string) int {
	switch code {
	case model.ErrCodeJobNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidParam:
		return http.StatusBadRequest
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func pipelineStatus(code string) int {
	switch code {
	case model.ErrCodeFileNotFound:
		return http.StatusNotFound
	case model.ErrCodeArchiveInvalid:
		return http.StatusUnprocessableEntity
	case model.ErrCodeToolMissing, model.ErrCodeToolVersion:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
