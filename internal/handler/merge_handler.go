package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/archivepipe/internal/middleware"
	"github.com/hitoshi/archivepipe/internal/model"
)

const (
	defaultMergeRunLimit = 20
	maxMergeRunLimit     = 200
)

// MergeRunLister はマージ履歴の参照インターフェース。
type MergeRunLister interface {
	ListRecent(ctx context.Context, limit int) ([]model.MergeRun, error)
}

// MergeHandler はマージ履歴のHTTPハンドラー。
type MergeHandler struct {
	runs   MergeRunLister
	logger *slog.Logger
}

// NewMergeHandler はMergeHandlerを生成する。
func NewMergeHandler(runs MergeRunLister, logger *slog.Logger) *MergeHandler {
	return &MergeHandler{runs: runs, logger: logger}
}

// ListRuns はGET /api/merges?limit=N を処理する。
func (h *MergeHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewUnavailableError("マージ履歴"))
		return
	}

	limit := defaultMergeRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxMergeRunLimit {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidParamError("limit", raw))
			return
		}
		limit = n
	}

	runs, err := h.runs.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("マージ履歴の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []model.MergeRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}
