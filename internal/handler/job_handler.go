package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/archivepipe/internal/batch"
	"github.com/hitoshi/archivepipe/internal/middleware"
	"github.com/hitoshi/archivepipe/internal/model"
)

// JobServiceInterface はジョブハンドラーが必要とするコーディネーターのインターフェース。
type JobServiceInterface interface {
	// GetJobProgress はジョブの進捗を返す。不明なジョブはnil。
	GetJobProgress(ctx context.Context, jobID string) (*batch.JobProgress, error)
	// GetActiveJobs は実行中のジョブ一覧を返す。
	GetActiveJobs() []batch.JobProgress
	// GetConfiguration は有効なコーディネーター設定を返す。
	GetConfiguration() batch.Config
}

// JobHandler はジョブ進捗照会のHTTPハンドラー。
type JobHandler struct {
	service JobServiceInterface
	logger  *slog.Logger
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(service JobServiceInterface, logger *slog.Logger) *JobHandler {
	return &JobHandler{service: service, logger: logger}
}

// jobListResponse はジョブ一覧のレスポンス。
type jobListResponse struct {
	Jobs  []batch.JobProgress `json:"jobs"`
	Count int                 `json:"count"`
}

// ListActiveJobs はGET /api/jobs を処理する。
func (h *JobHandler) ListActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.service.GetActiveJobs()
	if jobs == nil {
		jobs = []batch.JobProgress{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Count: len(jobs)})
}

// GetJob はGET /api/jobs/{id} を処理する。
// 実行中でなければ最新のチェックポイントから進捗を返す。
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	progress, err := h.service.GetJobProgress(r.Context(), jobID)
	if err != nil {
		h.logger.Error("ジョブ進捗の取得に失敗しました",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, err)
		return
	}
	if progress == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(jobID))
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// GetConfiguration はGET /api/config を処理する。
func (h *JobHandler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetConfiguration())
}
