package handler

import (
	"net/http"

	"github.com/hitoshi/archivepipe/internal/dedup"
)

// DedupServiceInterface は重複検出エンジンの統計照会インターフェース。
type DedupServiceInterface interface {
	Statistics() dedup.Statistics
	ClearCache()
}

// DedupHandler は重複検出統計のHTTPハンドラー。
type DedupHandler struct {
	service DedupServiceInterface
}

// NewDedupHandler はDedupHandlerを生成する。
func NewDedupHandler(service DedupServiceInterface) *DedupHandler {
	return &DedupHandler{service: service}
}

// GetStatistics はGET /api/dedup/stats を処理する。
func (h *DedupHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Statistics())
}

// ClearCache はDELETE /api/dedup/cache を処理する。
func (h *DedupHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}
