package metrics

import (
	"sync"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

// AggregateMetrics は全ファイルを通したストリーム統計。
type AggregateMetrics struct {
	Files          int           `json:"files"`
	TotalLines     int64         `json:"total_lines"`
	ValidLines     int64         `json:"valid_lines"`
	ErrorLines     int64         `json:"error_lines"`
	HandlerErrors  int64         `json:"handler_errors"`
	ProcessingTime time.Duration `json:"processing_time"`
	PeakMemory     uint64        `json:"peak_memory_bytes"`
	LinesPerSecond float64       `json:"lines_per_second"`
	ErrorRate      float64       `json:"error_rate"`
}

// Aggregator はファイル単位のProcessingMetricsを保持し、集計値を返す。
// 同じファイルを再処理した場合は最新の結果で置き換える。
type Aggregator struct {
	mu     sync.RWMutex
	byFile map[string]model.ProcessingMetrics
	order  []string
}

// NewAggregator は空のAggregatorを生成する。
func NewAggregator() *Aggregator {
	return &Aggregator{byFile: make(map[string]model.ProcessingMetrics)}
}

// Add はストリーム1回分の統計を追加する。
func (a *Aggregator) Add(m *model.ProcessingMetrics) {
	if m == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byFile[m.FilePath]; !ok {
		a.order = append(a.order, m.FilePath)
	}
	a.byFile[m.FilePath] = *m
}

// File はファイル単位の統計を返す。未記録の場合はfalseを返す。
func (a *Aggregator) File(path string) (model.ProcessingMetrics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.byFile[path]
	return m, ok
}

// Files は記録順にファイル単位の統計を返す。
func (a *Aggregator) Files() []model.ProcessingMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.ProcessingMetrics, 0, len(a.order))
	for _, p := range a.order {
		out = append(out, a.byFile[p])
	}
	return out
}

// Aggregate は全ファイルの集計値を返す。
func (a *Aggregator) Aggregate() AggregateMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var agg AggregateMetrics
	for _, m := range a.byFile {
		agg.Files++
		agg.TotalLines += m.TotalLines
		agg.ValidLines += m.ValidLines
		agg.ErrorLines += m.ErrorLines
		agg.HandlerErrors += m.HandlerErrors
		agg.ProcessingTime += m.ProcessingTime
		if m.Memory.Peak > agg.PeakMemory {
			agg.PeakMemory = m.Memory.Peak
		}
	}
	if agg.ProcessingTime > 0 {
		agg.LinesPerSecond = float64(agg.TotalLines) / agg.ProcessingTime.Seconds()
	}
	if agg.TotalLines > 0 {
		agg.ErrorRate = float64(agg.ErrorLines) / float64(agg.TotalLines) * 100
	}
	return agg
}

// Reset は記録済みの統計をすべて破棄する。
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byFile = make(map[string]model.ProcessingMetrics)
	a.order = nil
}
