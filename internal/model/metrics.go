package model

import "time"

// MemoryUsage はストリーム実行中のメモリ使用量（バイト）。
type MemoryUsage struct {
	Initial uint64 `json:"initial"`
	Peak    uint64 `json:"peak"`
	Final   uint64 `json:"final"`
}

// ProcessingMetrics は1回のストリーム実行（完了または中断）の統計。
// 生成後は変更しない。
//
// TotalLines = ValidLines + ErrorLines が常に成り立つ。
// HandlerErrors はハンドラー失敗の件数で、ErrorLines には含めない。
type ProcessingMetrics struct {
	FilePath                  string        `json:"file_path,omitempty"`
	TotalLines                int64         `json:"total_lines"`
	ValidLines                int64         `json:"valid_lines"`
	ErrorLines                int64         `json:"error_lines"`
	HandlerErrors             int64         `json:"handler_errors"`
	ProcessingTime            time.Duration `json:"processing_time"`
	Memory                    MemoryUsage   `json:"memory_usage"`
	AverageLineProcessingTime time.Duration `json:"average_line_processing_time"`
	StoppedEarly              bool          `json:"stopped_early"`
}

// LinesPerSecond はスループットを返す。
func (m *ProcessingMetrics) LinesPerSecond() float64 {
	if m.ProcessingTime <= 0 {
		return 0
	}
	return float64(m.TotalLines) / m.ProcessingTime.Seconds()
}
