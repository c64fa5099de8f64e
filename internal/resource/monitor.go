// Package resource はジョブ単位のメモリ使用量監視を提供する。
package resource

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// デフォルトのサンプリング間隔
const defaultInterval = 5 * time.Second

// Sampler は現在のメモリ使用量（バイト）を返す。
type Sampler func() uint64

// ProcessMemory はプロセスの常駐メモリ（RSS）を返す。
// procfsが使えない環境ではGoランタイムが確保したメモリ量で代替する。
func ProcessMemory() uint64 {
	if p, err := procfs.Self(); err == nil {
		if st, err := p.Stat(); err == nil && st.ResidentMemory() > 0 {
			return uint64(st.ResidentMemory())
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// MonitorOptions は監視開始時のオプション。
type MonitorOptions struct {
	// OnMemoryWarning はメモリ使用量が上限を超えたサンプルごとに呼ばれる
	OnMemoryWarning func(currentBytes uint64)
	Interval        time.Duration
}

// Stats はジョブの監視統計のスナップショット。
type Stats struct {
	JobID              string    `json:"job_id"`
	CurrentMemoryBytes uint64    `json:"current_memory_bytes"`
	PeakMemoryBytes    uint64    `json:"peak_memory_bytes"`
	MemoryLimitBytes   uint64    `json:"memory_limit_bytes"`
	ProcessedLines     int64     `json:"processed_lines"`
	LinesPerSecond     float64   `json:"lines_per_second"`
	MemoryWarnings     int       `json:"memory_warnings"`
	StartedAt          time.Time `json:"started_at"`
	LastSampleAt       time.Time `json:"last_sample_at"`
}

// Monitor は複数ジョブのメモリ使用量を一定間隔でサンプリングする。
// ジョブごとに独立したゴルーチンと統計を持つ。
type Monitor struct {
	mu       sync.Mutex
	jobs     map[string]*jobMonitor
	sampler  Sampler
	maxBytes uint64
	logger   *slog.Logger
}

type jobMonitor struct {
	mu    sync.Mutex
	stats Stats
	stop  chan struct{}
	done  chan struct{}
}

// NewMonitor はMonitorの新しいインスタンスを生成する。
// samplerがnilの場合はProcessMemoryを使う。
func NewMonitor(sampler Sampler, maxBytes uint64, logger *slog.Logger) *Monitor {
	if sampler == nil {
		sampler = ProcessMemory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		jobs:     make(map[string]*jobMonitor),
		sampler:  sampler,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// StartMonitoring はジョブの監視を開始する。
// 同じジョブIDで監視中の場合はエラーを返す。
func (m *Monitor) StartMonitoring(jobID string, opts MonitorOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	m.mu.Lock()
	if _, ok := m.jobs[jobID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s is already monitored", jobID)
	}
	now := time.Now()
	jm := &jobMonitor{
		stats: Stats{
			JobID:            jobID,
			MemoryLimitBytes: m.maxBytes,
			StartedAt:        now,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.jobs[jobID] = jm
	m.mu.Unlock()

	m.sample(jm, opts.OnMemoryWarning)
	go m.run(jm, interval, opts.OnMemoryWarning)
	return nil
}

func (m *Monitor) run(jm *jobMonitor, interval time.Duration, onWarning func(uint64)) {
	defer close(jm.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-jm.stop:
			return
		case <-ticker.C:
			m.sample(jm, onWarning)
		}
	}
}

func (m *Monitor) sample(jm *jobMonitor, onWarning func(uint64)) {
	cur := m.sampler()

	jm.mu.Lock()
	jm.stats.CurrentMemoryBytes = cur
	jm.stats.LastSampleAt = time.Now()
	if cur > jm.stats.PeakMemoryBytes {
		jm.stats.PeakMemoryBytes = cur
	}
	over := m.maxBytes > 0 && cur > m.maxBytes
	if over {
		jm.stats.MemoryWarnings++
	}
	jobID := jm.stats.JobID
	jm.mu.Unlock()

	if !over {
		return
	}
	m.logger.Warn("メモリ使用量が上限を超えました",
		slog.String("job_id", jobID),
		slog.Uint64("current_bytes", cur),
		slog.Uint64("limit_bytes", m.maxBytes),
	)
	if onWarning != nil {
		onWarning(cur)
	}
}

// StopMonitoring はジョブの監視を停止する。未監視のジョブIDは無視する。
func (m *Monitor) StopMonitoring(jobID string) {
	m.mu.Lock()
	jm, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()
	if !ok {
		return
	}
	close(jm.stop)
	<-jm.done
}

// RecordProgress はジョブの処理済み行数を更新する。処理レートの算出に使う。
func (m *Monitor) RecordProgress(jobID string, processedLines int64) {
	m.mu.Lock()
	jm, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.stats.ProcessedLines = processedLines
	if elapsed := time.Since(jm.stats.StartedAt).Seconds(); elapsed > 0 {
		jm.stats.LinesPerSecond = float64(processedLines) / elapsed
	}
}

// GetCurrentStats はジョブの最新統計を返す。未監視の場合はfalseを返す。
func (m *Monitor) GetCurrentStats(jobID string) (*Stats, bool) {
	m.mu.Lock()
	jm, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	jm.mu.Lock()
	defer jm.mu.Unlock()
	s := jm.stats
	return &s, true
}

// ActiveJobs は監視中のジョブ数を返す。
func (m *Monitor) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
