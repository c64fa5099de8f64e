package batch

import (
	"sync"

	"github.com/hitoshi/archivepipe/internal/model"
)

// デフォルトで縮小後に拡大を始めるまでの警告なしバッチ数
const defaultGrowAfterQuietBatches = 3

// Sizer はジョブ単位の適応的バッチサイズを管理する状態機械。
//
// 状態は現在のサイズ、連続警告数、連続した警告なしバッチ数の3つで、
// 更新はバッチ境界（Advance）でのみ行う。メモリ警告はSignalWarningで
// 保留され、次のバッチ境界で反映される。
//
// 警告ありのバッチ境界ではサイズを半分にし（下限MinBatchSize）、
// 警告なしのバッチがgrowAfter回続くとBaseBatchSizeに向けて1.5倍にする。
// サイズは常に[MinBatchSize, MaxBatchSize]の範囲に収まる。
type Sizer struct {
	mu                  sync.Mutex
	base                int
	min                 int
	max                 int
	adaptive            bool
	growAfter           int
	current             int
	pendingWarning      bool
	consecutiveWarnings int
	quietBatches        int
}

// NewSizer はSizerを生成する。baseは[min, max]に丸める。
func NewSizer(base, min, max int, adaptive bool, growAfter int) *Sizer {
	if min <= 0 {
		min = 1
	}
	if max < min {
		max = min
	}
	if growAfter <= 0 {
		growAfter = defaultGrowAfterQuietBatches
	}
	s := &Sizer{
		min:       min,
		max:       max,
		adaptive:  adaptive,
		growAfter: growAfter,
	}
	s.base = s.clamp(base)
	s.current = s.base
	return s
}

func (s *Sizer) clamp(n int) int {
	if n < s.min {
		return s.min
	}
	if n > s.max {
		return s.max
	}
	return n
}

// Current は現在のバッチサイズを返す。
func (s *Sizer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SignalWarning はメモリ警告を保留する。リソースモニターのゴルーチンから呼ばれる。
func (s *Sizer) SignalWarning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingWarning = true
}

// Advance はバッチ境界で状態を更新し、次のバッチサイズと
// このバッチ中に警告があったかを返す。
func (s *Sizer) Advance() (size int, warned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	warned = s.pendingWarning
	s.pendingWarning = false

	if warned {
		s.consecutiveWarnings++
		s.quietBatches = 0
		if s.adaptive {
			s.current = s.clamp(s.current / 2)
		}
		return s.current, true
	}

	s.consecutiveWarnings = 0
	s.quietBatches++
	if s.adaptive && s.current < s.base && s.quietBatches >= s.growAfter {
		next := s.current + s.current/2
		if next <= s.current {
			next = s.current + 1
		}
		if next > s.base {
			next = s.base
		}
		s.current = s.clamp(next)
		s.quietBatches = 0
	}
	return s.current, false
}

// ConsecutiveWarnings は連続した警告ありバッチ境界の数を返す。
func (s *Sizer) ConsecutiveWarnings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveWarnings
}

// Snapshot はチェックポイントに保存するバッチ設定を返す。
func (s *Sizer) Snapshot() model.BatchConfigSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.BatchConfigSnapshot{
		CurrentBatchSize: s.current,
		BaseBatchSize:    s.base,
		MinBatchSize:     s.min,
		MaxBatchSize:     s.max,
		Adaptive:         s.adaptive,
	}
}
