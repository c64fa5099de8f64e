package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

// MemoryCheckpointRepo はプロセス内メモリに保持するチェックポイントリポジトリ。
// 単一プロセスでの実行やテストで使う。
type MemoryCheckpointRepo struct {
	mu    sync.RWMutex
	byJob map[string][]model.ProcessingCheckpoint
}

// NewMemoryCheckpointRepo はMemoryCheckpointRepoを生成する。
func NewMemoryCheckpointRepo() *MemoryCheckpointRepo {
	return &MemoryCheckpointRepo{byJob: make(map[string][]model.ProcessingCheckpoint)}
}

// Upsert はcheckpoint_idをキーにチェックポイントを作成または更新する。
func (r *MemoryCheckpointRepo) Upsert(_ context.Context, cp *model.ProcessingCheckpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.byJob[cp.JobID]
	for i := range list {
		if list[i].CheckpointID == cp.CheckpointID {
			list[i] = *cp
			return nil
		}
	}
	r.byJob[cp.JobID] = append(list, *cp)
	return nil
}

// Latest はジョブの最新チェックポイントを取得する。存在しない場合はnilを返す。
func (r *MemoryCheckpointRepo) Latest(_ context.Context, jobID string) (*model.ProcessingCheckpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byJob[jobID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[0]
	for _, cp := range list[1:] {
		if !cp.Timestamp.Before(latest.Timestamp) {
			latest = cp
		}
	}
	return &latest, nil
}

// ListByJob はジョブの全チェックポイントを古い順に返す。
func (r *MemoryCheckpointRepo) ListByJob(_ context.Context, jobID string) ([]model.ProcessingCheckpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := append([]model.ProcessingCheckpoint(nil), r.byJob[jobID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// DeleteCompletedBefore は指定時刻より前に完了したチェックポイントを削除する。
func (r *MemoryCheckpointRepo) DeleteCompletedBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for jobID, list := range r.byJob {
		kept := list[:0]
		for _, cp := range list {
			if cp.Completed && cp.Timestamp.Before(before) {
				deleted++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(r.byJob, jobID)
			continue
		}
		r.byJob[jobID] = kept
	}
	return deleted, nil
}
