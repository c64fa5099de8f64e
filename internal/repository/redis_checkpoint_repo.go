package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/archivepipe/internal/model"
)

// デフォルトのキープレフィックス
const defaultRedisKeyPrefix = "archivepipe"

// RedisCheckpointRepo はRedisを使用したチェックポイントリポジトリ。
// 複数ホストのワーカーでチェックポイントを共有する場合に使う。
//
// キー構成:
//
//	<prefix>:cp:<jobID>        HASH  checkpoint_id -> JSON
//	<prefix>:cp:<jobID>:idx    ZSET  checkpoint_id (score = 更新時刻)
//	<prefix>:cp:completed      ZSET  <jobID>|<checkpoint_id> (score = 完了時刻)
type RedisCheckpointRepo struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisClient はREDIS_ADDRに接続するクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisCheckpointRepo はRedisCheckpointRepoを生成する。
// prefixが空の場合は"archivepipe"を使う。
func NewRedisCheckpointRepo(rdb redis.UniversalClient, prefix string) *RedisCheckpointRepo {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisCheckpointRepo{rdb: rdb, prefix: prefix}
}

func (r *RedisCheckpointRepo) dataKey(jobID string) string {
	return r.prefix + ":cp:" + jobID
}

func (r *RedisCheckpointRepo) indexKey(jobID string) string {
	return r.prefix + ":cp:" + jobID + ":idx"
}

func (r *RedisCheckpointRepo) completedKey() string {
	return r.prefix + ":cp:completed"
}

// Upsert はcheckpoint_idをキーにチェックポイントを作成または更新する。
func (r *RedisCheckpointRepo) Upsert(ctx context.Context, cp *model.ProcessingCheckpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("チェックポイントのシリアライズに失敗しました: %w", err)
	}
	score := float64(cp.Timestamp.UnixNano())
	member := cp.JobID + "|" + cp.CheckpointID

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.dataKey(cp.JobID), cp.CheckpointID, raw)
		pipe.ZAdd(ctx, r.indexKey(cp.JobID), redis.Z{Score: score, Member: cp.CheckpointID})
		if cp.Completed {
			pipe.ZAdd(ctx, r.completedKey(), redis.Z{Score: score, Member: member})
		} else {
			pipe.ZRem(ctx, r.completedKey(), member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("チェックポイントの保存に失敗しました: %w", err)
	}
	return nil
}

// Latest はジョブの最新チェックポイントを取得する。存在しない場合はnilを返す。
func (r *RedisCheckpointRepo) Latest(ctx context.Context, jobID string) (*model.ProcessingCheckpoint, error) {
	ids, err := r.rdb.ZRevRange(ctx, r.indexKey(jobID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("最新チェックポイントの取得に失敗しました: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := r.rdb.HGet(ctx, r.dataKey(jobID), ids[0]).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新チェックポイントの取得に失敗しました: %w", err)
	}

	var cp model.ProcessingCheckpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("チェックポイントの復元に失敗しました: %w", err)
	}
	return &cp, nil
}

// ListByJob はジョブの全チェックポイントを古い順に返す。
func (r *RedisCheckpointRepo) ListByJob(ctx context.Context, jobID string) ([]model.ProcessingCheckpoint, error) {
	ids, err := r.rdb.ZRange(ctx, r.indexKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("チェックポイント一覧の取得に失敗しました: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := r.rdb.HMGet(ctx, r.dataKey(jobID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("チェックポイント一覧の取得に失敗しました: %w", err)
	}

	checkpoints := make([]model.ProcessingCheckpoint, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var cp model.ProcessingCheckpoint
		if err := json.Unmarshal([]byte(s), &cp); err != nil {
			return nil, fmt.Errorf("チェックポイントの復元に失敗しました: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// DeleteCompletedBefore は指定時刻より前に完了したチェックポイントを削除する。
func (r *RedisCheckpointRepo) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	members, err := r.rdb.ZRangeByScore(ctx, r.completedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("完了済みチェックポイントの取得に失敗しました: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			jobID, cpID, ok := strings.Cut(m, "|")
			if !ok {
				continue
			}
			pipe.HDel(ctx, r.dataKey(jobID), cpID)
			pipe.ZRem(ctx, r.indexKey(jobID), cpID)
			pipe.ZRem(ctx, r.completedKey(), m)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("完了済みチェックポイントの削除に失敗しました: %w", err)
	}
	return int64(len(members)), nil
}
