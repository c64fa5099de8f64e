package linestream

import (
	"context"
	"time"
)

// SampleResult は先頭n行の検証結果。
type SampleResult struct {
	LinesRead  int64
	ValidLines int64
	ErrorLines int64
}

// Sample はファイルの先頭n行だけを展開し、解析・検証結果を集計する。
// 本処理の前にアーカイブの形式を確認する用途で使う。
func (d *Decompressor) Sample(ctx context.Context, filePath string, n int64, validator Validator, timeout time.Duration) (*SampleResult, error) {
	// サンプリングはストリーム実行の統計に含めない
	probe := *d
	probe.observer = nil
	m, err := probe.StreamDecompress(ctx, filePath, nil, StreamOptions{
		Validator: validator,
		Timeout:   timeout,
		MaxLines:  n,
	})
	if err != nil {
		return nil, err
	}
	return &SampleResult{
		LinesRead:  m.TotalLines,
		ValidLines: m.ValidLines,
		ErrorLines: m.ErrorLines,
	}, nil
}
