package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/hitoshi/archivepipe/internal/config"
	"github.com/hitoshi/archivepipe/internal/contentpipe"
	"github.com/hitoshi/archivepipe/internal/dedup"
	"github.com/hitoshi/archivepipe/internal/feedsource"
	"github.com/hitoshi/archivepipe/internal/linestream"
	"github.com/hitoshi/archivepipe/internal/merge"
	"github.com/hitoshi/archivepipe/internal/model"
	"github.com/hitoshi/archivepipe/internal/security"
)

// stdoutPath は出力先に標準出力を指定する値。
const stdoutPath = "-"

// processOptions はprocessサブコマンドのオプション。
type processOptions struct {
	Report string `long:"report" description:"ジョブ結果をJSONで書き出すファイル（-で標準出力）"`
}

// mergeOptions はmergeサブコマンドのオプション。
type mergeOptions struct {
	Job        string  `long:"job" required:"true" description:"アーカイブ取り込みジョブのID（OUTPUT_DIRの抽出結果を読む）"`
	Feed       string  `long:"feed" required:"true" description:"APIのAtom/RSSフィード（ファイルパスまたはhttp(s)のURL）"`
	SourceType string  `long:"source-type" default:"api-chronological" description:"フィードの取得元種別"`
	Out        string  `long:"out" description:"マージ結果の出力先（省略時はOUTPUT_DIR、-で標準出力）"`
	SkipDedup  bool    `long:"skip-dedup" description:"重複除外を行わない"`
	MinQuality float64 `long:"min-quality" description:"品質スコアの下限（0で無効）"`
}

// checkOptions はcheckサブコマンドのオプション。
type checkOptions struct {
	SampleLines int64         `long:"sample-lines" description:"検証する先頭行数（省略時はVALIDATION_SAMPLE_LINES）"`
	Timeout     time.Duration `long:"timeout" default:"1m" description:"1ファイルあたりのサンプリング上限時間"`
}

// parseOptions はサブコマンドのオプションを解析し、残りの位置引数を返す。
func parseOptions(name string, opts any, args []string) ([]string, error) {
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "archivepipe " + name
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, fmt.Errorf("invalid %s arguments: %w", name, err)
	}
	return rest, nil
}

// openOutput は出力先を開く。-の場合はwを返す。
func openOutput(path string, w io.Writer) (io.WriteCloser, error) {
	if path == stdoutPath {
		return nopCloser{w}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func writeJSON(path string, w io.Writer, v any) error {
	out, err := openOutput(path, w)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		out.Close()
		return fmt.Errorf("failed to write output: %w", err)
	}
	return out.Close()
}

// runProcess は引数で指定したアーカイブを独立したジョブとして取り込む。
// 1件でも失敗した場合はエラーを返すが、他のファイルの処理は継続する。
func runProcess(ctx context.Context, cfg *config.Config, w io.Writer, args []string) error {
	var opts processOptions
	files, err := parseOptions(string(CommandProcess), &opts, args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("process requires at least one archive file")
	}

	log := slog.Default()
	p, err := buildPipeline(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := p.decompressor.CheckTool(ctx); err != nil {
		return fmt.Errorf("decompression tool check failed: %w", err)
	}

	results, procErr := p.coordinator.ProcessArchiveFiles(ctx, files)

	succeeded := 0
	for _, res := range results {
		if res != nil && res.Success {
			succeeded++
		}
	}
	agg := p.metrics.Aggregator().Aggregate()
	log.Info("process finished",
		slog.Int("files", len(files)),
		slog.Int("succeeded", succeeded),
		slog.Int64("total_lines", agg.TotalLines),
		slog.Int64("valid_lines", agg.ValidLines),
		slog.Int64("error_lines", agg.ErrorLines),
	)

	if opts.Report != "" {
		if err := writeJSON(opts.Report, w, results); err != nil {
			return errors.Join(procErr, err)
		}
	}
	return procErr
}

// runMerge はアーカイブ抽出結果とAPIフィードを時系列マージし、
// 重複を除外した結果を下流の入力形式で書き出す。
// DBが設定されている場合はマージ履歴を保存する。
func runMerge(ctx context.Context, cfg *config.Config, w io.Writer, args []string) error {
	var opts mergeOptions
	if _, err := parseOptions(string(CommandMerge), &opts, args); err != nil {
		return err
	}
	sourceType, err := model.ParseSourceType(opts.SourceType)
	if err != nil {
		return err
	}
	if !sourceType.IsAPI() {
		return fmt.Errorf("source type %q is not an API source", sourceType)
	}

	log := slog.Default()
	p, err := buildPipeline(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer p.Close()

	// 1. 入力の読み込み
	submissions, comments, err := p.sink.Load(opts.Job)
	if err != nil {
		return fmt.Errorf("failed to load archive records: %w", err)
	}
	historical := merge.HistoricalBatch{
		BatchID:     opts.Job,
		SourcePath:  cfg.OutputDir,
		CollectedAt: time.Now().UTC(),
		Submissions: submissions,
		Comments:    comments,
	}

	api, err := loadAPIFeed(ctx, cfg, p, opts.Feed, feedsource.Options{SourceType: sourceType})
	if err != nil {
		return fmt.Errorf("failed to load api feed: %w", err)
	}

	// 2. 時系列マージ
	mergeCfg := merge.ConfigFrom(cfg)
	mergeCfg.MinQualityScore = opts.MinQuality
	merged, err := merge.NewEngine(mergeCfg, p.metrics, log).MergeTemporalData(historical, *api, &mergeCfg)
	if err != nil {
		return fmt.Errorf("temporal merge failed: %w", err)
	}

	// 3. 重複除外
	output := *merged
	if !opts.SkipDedup {
		res, err := dedup.NewEngine(dedup.ConfigFrom(cfg), p.metrics, log).DetectAndFilterDuplicates(merged.MergedItems, nil)
		if err != nil {
			return fmt.Errorf("duplicate detection failed: %w", err)
		}
		output = *merged.WithItems(res.FilteredItems)
		log.Info("duplicates filtered",
			slog.Int("total_items", res.Analysis.TotalItems),
			slog.Int("duplicates_found", res.Analysis.DuplicatesFound),
			slog.Int("malformed_items", res.Analysis.MalformedItems),
			slog.Float64("duplicate_rate", res.Analysis.DuplicateRate),
		)
	}

	// 4. 履歴の保存（失敗してもマージ結果は出力する）
	if p.mergeRuns != nil {
		if err := p.mergeRuns.Create(ctx, merged.Summary(historical.BatchID, api.BatchID)); err != nil {
			log.Warn("failed to record merge run",
				slog.String("batch_id", merged.BatchID),
				slog.String("error", err.Error()),
			)
		}
	}

	// 5. 出力
	out := opts.Out
	if out == "" {
		out = filepath.Join(cfg.OutputDir, merged.BatchID+".llm.json")
	}
	if err := writeJSON(out, w, merge.ConvertToLLMInput(&output)); err != nil {
		return err
	}

	log.Info("merge finished",
		slog.String("batch_id", merged.BatchID),
		slog.Int("merged_items", merged.TotalItems),
		slog.Int("output_items", output.TotalItems),
		slog.Int("gaps", merged.ProcessingStats.GapsDetected),
		slog.String("output", out),
	)
	return nil
}

// loadAPIFeed はフィードをファイルまたはURLから読み込む。
// URLの場合はSSRF対策とレート制限を適用して取得する。
func loadAPIFeed(ctx context.Context, cfg *config.Config, p *pipeline, feed string, opts feedsource.Options) (*merge.APIBatch, error) {
	parser := feedsource.NewParser(p.sanitizer, p.logger)
	if !strings.HasPrefix(feed, "http://") && !strings.HasPrefix(feed, "https://") {
		return parser.ParseFile(feed, opts)
	}
	fetcher := feedsource.NewFetcher(parser, security.NewSSRFGuard(), cfg.FeedRequestsPerMinute, cfg.FeedFetchTimeout, p.logger)
	return fetcher.Fetch(ctx, feed, opts)
}

// runCheck は展開ツールの導入状況を確認し、指定されたアーカイブの先頭行を検証する。
func runCheck(ctx context.Context, cfg *config.Config, w io.Writer, args []string) error {
	var opts checkOptions
	files, err := parseOptions(string(CommandCheck), &opts, args)
	if err != nil {
		return err
	}
	if opts.SampleLines <= 0 {
		opts.SampleLines = int64(cfg.ValidationSampleLines)
	}

	log := slog.Default()
	d := linestream.NewDecompressor(cfg.DecompressTool, cfg.DecompressArgs, cfg.DecompressMinVersion, log, nil)

	info, err := d.CheckTool(ctx)
	if err != nil {
		return err
	}
	log.Info("decompression tool available",
		slog.String("tool", info.Name),
		slog.String("path", info.Path),
		slog.String("version", info.Version),
	)

	var errs []error
	for _, f := range files {
		res, err := d.Sample(ctx, f, opts.SampleLines, contentpipe.Validate, opts.Timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		log.Info("archive sampled",
			slog.String("file", f),
			slog.Int64("lines_read", res.LinesRead),
			slog.Int64("valid_lines", res.ValidLines),
			slog.Int64("error_lines", res.ErrorLines),
		)
		if res.LinesRead > 0 && res.ValidLines == 0 {
			errs = append(errs, &model.PipelineError{
				Code:     model.ErrCodeArchiveInvalid,
				Phase:    model.PhaseValidation,
				Message:  "サンプル行に有効なレコードがありません",
				FilePath: f,
			})
		}
	}
	return errors.Join(errs...)
}
