// Package linestream は外部展開ツールの標準出力をNDJSONストリームとして処理する。
package linestream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

// 読み取りバッファの初期サイズ
const readBufferSize = 1 << 20

// ItemHandler は検証を通過した1行分のJSONオブジェクトを受け取る。
// lineNumber はファイル内の物理行番号（1始まり）。
type ItemHandler func(ctx context.Context, item map[string]any, lineNumber int64) error

// Validator はJSONオブジェクトを受け入れるかどうかを判定する。
type Validator func(item map[string]any) bool

// StreamOptions はStreamDecompressの実行オプション。
type StreamOptions struct {
	Validator Validator
	// Timeout が0以下の場合は無制限
	Timeout time.Duration
	// MaxLines が0以下の場合は無制限
	MaxLines int64
}

// StreamObserver はストリーム実行結果の記録先。
type StreamObserver interface {
	RecordStreamCompleted(m *model.ProcessingMetrics)
	RecordStreamFailed(reason string)
}

// Decompressor は展開ツールをサブプロセスとして起動し、出力を1行ずつ処理する。
type Decompressor struct {
	tool       string
	args       []string
	minVersion string
	logger     *slog.Logger
	observer   StreamObserver
}

// NewDecompressor はDecompressorの新しいインスタンスを生成する。
// args はファイルパスの前に渡される引数（例: -dc --long=31）。
func NewDecompressor(tool string, args []string, minVersion string, logger *slog.Logger, observer StreamObserver) *Decompressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decompressor{
		tool:       tool,
		args:       slices.Clone(args),
		minVersion: minVersion,
		logger:     logger,
		observer:   observer,
	}
}

// Tool は展開ツール名を返す。
func (d *Decompressor) Tool() string {
	return d.tool
}

// StreamDecompress はfilePathを展開し、各行をhandlerに渡す。
//
// パース失敗とValidator不合格はErrorLinesに計上して処理を継続する。
// handlerのエラーはHandlerErrorsに計上してログ出力のみ行う。
// handlerがAbortでラップしたエラーを返した場合のみストリームを中断し、
// ラップ元のエラーをそのまま返す。
func (d *Decompressor) StreamDecompress(ctx context.Context, filePath string, handler ItemHandler, opts StreamOptions) (*model.ProcessingMetrics, error) {
	if _, err := os.Stat(filePath); err != nil {
		d.recordFailure(model.ErrCodeFileNotFound)
		return nil, model.NewFileNotFoundError(filePath, err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.tool, append(slices.Clone(d.args), filePath)...)
	// 孫プロセスがパイプを保持し続けてもWaitが戻るようにする
	cmd.WaitDelay = 2 * time.Second
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.recordFailure(model.ErrCodeSpawnFailed)
		return nil, model.NewSpawnError(d.tool, filePath, err)
	}
	if err := cmd.Start(); err != nil {
		d.recordFailure(model.ErrCodeSpawnFailed)
		return nil, model.NewSpawnError(d.tool, filePath, err)
	}

	mem := newMemorySampler()
	m := &model.ProcessingMetrics{FilePath: filePath}
	m.Memory.Initial = mem.read()
	m.Memory.Peak = m.Memory.Initial
	start := time.Now()

	d.logger.Info("展開ストリームを開始します",
		slog.String("file_path", filePath),
		slog.String("tool", d.tool),
		slog.Int64("max_lines", opts.MaxLines),
		slog.Duration("timeout", opts.Timeout),
	)

	var (
		reader    = bufio.NewReaderSize(stdout, readBufferSize)
		lineNo    int64
		abortErr  error
		readErr   error
		handlerNs time.Duration
	)

	for runCtx.Err() == nil {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				lineStart := time.Now()
				abortErr = d.processLine(runCtx, trimmed, lineNo, handler, opts.Validator, m)
				handlerNs += time.Since(lineStart)

				if cur := mem.read(); cur > m.Memory.Peak {
					m.Memory.Peak = cur
				}
				if abortErr != nil {
					break
				}
				if opts.MaxLines > 0 && m.TotalLines >= opts.MaxLines {
					m.StoppedEarly = true
					break
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if m.StoppedEarly || abortErr != nil {
		// 意図的な終了。プロセスを停止し、終了コードは無視する
		cancel()
	}
	waitErr := cmd.Wait()

	m.ProcessingTime = time.Since(start)
	m.Memory.Final = mem.read()
	if m.TotalLines > 0 {
		m.AverageLineProcessingTime = handlerNs / time.Duration(m.TotalLines)
	}

	switch {
	case abortErr != nil:
		d.recordFailure("aborted")
		d.logger.Error("下流処理の致命的エラーによりストリームを中断しました",
			slog.String("file_path", filePath),
			slog.Int64("total_lines", m.TotalLines),
			slog.String("error", abortErr.Error()),
		)
		return m, abortErr
	case timedOut:
		d.recordFailure(model.ErrCodeTimeout)
		return m, &model.TimeoutError{FilePath: filePath, Timeout: opts.Timeout, LinesSeen: m.TotalLines}
	case ctx.Err() != nil:
		d.recordFailure("canceled")
		return m, ctx.Err()
	case m.StoppedEarly:
		// MaxLines到達後の終了コードはkillによるもの
	case waitErr != nil:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		d.recordFailure(model.ErrCodeSubprocessFailed)
		return m, model.NewSubprocessError(d.tool, filePath, exitCode, stderr.String(), m.TotalLines, waitErr)
	case readErr != nil:
		d.recordFailure(model.ErrCodeStreamRead)
		return m, &model.PipelineError{
			Code:     model.ErrCodeStreamRead,
			Phase:    model.PhaseStream,
			Message:  "展開ストリームの読み取りに失敗しました",
			FilePath: filePath,
			Details:  map[string]any{"lines_seen": m.TotalLines},
			Err:      readErr,
		}
	}

	if d.observer != nil {
		d.observer.RecordStreamCompleted(m)
	}
	d.logger.Info("展開ストリームが完了しました",
		slog.String("file_path", filePath),
		slog.Int64("total_lines", m.TotalLines),
		slog.Int64("valid_lines", m.ValidLines),
		slog.Int64("error_lines", m.ErrorLines),
		slog.Int64("handler_errors", m.HandlerErrors),
		slog.Bool("stopped_early", m.StoppedEarly),
		slog.Uint64("peak_memory_bytes", m.Memory.Peak),
		slog.Float64("duration_ms", float64(m.ProcessingTime.Milliseconds())),
	)
	return m, nil
}

// processLine は1行を解析・検証し、handlerに渡す。
// ストリームを中断すべき場合のみエラーを返す。
func (d *Decompressor) processLine(ctx context.Context, line []byte, lineNo int64, handler ItemHandler, validate Validator, m *model.ProcessingMetrics) error {
	m.TotalLines++

	item, err := decodeObject(line)
	if err != nil {
		m.ErrorLines++
		d.logger.Debug("JSONの解析に失敗しました",
			slog.Int64("line", lineNo),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if validate != nil && !validate(item) {
		m.ErrorLines++
		d.logger.Debug("検証に失敗した行をスキップします", slog.Int64("line", lineNo))
		return nil
	}
	m.ValidLines++

	if handler == nil {
		return nil
	}
	if err := handler(ctx, item, lineNo); err != nil {
		var ae *abortError
		if errors.As(err, &ae) {
			return ae.err
		}
		m.HandlerErrors++
		d.logger.Warn("アイテムハンドラーでエラーが発生しました",
			slog.Int64("line", lineNo),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (d *Decompressor) recordFailure(reason string) {
	if d.observer != nil {
		d.observer.RecordStreamFailed(reason)
	}
}

// decodeObject は1行をJSONオブジェクトとして解析する。
// 数値は精度を保つためjson.Numberのまま保持する。
func decodeObject(line []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var item map[string]any
	if err := dec.Decode(&item); err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errors.New("line is not a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return item, nil
}

// abortError はストリームの中断を要求するエラー。
type abortError struct {
	err error
}

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort はhandlerからストリームの中断を要求するためにerrをラップする。
// StreamDecompressはラップ元のerrをそのまま返す。
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// tailBuffer は書き込まれたデータの末尾のみを保持する。
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf))
}
