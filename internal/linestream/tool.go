package linestream

import (
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/hitoshi/archivepipe/internal/model"
)

// バージョン確認コマンドのタイムアウト
const versionCheckTimeout = 10 * time.Second

var versionPattern = regexp.MustCompile(`v?(\d+)\.(\d+)\.(\d+)`)

// ToolInfo は展開ツールの検出結果。
type ToolInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version"`
}

// CheckTool は展開ツールがインストールされているかを確認し、バージョンを返す。
// 未インストールや最小バージョン未満は設定エラーとして扱う。
func (d *Decompressor) CheckTool(ctx context.Context) (*ToolInfo, error) {
	path, err := exec.LookPath(d.tool)
	if err != nil {
		return nil, model.NewToolMissingError(d.tool, err)
	}

	info := &ToolInfo{Name: d.tool, Path: path}

	checkCtx, cancel := context.WithTimeout(ctx, versionCheckTimeout)
	defer cancel()
	out, err := exec.CommandContext(checkCtx, path, "--version").CombinedOutput()
	if err != nil {
		d.logger.Warn("展開ツールのバージョン取得に失敗しました",
			slog.String("tool", d.tool),
			slog.String("error", err.Error()),
		)
	}
	info.Version = ParseVersion(string(out))

	if d.minVersion == "" {
		return info, nil
	}
	if info.Version == "" || semver.Compare("v"+info.Version, "v"+strings.TrimPrefix(d.minVersion, "v")) < 0 {
		return info, model.NewToolVersionError(d.tool, info.Version, d.minVersion)
	}

	d.logger.Info("展開ツールを確認しました",
		slog.String("tool", d.tool),
		slog.String("path", path),
		slog.String("version", info.Version),
	)
	return info, nil
}

// ParseVersion は--versionの出力からメジャー.マイナー.パッチを抽出する。
// 見つからない場合は空文字列を返す。
func ParseVersion(output string) string {
	m := versionPattern.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return m[1] + "." + m[2] + "." + m[3]
}
