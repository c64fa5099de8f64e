package linestream

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hitoshi/archivepipe/internal/logger"
	"github.com/hitoshi/archivepipe/internal/model"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"zstd", "*** Zstandard CLI (64-bit) v1.5.5, by Yann Collet ***", "1.5.5"},
		{"no prefix", "pzstd version 1.4.9", "1.4.9"},
		{"none", "unknown tool", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseVersion(tt.output); got != tt.want {
				t.Errorf("ParseVersion(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}

func TestCheckTool_MissingTool(t *testing.T) {
	d := NewDecompressor(filepath.Join(t.TempDir(), "zstd-missing"), nil, "1.4.0", logger.Discard(), nil)

	_, err := d.CheckTool(context.Background())
	var ce *model.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if ce.Code != model.ErrCodeToolMissing {
		t.Errorf("Code = %q, want %q", ce.Code, model.ErrCodeToolMissing)
	}
}

func TestCheckTool_VersionTooOld(t *testing.T) {
	requireTool(t, "sh")
	dir := t.TempDir()
	script := filepath.Join(dir, "fakezstd")
	writeExecutable(t, script, "#!/bin/sh\necho '*** Zstandard CLI (64-bit) v1.3.8 ***'\n")

	d := NewDecompressor(script, nil, "1.4.0", logger.Discard(), nil)
	info, err := d.CheckTool(context.Background())
	var ce *model.ConfigError
	if !errors.As(err, &ce) || ce.Code != model.ErrCodeToolVersion {
		t.Fatalf("expected TOOL_VERSION error, got %v", err)
	}
	if info == nil || info.Version != "1.3.8" {
		t.Errorf("info = %+v, want version 1.3.8", info)
	}
}

func TestCheckTool_AcceptsNewerVersion(t *testing.T) {
	requireTool(t, "sh")
	script := filepath.Join(t.TempDir(), "fakezstd")
	writeExecutable(t, script, "#!/bin/sh\necho 'v1.10.0'\n")

	d := NewDecompressor(script, nil, "1.4.0", logger.Discard(), nil)
	info, err := d.CheckTool(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Version != "1.10.0" {
		t.Errorf("Version = %q, want 1.10.0", info.Version)
	}
}
