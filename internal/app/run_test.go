package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/archivepipe/internal/contentpipe"
	"github.com/hitoshi/archivepipe/internal/merge"
	"github.com/hitoshi/archivepipe/internal/model"
)

const apiFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>newest submissions : golang</title>
  <link rel="self" href="https://example.com/r/golang/new/.rss"/>
  <id>/r/golang/new/.rss</id>
  <updated>2024-01-01T12:00:00+00:00</updated>
  <entry>
    <author><name>/u/gopher</name></author>
    <category term="golang"/>
    <id>t3_abc</id>
    <published>2024-01-01T10:00:00+00:00</published>
    <title>First post</title>
  </entry>
  <entry>
    <author><name>/u/newcomer</name></author>
    <category term="golang"/>
    <id>t3_new</id>
    <published>2024-01-01T10:30:00+00:00</published>
    <title>Later post</title>
  </entry>
</feed>`

func setTestEnv(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("CHECKPOINT_STORE", "memory")
	t.Setenv("OUTPUT_DIR", dir)
	t.Setenv("ARCHIVE_INBOX_DIR", dir)
	t.Setenv("LOG_LEVEL", "debug")
}

// writeHistorical はアーカイブ取り込み結果をOUTPUT_DIRに用意する。
func writeHistorical(t *testing.T, dir, jobID string) {
	t.Helper()
	sink, err := contentpipe.NewNDJSONSink(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := sink.Write(ctx, jobID, model.KindSubmission, []model.ContentRecord{
		{ID: "t3_abc", Kind: model.KindSubmission, Title: "First post", Author: "gopher", Subreddit: "golang", CreatedUTC: "1704102000"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Write(ctx, jobID, model.KindComment, []model.ContentRecord{
		{ID: "t1_h1", Kind: model.KindComment, Body: "hi", Author: "replier", LinkID: "t3_abc", ParentID: "t3_abc", CreatedUTC: "1704104000"},
	}); err != nil {
		t.Fatal(err)
	}
}

// TestRun_Merge_WritesDeduplicatedOutput はマージと重複除外の結果が出力されることを検証する。
func TestRun_Merge_WritesDeduplicatedOutput(t *testing.T) {
	dir := t.TempDir()
	setTestEnv(t, dir)
	writeHistorical(t, dir, "job-1")

	feedPath := filepath.Join(t.TempDir(), "feed.xml")
	if err := os.WriteFile(feedPath, []byte(apiFeed), 0o644); err != nil {
		t.Fatal(err)
	}
	outPath := filepath.Join(t.TempDir(), "merged.json")

	var buf bytes.Buffer
	err := Run(&buf, []string{"merge", "--job", "job-1", "--feed", feedPath, "--out", outPath})
	if err != nil {
		t.Fatalf("Run(merge): %v\nlogs: %s", err, buf.String())
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var out merge.LLMInput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}

	// APIから再取得したt3_abcは除外され、アーカイブ側が残る
	if len(out.Posts) != 2 {
		t.Fatalf("posts = %+v, want 2", out.Posts)
	}
	if out.Posts[0].ID != "abc" || out.Posts[0].Source != string(model.SourceArchive) {
		t.Errorf("first post = %+v, want archive abc", out.Posts[0])
	}
	if out.Posts[1].ID != "new" || out.Posts[1].Source != string(model.SourceAPIChronological) {
		t.Errorf("second post = %+v, want api new", out.Posts[1])
	}
	if len(out.Comments) != 1 || out.Comments[0].PostID != "abc" {
		t.Errorf("comments = %+v", out.Comments)
	}
	if out.Metadata.TotalItems != 3 {
		t.Errorf("metadata.total_items = %d, want 3", out.Metadata.TotalItems)
	}

	// 内訳は重複除外後のアイテムから数え直される
	wantBreakdown := map[string]int{
		string(model.SourceArchive):          2,
		string(model.SourceAPIChronological): 1,
	}
	sum := 0
	for src, n := range out.Metadata.SourceBreakdown {
		sum += n
		if wantBreakdown[src] != n {
			t.Errorf("source_breakdown[%s] = %d, want %d", src, n, wantBreakdown[src])
		}
	}
	if sum != out.Metadata.TotalItems {
		t.Errorf("source_breakdown sums to %d, want total_items %d", sum, out.Metadata.TotalItems)
	}
}

// TestRun_Merge_SkipDedupKeepsAll は重複除外を無効にした場合に全件出力されることを検証する。
func TestRun_Merge_SkipDedupKeepsAll(t *testing.T) {
	dir := t.TempDir()
	setTestEnv(t, dir)
	writeHistorical(t, dir, "job-1")

	feedPath := filepath.Join(t.TempDir(), "feed.xml")
	if err := os.WriteFile(feedPath, []byte(apiFeed), 0o644); err != nil {
		t.Fatal(err)
	}
	outPath := filepath.Join(t.TempDir(), "merged.json")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"merge", "--job", "job-1", "--feed", feedPath, "--out", outPath, "--skip-dedup"}); err != nil {
		t.Fatalf("Run(merge): %v", err)
	}
	raw, _ := os.ReadFile(outPath)
	var out merge.LLMInput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.Posts) != 3 {
		t.Errorf("posts = %d, want 3", len(out.Posts))
	}
}

// TestRun_Merge_ArgumentErrors は不正な引数でエラーを返すことを検証する。
func TestRun_Merge_ArgumentErrors(t *testing.T) {
	dir := t.TempDir()
	setTestEnv(t, dir)

	tests := []struct {
		name string
		args []string
	}{
		{"必須オプションなし", []string{"merge"}},
		{"API以外の取得元", []string{"merge", "--job", "j", "--feed", "f.xml", "--source-type", "archive"}},
		{"未知の取得元", []string{"merge", "--job", "j", "--feed", "f.xml", "--source-type", "bogus"}},
		{"存在しないジョブ", []string{"merge", "--job", "missing", "--feed", "f.xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Run(&buf, tt.args); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// TestRun_Process_RequiresFiles はファイル指定なしでエラーを返すことを検証する。
func TestRun_Process_RequiresFiles(t *testing.T) {
	setTestEnv(t, t.TempDir())

	var buf bytes.Buffer
	err := Run(&buf, []string{"process"})
	if err == nil || !strings.Contains(err.Error(), "at least one archive") {
		t.Errorf("err = %v, want missing files error", err)
	}
}

// TestRun_Check_MissingTool は展開ツールがない場合に設定エラーを返すことを検証する。
func TestRun_Check_MissingTool(t *testing.T) {
	setTestEnv(t, t.TempDir())
	t.Setenv("DECOMPRESS_TOOL", "archivepipe-no-such-tool")

	var buf bytes.Buffer
	err := Run(&buf, []string{"check"})
	var ce *model.ConfigError
	if !errors.As(err, &ce) || ce.Code != model.ErrCodeToolMissing {
		t.Errorf("err = %v, want TOOL_MISSING", err)
	}
}

// TestRun_Migrate_RequiresDatabaseURL はDATABASE_URL未設定でエラーを返すことを検証する。
func TestRun_Migrate_RequiresDatabaseURL(t *testing.T) {
	setTestEnv(t, t.TempDir())

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err == nil {
		t.Fatal("Run(migrate) without DATABASE_URL should return error")
	}
}

// TestRun_Worker_InvalidStore は不正なチェックポイントストア指定で起動しないことを検証する。
func TestRun_Worker_InvalidStore(t *testing.T) {
	setTestEnv(t, t.TempDir())
	t.Setenv("CHECKPOINT_STORE", "postgres")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"worker"}); err == nil {
		t.Fatal("Run(worker) with postgres store and no DATABASE_URL should return error")
	}
}

// TestRun_Healthcheck_NoServer はサーバー未起動時にエラーを返すことを検証する。
func TestRun_Healthcheck_NoServer(t *testing.T) {
	t.Setenv("SERVER_PORT", "1")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err == nil {
		t.Fatal("healthcheck against closed port should fail")
	}
}
