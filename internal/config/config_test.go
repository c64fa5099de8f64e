package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.DecompressTool != "zstd" {
		t.Errorf("DecompressTool = %q, want %q", cfg.DecompressTool, "zstd")
	}
	if !reflect.DeepEqual(cfg.DecompressArgs, []string{"-dc", "--long=31"}) {
		t.Errorf("DecompressArgs = %v, want [-dc --long=31]", cfg.DecompressArgs)
	}
	if cfg.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, 1000)
	}
	if cfg.MinBatchSize != 100 {
		t.Errorf("MinBatchSize = %d, want %d", cfg.MinBatchSize, 100)
	}
	if cfg.MaxBatchSize != 5000 {
		t.Errorf("MaxBatchSize = %d, want %d", cfg.MaxBatchSize, 5000)
	}
	if !cfg.AdaptiveBatchSizing || !cfg.EnableCheckpoints || !cfg.EnableResourceMonitoring {
		t.Error("adaptive sizing, checkpoints, resource monitoring はデフォルトで有効であるべき")
	}
	if cfg.ProcessingTimeout != 6*time.Hour {
		t.Errorf("ProcessingTimeout = %v, want %v", cfg.ProcessingTimeout, 6*time.Hour)
	}
	if cfg.CheckpointStore != CheckpointStoreMemory {
		t.Errorf("CheckpointStore = %q, want %q", cfg.CheckpointStore, CheckpointStoreMemory)
	}
	if cfg.DedupMaxTimeDifference != 3600 {
		t.Errorf("DedupMaxTimeDifference = %d, want 3600", cfg.DedupMaxTimeDifference)
	}
	if cfg.DedupMalformedStrategy != "pass-through" {
		t.Errorf("DedupMalformedStrategy = %q, want pass-through", cfg.DedupMalformedStrategy)
	}
	want := model.AllSourceTypes()
	if !reflect.DeepEqual(cfg.MergePriorityOrder, want) {
		t.Errorf("MergePriorityOrder = %v, want %v", cfg.MergePriorityOrder, want)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want %q", cfg.ServerPort, "8080")
	}
}

func TestLoad_CustomEnvValues(t *testing.T) {
	t.Setenv("BATCH_SIZE", "300")
	t.Setenv("MIN_BATCH_SIZE", "50")
	t.Setenv("MAX_BATCH_SIZE", "400")
	t.Setenv("DECOMPRESS_ARGS", "-d -c")
	t.Setenv("ADAPTIVE_BATCH_SIZING", "false")
	t.Setenv("PROCESSING_TIMEOUT", "90m")
	t.Setenv("MERGE_PRIORITY_ORDER", "api-chronological, archive")
	t.Setenv("MERGE_GAP_THRESHOLD_HOURS", "2.5")
	t.Setenv("ARCHIVE_DONE_DIR", "/data/archived")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.BatchSize != 300 || cfg.MinBatchSize != 50 || cfg.MaxBatchSize != 400 {
		t.Errorf("batch sizes = %d/%d/%d, want 300/50/400", cfg.BatchSize, cfg.MinBatchSize, cfg.MaxBatchSize)
	}
	if !reflect.DeepEqual(cfg.DecompressArgs, []string{"-d", "-c"}) {
		t.Errorf("DecompressArgs = %v", cfg.DecompressArgs)
	}
	if cfg.AdaptiveBatchSizing {
		t.Error("AdaptiveBatchSizing = true, want false")
	}
	if cfg.ProcessingTimeout != 90*time.Minute {
		t.Errorf("ProcessingTimeout = %v, want 90m", cfg.ProcessingTimeout)
	}
	wantOrder := []model.SourceType{model.SourceAPIChronological, model.SourceArchive}
	if !reflect.DeepEqual(cfg.MergePriorityOrder, wantOrder) {
		t.Errorf("MergePriorityOrder = %v, want %v", cfg.MergePriorityOrder, wantOrder)
	}
	if cfg.MergeGapThresholdHours != 2.5 {
		t.Errorf("MergeGapThresholdHours = %v, want 2.5", cfg.MergeGapThresholdHours)
	}
	if cfg.ArchiveDoneDir != "/data/archived" {
		t.Errorf("ArchiveDoneDir = %q, want /data/archived", cfg.ArchiveDoneDir)
	}
}

func TestLoad_InvalidNumberFallsBackToDefault(t *testing.T) {
	t.Setenv("BATCH_SIZE", "not-a-number")
	t.Setenv("ENABLE_CHECKPOINTS", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want default 1000", cfg.BatchSize)
	}
	if !cfg.EnableCheckpoints {
		t.Error("不正なbool値はデフォルト(true)にフォールバックするべき")
	}
}

func TestLoad_ClampsBaseBatchSizeIntoBounds(t *testing.T) {
	t.Setenv("BATCH_SIZE", "9000")
	t.Setenv("MAX_BATCH_SIZE", "2000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.BatchSize != 2000 {
		t.Errorf("BatchSize = %d, want clamped 2000", cfg.BatchSize)
	}
}

func TestLoad_RejectsInvertedBounds(t *testing.T) {
	t.Setenv("MIN_BATCH_SIZE", "500")
	t.Setenv("MAX_BATCH_SIZE", "100")

	_, err := Load()
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "MAX_BATCH_SIZE" {
		t.Errorf("Field = %q, want MAX_BATCH_SIZE", ve.Field)
	}
}

func TestLoad_UnknownPriorityOrderSource(t *testing.T) {
	t.Setenv("MERGE_PRIORITY_ORDER", "archive,carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("未知の取得元を含む優先順はエラーになるべき")
	}
}

func TestLoad_PostgresStoreRequiresDatabaseURL(t *testing.T) {
	t.Setenv("CHECKPOINT_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("DATABASE_URL未設定のpostgresストアはエラーになるべき")
	}

	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/archivepipe?sslmode=disable")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CheckpointStore != CheckpointStorePostgres {
		t.Errorf("CheckpointStore = %q", cfg.CheckpointStore)
	}
}

func TestLoad_YAMLFileProvidesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archivepipe.yaml")
	content := `
decompress:
  tool: pzstd
  args: ["-d", "-c"]
batch:
  size: 800
  min: 200
  max: 1600
  adaptive: false
merge:
  gap_detection_threshold: 8
  priority_order: [api-on-demand, archive]
dedup:
  max_time_difference_seconds: 120
  malformed_strategy: skip
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	// 環境変数はYAMLより優先される
	t.Setenv("BATCH_SIZE", "1000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.DecompressTool != "pzstd" {
		t.Errorf("DecompressTool = %q, want pzstd", cfg.DecompressTool)
	}
	if cfg.MinBatchSize != 200 || cfg.MaxBatchSize != 1600 {
		t.Errorf("bounds = %d/%d, want 200/1600", cfg.MinBatchSize, cfg.MaxBatchSize)
	}
	if cfg.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want env value 1000", cfg.BatchSize)
	}
	if cfg.AdaptiveBatchSizing {
		t.Error("AdaptiveBatchSizing should come from YAML (false)")
	}
	if cfg.MergeGapThresholdHours != 8 {
		t.Errorf("MergeGapThresholdHours = %v, want 8", cfg.MergeGapThresholdHours)
	}
	wantOrder := []model.SourceType{model.SourceAPIOnDemand, model.SourceArchive}
	if !reflect.DeepEqual(cfg.MergePriorityOrder, wantOrder) {
		t.Errorf("MergePriorityOrder = %v, want %v", cfg.MergePriorityOrder, wantOrder)
	}
	if cfg.DedupMaxTimeDifference != 120 || cfg.DedupMalformedStrategy != "skip" {
		t.Errorf("dedup = %d/%q, want 120/skip", cfg.DedupMaxTimeDifference, cfg.DedupMalformedStrategy)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("存在しないCONFIG_FILEはエラーになるべき")
	}
}

func TestMaxMemoryBytes(t *testing.T) {
	cfg := &Config{MaxMemoryUsageMB: 3}
	if got := cfg.MaxMemoryBytes(); got != 3*1024*1024 {
		t.Errorf("MaxMemoryBytes = %d, want %d", got, 3*1024*1024)
	}
}
