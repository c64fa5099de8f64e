// Package config はアプリケーション全体の設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/archivepipe/internal/model"
)

// 既知のチェックポイントストア
const (
	CheckpointStoreMemory   = "memory"
	CheckpointStorePostgres = "postgres"
	CheckpointStoreRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Decompression
	DecompressTool       string
	DecompressArgs       []string
	DecompressMinVersion string

	// Batch sizing
	BatchSize           int
	MinBatchSize        int
	MaxBatchSize        int
	AdaptiveBatchSizing bool

	// Resources
	MaxMemoryUsageMB         int
	EnableResourceMonitoring bool
	MonitorInterval          time.Duration
	PressurePause            time.Duration

	// Checkpoints
	EnableCheckpoints       bool
	CheckpointIntervalLines int64
	CheckpointStore         string
	CheckpointRetentionDays int

	// Processing
	ProgressReportingInterval time.Duration
	ProcessingTimeout         time.Duration
	EstimatedBytesPerLine     int64
	MaxConcurrentJobs         int

	// Validation
	ValidationEnabled     bool
	ValidationSampleLines int

	// Merge
	MergeTimestampTolerance int64
	MergeGapThresholdHours  float64
	MergePriorityOrder      []model.SourceType

	// Duplicate detection
	DedupMaxTimeDifference int64
	DedupMaxBatchSize      int
	DedupMalformedStrategy string

	// Storage
	DatabaseURL string
	RedisAddr   string

	// Worker
	ArchiveInboxDir string
	ArchiveDoneDir  string
	OutputDir       string
	ScanInterval    time.Duration

	// Remote feeds
	FeedRequestsPerMinute int
	FeedFetchTimeout      time.Duration

	// Server
	ServerPort         string
	RateLimitPerMinute int

	// Logging
	LogLevel string
}

// fileConfig はCONFIG_FILEで指定されたYAMLファイルの内容。
// ここで指定した値は環境変数未設定時のデフォルトとして使われる。
type fileConfig struct {
	Decompress struct {
		Tool       string   `yaml:"tool"`
		Args       []string `yaml:"args"`
		MinVersion string   `yaml:"min_version"`
	} `yaml:"decompress"`
	Batch struct {
		Size     int   `yaml:"size"`
		Min      int   `yaml:"min"`
		Max      int   `yaml:"max"`
		Adaptive *bool `yaml:"adaptive"`
	} `yaml:"batch"`
	Resources struct {
		MaxMemoryUsageMB int    `yaml:"max_memory_usage_mb"`
		Monitoring       *bool  `yaml:"monitoring"`
		MonitorInterval  string `yaml:"monitor_interval"`
	} `yaml:"resources"`
	Checkpoints struct {
		Enabled       *bool  `yaml:"enabled"`
		IntervalLines int64  `yaml:"interval_lines"`
		Store         string `yaml:"store"`
	} `yaml:"checkpoints"`
	Validation struct {
		Enabled     *bool `yaml:"enabled"`
		SampleLines int   `yaml:"sample_lines"`
	} `yaml:"validation"`
	Merge struct {
		TimestampTolerance int64    `yaml:"timestamp_tolerance"`
		GapThresholdHours  float64  `yaml:"gap_detection_threshold"`
		PriorityOrder      []string `yaml:"priority_order"`
	} `yaml:"merge"`
	Dedup struct {
		MaxTimeDifferenceSeconds int64  `yaml:"max_time_difference_seconds"`
		MaxBatchSize             int    `yaml:"max_batch_size"`
		MalformedStrategy        string `yaml:"malformed_strategy"`
	} `yaml:"dedup"`
}

// Load は環境変数（およびCONFIG_FILEのYAML）からConfigを読み込む。
// 優先順位: 環境変数 > YAMLファイル > 組み込みデフォルト。
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.DecompressTool = getEnvString("DECOMPRESS_TOOL", orString(fc.Decompress.Tool, "zstd"))
	defaultArgs := []string{"-dc", "--long=31"}
	if len(fc.Decompress.Args) > 0 {
		defaultArgs = fc.Decompress.Args
	}
	cfg.DecompressArgs = getEnvFields("DECOMPRESS_ARGS", defaultArgs)
	cfg.DecompressMinVersion = getEnvString("DECOMPRESS_MIN_VERSION", orString(fc.Decompress.MinVersion, "1.4.0"))

	cfg.BatchSize = getEnvInt("BATCH_SIZE", orInt(fc.Batch.Size, 1000))
	cfg.MinBatchSize = getEnvInt("MIN_BATCH_SIZE", orInt(fc.Batch.Min, 100))
	cfg.MaxBatchSize = getEnvInt("MAX_BATCH_SIZE", orInt(fc.Batch.Max, 5000))
	cfg.AdaptiveBatchSizing = getEnvBool("ADAPTIVE_BATCH_SIZING", orBool(fc.Batch.Adaptive, true))

	cfg.MaxMemoryUsageMB = getEnvInt("MAX_MEMORY_USAGE_MB", orInt(fc.Resources.MaxMemoryUsageMB, 2048))
	cfg.EnableResourceMonitoring = getEnvBool("ENABLE_RESOURCE_MONITORING", orBool(fc.Resources.Monitoring, true))
	cfg.MonitorInterval = getEnvDuration("MONITOR_INTERVAL", orDuration(fc.Resources.MonitorInterval, 5*time.Second))
	cfg.PressurePause = getEnvDuration("PRESSURE_PAUSE", 500*time.Millisecond)

	cfg.EnableCheckpoints = getEnvBool("ENABLE_CHECKPOINTS", orBool(fc.Checkpoints.Enabled, true))
	cfg.CheckpointIntervalLines = getEnvInt64("CHECKPOINT_INTERVAL_LINES", orInt64(fc.Checkpoints.IntervalLines, 10000))
	cfg.CheckpointStore = strings.ToLower(getEnvString("CHECKPOINT_STORE", orString(fc.Checkpoints.Store, CheckpointStoreMemory)))
	cfg.CheckpointRetentionDays = getEnvInt("CHECKPOINT_RETENTION_DAYS", 30)

	cfg.ProgressReportingInterval = getEnvDuration("PROGRESS_REPORTING_INTERVAL", 30*time.Second)
	cfg.ProcessingTimeout = getEnvDuration("PROCESSING_TIMEOUT", 6*time.Hour)
	cfg.EstimatedBytesPerLine = getEnvInt64("ESTIMATED_BYTES_PER_LINE", 120)
	cfg.MaxConcurrentJobs = getEnvInt("MAX_CONCURRENT_JOBS", 2)

	cfg.ValidationEnabled = getEnvBool("VALIDATION_ENABLED", orBool(fc.Validation.Enabled, true))
	cfg.ValidationSampleLines = getEnvInt("VALIDATION_SAMPLE_LINES", orInt(fc.Validation.SampleLines, 100))

	cfg.MergeTimestampTolerance = getEnvInt64("MERGE_TIMESTAMP_TOLERANCE", orInt64(fc.Merge.TimestampTolerance, 1))
	cfg.MergeGapThresholdHours = getEnvFloat("MERGE_GAP_THRESHOLD_HOURS", orFloat(fc.Merge.GapThresholdHours, 4))
	defaultOrder := "archive,api-chronological,api-keyword,api-on-demand"
	if len(fc.Merge.PriorityOrder) > 0 {
		defaultOrder = strings.Join(fc.Merge.PriorityOrder, ",")
	}
	order, err := parsePriorityOrder(getEnvString("MERGE_PRIORITY_ORDER", defaultOrder))
	if err != nil {
		return nil, err
	}
	cfg.MergePriorityOrder = order

	cfg.DedupMaxTimeDifference = getEnvInt64("DEDUP_MAX_TIME_DIFFERENCE", orInt64(fc.Dedup.MaxTimeDifferenceSeconds, 3600))
	cfg.DedupMaxBatchSize = getEnvInt("DEDUP_MAX_BATCH_SIZE", orInt(fc.Dedup.MaxBatchSize, 10000))
	cfg.DedupMalformedStrategy = getEnvString("DEDUP_MALFORMED_STRATEGY", orString(fc.Dedup.MalformedStrategy, "pass-through"))

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	cfg.ArchiveInboxDir = getEnvString("ARCHIVE_INBOX_DIR", "./inbox")
	cfg.ArchiveDoneDir = os.Getenv("ARCHIVE_DONE_DIR")
	cfg.OutputDir = getEnvString("OUTPUT_DIR", "./out")
	cfg.ScanInterval = getEnvDuration("SCAN_INTERVAL", time.Minute)

	cfg.FeedRequestsPerMinute = getEnvInt("FEED_REQUESTS_PER_MINUTE", 30)
	cfg.FeedFetchTimeout = getEnvDuration("FEED_FETCH_TIMEOUT", 30*time.Second)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", 120)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
// バッチサイズの基準値は[MinBatchSize, MaxBatchSize]に丸める。
func (c *Config) Validate() error {
	if c.MinBatchSize <= 0 {
		return &model.ValidationError{Field: "MIN_BATCH_SIZE", Message: "must be positive"}
	}
	if c.MaxBatchSize < c.MinBatchSize {
		return &model.ValidationError{
			Field:   "MAX_BATCH_SIZE",
			Message: fmt.Sprintf("must be >= MIN_BATCH_SIZE (%d), got %d", c.MinBatchSize, c.MaxBatchSize),
		}
	}
	if c.BatchSize < c.MinBatchSize {
		c.BatchSize = c.MinBatchSize
	}
	if c.BatchSize > c.MaxBatchSize {
		c.BatchSize = c.MaxBatchSize
	}
	if c.MaxMemoryUsageMB <= 0 {
		return &model.ValidationError{Field: "MAX_MEMORY_USAGE_MB", Message: "must be positive"}
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.EstimatedBytesPerLine <= 0 {
		return &model.ValidationError{Field: "ESTIMATED_BYTES_PER_LINE", Message: "must be positive"}
	}

	switch c.CheckpointStore {
	case CheckpointStoreMemory:
	case CheckpointStorePostgres:
		if c.DatabaseURL == "" {
			return &model.ValidationError{Field: "DATABASE_URL", Message: "required when CHECKPOINT_STORE=postgres"}
		}
	case CheckpointStoreRedis:
		if c.RedisAddr == "" {
			return &model.ValidationError{Field: "REDIS_ADDR", Message: "required when CHECKPOINT_STORE=redis"}
		}
	default:
		return &model.ValidationError{Field: "CHECKPOINT_STORE", Message: fmt.Sprintf("unknown store %q", c.CheckpointStore)}
	}
	return nil
}

// MaxMemoryBytes はメモリ上限をバイト単位で返す。
func (c *Config) MaxMemoryBytes() uint64 {
	return uint64(c.MaxMemoryUsageMB) * 1024 * 1024
}

func parsePriorityOrder(s string) ([]model.SourceType, error) {
	var order []model.SourceType
	seen := make(map[model.SourceType]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		st, err := model.ParseSourceType(part)
		if err != nil {
			return nil, &model.ValidationError{Field: "MERGE_PRIORITY_ORDER", Message: err.Error()}
		}
		if seen[st] {
			continue
		}
		seen[st] = true
		order = append(order, st)
	}
	return order, nil
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orInt64(v, def int64) int64 {
	if v != 0 {
		return v
	}
	return def
}

func orFloat(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}

func orBool(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func orDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvFields(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return strings.Fields(v)
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
