// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RecordKind はレコードの種別（投稿/コメント）を表す。
type RecordKind string

const (
	// KindSubmission は投稿（スレッドの起点）を表す。
	KindSubmission RecordKind = "submission"
	// KindComment はコメントを表す。
	KindComment RecordKind = "comment"
)

// Valid は既知の種別かどうかを返す。
func (k RecordKind) Valid() bool {
	return k == KindSubmission || k == KindComment
}

// SourceType はレコードの取得元を表す。
type SourceType string

const (
	// SourceArchive は圧縮アーカイブから抽出されたレコード。
	SourceArchive SourceType = "archive"
	// SourceAPIChronological は時系列APIから取得したレコード。
	SourceAPIChronological SourceType = "api-chronological"
	// SourceAPIKeyword はキーワード検索APIから取得したレコード。
	SourceAPIKeyword SourceType = "api-keyword"
	// SourceAPIOnDemand はオンデマンド取得したレコード。
	SourceAPIOnDemand SourceType = "api-on-demand"
)

// AllSourceTypes は既知の取得元をデフォルトの優先順で返す。
func AllSourceTypes() []SourceType {
	return []SourceType{SourceArchive, SourceAPIChronological, SourceAPIKeyword, SourceAPIOnDemand}
}

// Valid は既知の取得元かどうかを返す。
func (s SourceType) Valid() bool {
	switch s {
	case SourceArchive, SourceAPIChronological, SourceAPIKeyword, SourceAPIOnDemand:
		return true
	}
	return false
}

// IsAPI はAPI由来の取得元かどうかを返す。
func (s SourceType) IsAPI() bool {
	return s.Valid() && s != SourceArchive
}

// ParseSourceType は文字列から取得元を解析する。
func ParseSourceType(s string) (SourceType, error) {
	st := SourceType(strings.TrimSpace(strings.ToLower(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown source type: %q", s)
	}
	return st, nil
}

// ContentRecord はアーカイブまたはAPIから抽出された投稿/コメントを表す。
// CreatedUTC は取得元の生の値（整数・小数・数値文字列のいずれか）を保持し、
// 正規化は NormalizeTimestamp で行う。
type ContentRecord struct {
	ID         string      `json:"id"`
	Kind       RecordKind  `json:"kind"`
	Title      string      `json:"title,omitempty"`
	Body       string      `json:"body,omitempty"`
	Author     string      `json:"author,omitempty"`
	Subreddit  string      `json:"subreddit,omitempty"`
	CreatedUTC json.Number `json:"created_utc"`
	Score      int         `json:"score"`
	ParentID   string      `json:"parent_id,omitempty"`
	LinkID     string      `json:"link_id,omitempty"`
	Permalink  string      `json:"permalink,omitempty"`
}

// NormalizeTimestamp は生のタイムスタンプをUnix秒に正規化する。
// 整数、小数（切り捨て）、数値文字列を受け付け、0以下は不正とする。
func NormalizeTimestamp(raw json.Number) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return 0, fmt.Errorf("timestamp is empty")
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v <= 0 {
			return 0, fmt.Errorf("timestamp must be positive: %d", v)
		}
		return v, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("timestamp is not numeric: %q", s)
	}
	v := int64(f)
	if v <= 0 {
		return 0, fmt.Errorf("timestamp must be positive: %s", s)
	}
	return v, nil
}

// idPrefixes は取得元固有のID型プレフィックス（t1_〜t6_）。
var idPrefixes = []string{"t1_", "t2_", "t3_", "t4_", "t5_", "t6_"}

// NormalizeID はIDから型プレフィックスを除去し、前後の空白を取り除く。
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	for _, p := range idPrefixes {
		if strings.HasPrefix(id, p) {
			return id[len(p):]
		}
	}
	return id
}

// SourceMetadata はマージ時に各レコードへ付与される取得元情報。
// 生成後は変更しない。
type SourceMetadata struct {
	SourceType          SourceType `json:"source_type"`
	SourcePath          string     `json:"source_path"`
	CollectionTimestamp time.Time  `json:"collection_timestamp"`
	ProcessingBatchID   string     `json:"processing_batch_id"`
	OriginalID          string     `json:"original_id"`
	Permalink           string     `json:"permalink,omitempty"`
}

// IssueSeverity は検証問題の重大度。
type IssueSeverity string

const (
	// SeverityError は処理の継続を許さない問題。
	SeverityError IssueSeverity = "error"
	// SeverityWarning は記録のみ行う問題。
	SeverityWarning IssueSeverity = "warning"
)

// ValidationIssue はレコードまたはバッチの検証で見つかった問題。
type ValidationIssue struct {
	Field    string        `json:"field,omitempty"`
	Message  string        `json:"message"`
	Severity IssueSeverity `json:"severity"`
}

// MergedRecord はマージエンジンが生成する取得元付きレコード。
// 下流では読み取り専用として扱う。
type MergedRecord struct {
	Kind                RecordKind        `json:"kind"`
	Payload             ContentRecord     `json:"payload"`
	Source              SourceMetadata    `json:"source_metadata"`
	NormalizedTimestamp int64             `json:"normalized_timestamp"`
	IsValid             bool              `json:"is_valid"`
	ValidationIssues    []ValidationIssue `json:"validation_issues,omitempty"`
}

// GapType はカバレッジギャップの種別。
type GapType string

const (
	// GapMissingCoverage はどの取得元にもデータがない長い区間。
	GapMissingCoverage GapType = "missing-coverage"
	// GapSparseData は閾値をわずかに超える疎な区間。
	GapSparseData GapType = "sparse-data"
	// GapSourceTransition は取得元が切り替わる境界の区間。
	GapSourceTransition GapType = "source-transition"
)

// GapSeverity はギャップの重大度。
type GapSeverity string

const (
	GapSeverityLow    GapSeverity = "low"
	GapSeverityMedium GapSeverity = "medium"
	GapSeverityHigh   GapSeverity = "high"
)

// GapAnalysisResult はマージ結果の時系列で検出されたギャップ。
type GapAnalysisResult struct {
	GapType         GapType      `json:"gap_type"`
	Start           int64        `json:"start_timestamp"`
	End             int64        `json:"end_timestamp"`
	DurationHours   float64      `json:"duration_hours"`
	AffectedSources []SourceType `json:"affected_sources"`
	Severity        GapSeverity  `json:"severity"`
	Description     string       `json:"description"`
}
