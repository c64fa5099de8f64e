// Package contentpipe はアーカイブの生オブジェクトを ContentRecord に変換して出力する。
package contentpipe

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hitoshi/archivepipe/internal/model"
)

var (
	// ErrMissingID はIDのないオブジェクトを表す。
	ErrMissingID = errors.New("record has no id")
	// ErrUnknownKind は投稿ともコメントとも判定できないオブジェクトを表す。
	ErrUnknownKind = errors.New("record kind cannot be determined")
	// ErrMissingTimestamp は作成日時のないオブジェクトを表す。
	ErrMissingTimestamp = errors.New("record has no created_utc")
)

// DetectKind は生オブジェクトの種別を判定する。
func DetectKind(raw map[string]any) (model.RecordKind, error) {
	switch name := stringField(raw, "name"); {
	case strings.HasPrefix(name, "t3_"):
		return model.KindSubmission, nil
	case strings.HasPrefix(name, "t1_"):
		return model.KindComment, nil
	}
	if _, ok := raw["title"]; ok {
		return model.KindSubmission, nil
	}
	if _, ok := raw["selftext"]; ok {
		return model.KindSubmission, nil
	}
	_, hasBody := raw["body"]
	_, hasParent := raw["parent_id"]
	_, hasLink := raw["link_id"]
	if hasBody && (hasParent || hasLink) {
		return model.KindComment, nil
	}
	return "", ErrUnknownKind
}

// Extract は生オブジェクトから ContentRecord を取り出す。
func Extract(raw map[string]any) (model.ContentRecord, error) {
	kind, err := DetectKind(raw)
	if err != nil {
		return model.ContentRecord{}, err
	}
	id := stringField(raw, "id")
	if id == "" {
		id = stringField(raw, "name")
	}
	if model.NormalizeID(id) == "" {
		return model.ContentRecord{}, ErrMissingID
	}
	created, ok := numberField(raw, "created_utc")
	if !ok {
		return model.ContentRecord{}, ErrMissingTimestamp
	}

	rec := model.ContentRecord{
		ID:         id,
		Kind:       kind,
		Author:     stringField(raw, "author"),
		Subreddit:  stringField(raw, "subreddit"),
		CreatedUTC: created,
		Score:      intField(raw, "score"),
		Permalink:  stringField(raw, "permalink"),
	}
	switch kind {
	case model.KindSubmission:
		rec.Title = stringField(raw, "title")
		rec.Body = stringField(raw, "selftext")
	case model.KindComment:
		rec.Body = stringField(raw, "body")
		rec.ParentID = stringField(raw, "parent_id")
		rec.LinkID = stringField(raw, "link_id")
	}
	return rec, nil
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

// numberField は数値または数値文字列をjson.Numberとして返す。
func numberField(raw map[string]any, key string) (json.Number, bool) {
	switch v := raw[key].(type) {
	case json.Number:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return json.Number(strconv.FormatFloat(v, 'f', -1, 64)), true
	case string:
		s := strings.TrimSpace(v)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", false
		}
		return json.Number(s), true
	}
	return "", false
}

func intField(raw map[string]any, key string) int {
	n, ok := numberField(raw, key)
	if !ok {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := n.Float64(); err == nil {
		return int(f)
	}
	return 0
}

// Validate は行を下流に渡す前の最低限の形式チェック。
// 種別が判定でき、IDを持つオブジェクトのみを受け入れる。
func Validate(raw map[string]any) bool {
	if _, err := DetectKind(raw); err != nil {
		return false
	}
	return model.NormalizeID(stringField(raw, "id")) != "" || model.NormalizeID(stringField(raw, "name")) != ""
}

func describe(err error, raw map[string]any) string {
	return fmt.Sprintf("%v (id=%q)", err, stringField(raw, "id"))
}
