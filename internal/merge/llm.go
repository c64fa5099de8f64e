package merge

import (
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

// LLMPost は下流の要約処理に渡す投稿。
type LLMPost struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Author    string `json:"author"`
	Subreddit string `json:"subreddit"`
	CreatedAt string `json:"created_at"`
	Score     int    `json:"score"`
	URL       string `json:"url,omitempty"`
	Source    string `json:"source"`
}

// LLMComment は下流の要約処理に渡すコメント。
type LLMComment struct {
	ID        string `json:"id"`
	PostID    string `json:"post_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Content   string `json:"content"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at"`
	Score     int    `json:"score"`
	Source    string `json:"source"`
}

// LLMMetadata はLLMInputの付加情報。
type LLMMetadata struct {
	BatchID         string         `json:"batch_id"`
	TotalItems      int            `json:"total_items"`
	SourceBreakdown map[string]int `json:"source_breakdown"`
	StartTime       string         `json:"start_time,omitempty"`
	EndTime         string         `json:"end_time,omitempty"`
}

// LLMInput は下流の要約処理の入力形式。
type LLMInput struct {
	Posts    []LLMPost    `json:"posts"`
	Comments []LLMComment `json:"comments"`
	Metadata LLMMetadata  `json:"metadata"`
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// ConvertToLLMInput はマージ結果を投稿とコメントの平坦な形式に変換する。
// 並び順はマージ結果の順序を保つ。
func ConvertToLLMInput(batch *TemporalMergeBatch) *LLMInput {
	out := &LLMInput{
		Posts:    []LLMPost{},
		Comments: []LLMComment{},
		Metadata: LLMMetadata{
			BatchID:         batch.BatchID,
			TotalItems:      batch.TotalItems,
			SourceBreakdown: make(map[string]int, len(batch.SourceBreakdown)),
		},
	}
	for s, n := range batch.SourceBreakdown {
		out.Metadata.SourceBreakdown[string(s)] = n
	}
	if batch.TotalItems > 0 {
		out.Metadata.StartTime = formatUnix(batch.TemporalRange.Earliest)
		out.Metadata.EndTime = formatUnix(batch.TemporalRange.Latest)
	}

	for _, r := range batch.MergedItems {
		p := r.Payload
		switch r.Kind {
		case model.KindSubmission:
			out.Posts = append(out.Posts, LLMPost{
				ID:        model.NormalizeID(p.ID),
				Title:     p.Title,
				Content:   p.Body,
				Author:    p.Author,
				Subreddit: p.Subreddit,
				CreatedAt: formatUnix(r.NormalizedTimestamp),
				Score:     p.Score,
				URL:       p.Permalink,
				Source:    string(r.Source.SourceType),
			})
		case model.KindComment:
			out.Comments = append(out.Comments, LLMComment{
				ID:        model.NormalizeID(p.ID),
				PostID:    model.NormalizeID(p.LinkID),
				ParentID:  model.NormalizeID(p.ParentID),
				Content:   p.Body,
				Author:    p.Author,
				CreatedAt: formatUnix(r.NormalizedTimestamp),
				Score:     p.Score,
				Source:    string(r.Source.SourceType),
			})
		}
	}
	return out
}
