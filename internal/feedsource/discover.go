package feedsource

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// FeedLink はHTMLのheadで告知されたフィード。
type FeedLink struct {
	URL   string
	Atom  bool
	Title string
}

var feedMediaTypes = []string{"application/rss+xml", "application/atom+xml"}

var xmlMediaTypes = []string{"text/xml", "application/xml"}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// IsFeed はContent-Typeと本文の先頭からRSS/Atom文書かを判定する。
// 汎用のXML型は本文のルート要素で判定する。
func IsFeed(contentType string, body []byte) bool {
	mt := mediaType(contentType)
	for _, ft := range feedMediaTypes {
		if mt == ft {
			return true
		}
	}
	xml := mt == ""
	for _, xt := range xmlMediaTypes {
		if mt == xt {
			xml = true
		}
	}
	if !xml || len(body) == 0 {
		return false
	}

	head := strings.ToLower(string(body[:min(len(body), 4096)]))
	switch {
	case strings.Contains(head, "<rss"), strings.Contains(head, "<rdf:rdf"):
		return true
	case strings.Contains(head, "<feed") && strings.Contains(head, "http://www.w3.org/2005/atom"):
		return true
	}
	return false
}

// IsHTML はContent-TypeがHTMLかを返す。
func IsHTML(contentType string) bool {
	return strings.Contains(mediaType(contentType), "html")
}

// DiscoverFeedLinks はHTMLのheadからrel="alternate"のフィードリンクを抽出する。
// 相対URLはbaseURLで解決する。
func DiscoverFeedLinks(body []byte, baseURL string) []FeedLink {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []FeedLink
	z := html.NewTokenizer(bytes.NewReader(body))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return links
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "head":
				inHead = true
				continue
			case "body":
				return links
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			var rel, typ, href, title string
			for more := true; more; {
				var k, v []byte
				k, v, more = z.TagAttr()
				switch strings.ToLower(string(k)) {
				case "rel":
					rel = strings.ToLower(string(v))
				case "type":
					typ = strings.ToLower(string(v))
				case "href":
					href = string(v)
				case "title":
					title = string(v)
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}
			if typ != "application/rss+xml" && typ != "application/atom+xml" {
				continue
			}
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, FeedLink{
				URL:   base.ResolveReference(ref).String(),
				Atom:  typ == "application/atom+xml",
				Title: title,
			})
		}
	}
}

// SelectFeed は候補から1件を選ぶ。同一ホスト、Atom、出現順の順に優先する。
func SelectFeed(links []FeedLink, pageURL string) (FeedLink, bool) {
	if len(links) == 0 {
		return FeedLink{}, false
	}
	host := hostOf(pageURL)
	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == host {
			score += 100
		}
		if l.Atom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return links[best], true
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
