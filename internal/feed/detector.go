// Package feed はRSS/Atom/YouTubeソースの取得と、取り込み用アイテムへの変換を提供する。
// 取得はアクターの外で行い、結果をingestに渡す。
package feed

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Kind はフィードの種類。
type Kind string

const (
	KindRSS  Kind = "rss"
	KindAtom Kind = "atom"
)

// Candidate はHTMLのheadから見つかったフィードリンク。
type Candidate struct {
	URL   string
	Kind  Kind
	Title string
}

var feedMediaTypes = map[string]bool{
	"application/rss+xml":   true,
	"application/atom+xml":  true,
	"application/feed+json": true,
}

var xmlMediaTypes = map[string]bool{
	"text/xml":        true,
	"application/xml": true,
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// IsFeed はContent-Typeと本文の先頭からフィードかどうかを判定する。
func IsFeed(contentType string, body []byte) bool {
	mt := mediaType(contentType)
	if feedMediaTypes[mt] {
		return true
	}
	if !xmlMediaTypes[mt] && mt != "" {
		return false
	}
	return looksLikeFeed(body)
}

// IsHTML はContent-TypeがHTMLかどうかを返す。
func IsHTML(contentType string) bool {
	return strings.Contains(mediaType(contentType), "html")
}

func looksLikeFeed(body []byte) bool {
	prefix := body
	if len(prefix) > 4096 {
		prefix = prefix[:4096]
	}
	s := strings.ToLower(string(prefix))
	if strings.Contains(s, "<rss") || strings.Contains(s, "<rdf:rdf") {
		return true
	}
	return strings.Contains(s, "<feed") && strings.Contains(s, "http://www.w3.org/2005/atom")
}

// FindFeedLinks はHTMLのheadにあるrel="alternate"のフィードリンクを返す。
// 相対URLはbaseURLで解決する。
func FindFeedLinks(body []byte, baseURL string) []Candidate {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var candidates []Candidate
	z := html.NewTokenizer(bytes.NewReader(body))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return candidates
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return candidates
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "head":
				inHead = true
				continue
			case "body":
				return candidates
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			var rel, typ, href, title string
			for {
				key, val, more := z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					typ = strings.ToLower(string(val))
				case "href":
					href = string(val)
				case "title":
					title = string(val)
				}
				if !more {
					break
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}

			var kind Kind
			switch typ {
			case "application/rss+xml":
				kind = KindRSS
			case "application/atom+xml":
				kind = KindAtom
			default:
				continue
			}
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			candidates = append(candidates, Candidate{URL: base.ResolveReference(ref).String(), Kind: kind, Title: title})
		}
	}
}

// SelectBest は候補から1つを選ぶ。同一ホスト、Atom、出現順の順に優先する。
func SelectBest(candidates []Candidate, pageURL string) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	host := hostOf(pageURL)
	best, bestScore := 0, -1
	for i, c := range candidates {
		score := 0
		if hostOf(c.URL) == host {
			score += 100
		}
		if c.Kind == KindAtom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return &candidates[best]
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
