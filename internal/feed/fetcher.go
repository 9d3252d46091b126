package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/security"
)

const (
	// DefaultTimeout はフィード取得のタイムアウトの既定値。
	DefaultTimeout = 10 * time.Second
	// DefaultMaxBodySize はレスポンス本文の上限の既定値。
	DefaultMaxBodySize = 5 * 1024 * 1024

	userAgent    = "inboxsync/1.0 (+feed refresh)"
	acceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.8, */*;q=0.5"
)

// YouTubeFeedURL はチャンネルIDからYouTubeのAtomフィードURLを組み立てる。
func YouTubeFeedURL(channelID string) string {
	return "https://www.youtube.com/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
}

// FeedURLForSource はサーバー側で取得できるソースのフィードURLを返す。
// RSSはconfigのfeed_url、なければproviderIdを使う。YouTubeはチャンネルフィードを使う。
func FeedURLForSource(src *model.Source) (string, error) {
	switch src.Provider {
	case model.ProviderRSS:
		var cfg struct {
			FeedURL string `json:"feed_url"`
		}
		if s := src.ConfigString(); s != "" {
			if err := json.Unmarshal([]byte(s), &cfg); err != nil {
				return "", model.NewValidationError("source config is not valid JSON")
			}
		}
		if cfg.FeedURL != "" {
			return cfg.FeedURL, nil
		}
		return src.ProviderID, nil
	case model.ProviderYouTube:
		return YouTubeFeedURL(src.ProviderID), nil
	default:
		return "", model.NewRefreshUnsupportedError(string(src.Provider))
	}
}

// Fetcher はフィードを取得してProviderItemに変換する。
type Fetcher struct {
	guard       security.URLGuard
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherを生成する。
func NewFetcher(guard security.URLGuard, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{guard: guard, logger: logger, timeout: timeout, maxBodySize: maxBodySize}
}

// FetchItems はfeedURLを取得してアイテムを返す。
// HTMLページが返った場合はheadのフィードリンクを1回だけたどる。
func (f *Fetcher) FetchItems(ctx context.Context, feedURL string) ([]model.ProviderItem, error) {
	start := time.Now()

	contentType, body, err := f.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	if !IsFeed(contentType, body) && IsHTML(contentType) {
		best := SelectBest(FindFeedLinks(body, feedURL), feedURL)
		if best == nil {
			return nil, model.NewFetchFailedError("no feed link found in " + feedURL)
		}
		f.logger.Info("HTMLからフィードを検出しました",
			slog.String("page_url", feedURL),
			slog.String("feed_url", best.URL),
		)
		feedURL = best.URL
		if _, body, err = f.get(ctx, feedURL); err != nil {
			return nil, err
		}
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		f.logger.Warn("フィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewFetchFailedError("unparseable feed: " + err.Error())
	}

	items := ConvertItems(parsed)
	f.logger.Info("フィードを取得しました",
		slog.String("feed_url", feedURL),
		slog.Int("items", len(items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return items, nil
}

// get はSSRF検証付きでGETし、Content-Typeと本文を返す。
func (f *Fetcher) get(ctx context.Context, rawURL string) (string, []byte, error) {
	if err := f.guard.ValidateURL(rawURL); err != nil {
		return "", nil, model.NewFetchFailedError(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, model.NewFetchFailedError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.guard.NewSafeClient(f.timeout).Do(req)
	if err != nil {
		return "", nil, transientFetchError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := model.NewFetchFailedError(fmt.Sprintf("HTTP %d from %s", resp.StatusCode, rawURL))
		apiErr.Details = map[string]any{
			"status":    resp.StatusCode,
			"retryable": RetryableStatus(resp.StatusCode),
		}
		return "", nil, apiErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return "", nil, model.NewFetchFailedError(err.Error())
	}
	return resp.Header.Get("Content-Type"), body, nil
}

// RetryableStatus は時間をおいて再取得すべきHTTPステータスかを返す。
// 429と5xxは再試行対象、404/410/401/403などは設定を見直すまで再試行しない。
func RetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// transientFetchError は接続失敗やタイムアウトのエラーを生成する。
func transientFetchError(reason string) *model.APIError {
	apiErr := model.NewFetchFailedError(reason)
	apiErr.Details = map[string]any{"retryable": true}
	return apiErr
}

// ConvertItems はgofeedのアイテムをProviderItemに変換する。
// IDを持たないアイテムは除外する。
func ConvertItems(feed *gofeed.Feed) []model.ProviderItem {
	items := make([]model.ProviderItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		id := strings.TrimSpace(it.GUID)
		if id == "" {
			id = strings.TrimSpace(it.Link)
		}
		if id == "" {
			continue
		}

		item := model.ProviderItem{
			ProviderItemID: id,
			ContentType:    contentTypeOf(it),
			CanonicalURL:   it.Link,
			Title:          it.Title,
			Summary:        it.Description,
			Publisher:      feed.Title,
			ThumbnailURL:   thumbnailOf(feed, it),
		}
		if item.CanonicalURL == "" && (strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://")) {
			item.CanonicalURL = id
		}
		if item.Summary == "" {
			item.Summary = mediaDescription(it)
		}
		if it.Author != nil {
			item.Author = it.Author.Name
		}
		if item.Author == "" && len(it.Authors) > 0 && it.Authors[0] != nil {
			item.Author = it.Authors[0].Name
		}
		if it.PublishedParsed != nil {
			t := it.PublishedParsed.UTC()
			item.PublishedAt = &t
		} else if it.UpdatedParsed != nil {
			t := it.UpdatedParsed.UTC()
			item.PublishedAt = &t
		}
		if it.ITunesExt != nil {
			if d, ok := parseDuration(it.ITunesExt.Duration); ok {
				item.DurationSeconds = &d
			}
		}
		items = append(items, item)
	}
	return items
}

func contentTypeOf(it *gofeed.Item) string {
	for _, enc := range it.Enclosures {
		if enc == nil {
			continue
		}
		switch {
		case strings.HasPrefix(enc.Type, "audio/"):
			if it.ITunesExt != nil {
				return string(model.ContentTypePodcast)
			}
			return string(model.ContentTypeAudio)
		case strings.HasPrefix(enc.Type, "video/"):
			return string(model.ContentTypeVideo)
		}
	}
	if _, ok := it.Extensions["yt"]; ok {
		return string(model.ContentTypeVideo)
	}
	return string(model.ContentTypeArticle)
}

// mediaGroup はYouTubeフィードのmedia:group要素の子を返す。
func mediaGroup(it *gofeed.Item, child string) string {
	media, ok := it.Extensions["media"]
	if !ok {
		return ""
	}
	for _, g := range media["group"] {
		for _, c := range g.Children[child] {
			if child == "thumbnail" {
				if u := c.Attrs["url"]; u != "" {
					return u
				}
				continue
			}
			if c.Value != "" {
				return c.Value
			}
		}
	}
	return ""
}

func mediaDescription(it *gofeed.Item) string {
	return mediaGroup(it, "description")
}

func thumbnailOf(feed *gofeed.Feed, it *gofeed.Item) string {
	if it.Image != nil && it.Image.URL != "" {
		return it.Image.URL
	}
	if it.ITunesExt != nil && it.ITunesExt.Image != "" {
		return it.ITunesExt.Image
	}
	if u := mediaGroup(it, "thumbnail"); u != "" {
		return u
	}
	if feed.ITunesExt != nil && feed.ITunesExt.Image != "" {
		return feed.ITunesExt.Image
	}
	return ""
}

// parseDuration はitunes:durationの「秒」「MM:SS」「HH:MM:SS」を秒に変換する。
func parseDuration(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	var total int64
	for _, part := range strings.Split(raw, ":") {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}
