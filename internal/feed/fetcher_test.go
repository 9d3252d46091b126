package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/security"
)

// openGuard はテストサーバー（ループバック）への接続を許可する。
type openGuard struct{}

func (openGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
func (openGuard) ValidateURL(string) error { return nil }

const podcastRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
<channel>
  <title>Example Cast</title>
  <itunes:image href="https://example.com/cover.jpg"/>
  <item>
    <title>Episode 1</title>
    <link>https://example.com/ep1</link>
    <guid>ep-1</guid>
    <description>&lt;p&gt;First&lt;/p&gt;</description>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    <enclosure url="https://example.com/ep1.mp3" type="audio/mpeg" length="1"/>
    <itunes:duration>01:02:03</itunes:duration>
  </item>
  <item>
    <title>No id</title>
  </item>
</channel>
</rss>`

const youtubeAtom = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
  <title>Channel</title>
  <entry>
    <id>yt:video:abc123</id>
    <yt:videoId>abc123</yt:videoId>
    <title>Video</title>
    <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
    <author><name>Creator</name></author>
    <published>2024-01-02T03:04:05+00:00</published>
    <media:group>
      <media:thumbnail url="https://i.ytimg.com/vi/abc123/hqdefault.jpg" width="480" height="360"/>
      <media:description>About the video</media:description>
    </media:group>
  </entry>
</feed>`

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchItems_Podcast(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "inboxsync")
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, podcastRSS)
	})

	items, err := NewFetcher(openGuard{}, nil, time.Second, 0).FetchItems(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, items, 1)

	it := items[0]
	assert.Equal(t, "ep-1", it.ProviderItemID)
	assert.Equal(t, "podcast", it.ContentType)
	assert.Equal(t, "https://example.com/ep1", it.CanonicalURL)
	assert.Equal(t, "Example Cast", it.Publisher)
	assert.Equal(t, "https://example.com/cover.jpg", it.ThumbnailURL)
	require.NotNil(t, it.DurationSeconds)
	assert.Equal(t, int64(3723), *it.DurationSeconds)
	require.NotNil(t, it.PublishedAt)
	assert.Equal(t, 2006, it.PublishedAt.Year())
}

func TestFetchItems_YouTube(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=UTF-8")
		fmt.Fprint(w, youtubeAtom)
	})

	items, err := NewFetcher(openGuard{}, nil, time.Second, 0).FetchItems(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, items, 1)

	it := items[0]
	assert.Equal(t, "yt:video:abc123", it.ProviderItemID)
	assert.Equal(t, "video", it.ContentType)
	assert.Equal(t, "Creator", it.Author)
	assert.Equal(t, "About the video", it.Summary)
	assert.Equal(t, "https://i.ytimg.com/vi/abc123/hqdefault.jpg", it.ThumbnailURL)
}

func TestFetchItems_FollowsFeedLinkInHTML(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><link rel="alternate" type="application/rss+xml" href="/feed.xml"></head><body></body></html>`)
	})
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, podcastRSS)
	})
	srv := serve(t, mux.ServeHTTP)

	items, err := NewFetcher(openGuard{}, nil, time.Second, 0).FetchItems(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFetchItems_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"404", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"フィードリンクのないHTML", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><head><title>x</title></head><body></body></html>`)
		}},
		{"パース不能", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/rss+xml")
			fmt.Fprint(w, "not a feed")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.handler)
			_, err := NewFetcher(openGuard{}, nil, time.Second, 0).FetchItems(context.Background(), srv.URL)
			apiErr, ok := model.AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, model.ErrCodeFetchFailed, apiErr.Code)
		})
	}
}

func TestFetchItems_StatusRetryability(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusNotFound, false},
		{http.StatusGone, false},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := serve(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(tt.status) })
			_, err := NewFetcher(openGuard{}, nil, time.Second, 0).FetchItems(context.Background(), srv.URL)
			apiErr, ok := model.AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, tt.status, apiErr.Details["status"])
			assert.Equal(t, tt.retryable, apiErr.Details["retryable"])
		})
	}
}

func TestFetchItems_SSRFGuardBlocksLoopback(t *testing.T) {
	called := false
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := NewFetcher(security.NewSSRFGuard(), nil, time.Second, 0).FetchItems(context.Background(), srv.URL)
	apiErr, ok := model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeFetchFailed, apiErr.Code)
	assert.False(t, called)
}

func TestFeedURLForSource(t *testing.T) {
	tests := []struct {
		name    string
		src     model.Source
		want    string
		wantErr string
	}{
		{"RSSはproviderId", model.Source{Provider: model.ProviderRSS, ProviderID: "https://example.com/feed"}, "https://example.com/feed", ""},
		{"RSSはconfig優先", model.Source{Provider: model.ProviderRSS, ProviderID: "blog", Config: `{"feed_url":"https://example.com/atom"}`}, "https://example.com/atom", ""},
		{"YouTube", model.Source{Provider: model.ProviderYouTube, ProviderID: "UC1"}, "https://www.youtube.com/feeds/videos.xml?channel_id=UC1", ""},
		{"Gmailは非対応", model.Source{Provider: model.ProviderGmail, ProviderID: "label"}, "", model.ErrCodeRefreshUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FeedURLForSource(&tt.src)
			if tt.wantErr != "" {
				apiErr, ok := model.AsAPIError(err)
				require.True(t, ok)
				assert.Equal(t, tt.wantErr, apiErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetector(t *testing.T) {
	page := `<html><head>
<link rel="alternate" type="application/rss+xml" href="https://other.example.com/rss">
<link rel="alternate" type="application/atom+xml" href="/atom.xml" title="Atom">
<link rel="stylesheet" href="/style.css">
</head><body><link rel="alternate" type="application/rss+xml" href="/ignored"></body></html>`

	candidates := FindFeedLinks([]byte(page), "https://blog.example.com/post/1")
	require.Len(t, candidates, 2)
	assert.Equal(t, "https://blog.example.com/atom.xml", candidates[1].URL)

	best := SelectBest(candidates, "https://blog.example.com/post/1")
	require.NotNil(t, best)
	assert.Equal(t, KindAtom, best.Kind)
	assert.Nil(t, SelectBest(nil, "https://blog.example.com"))

	assert.True(t, IsFeed("application/atom+xml", nil))
	assert.True(t, IsFeed("text/xml", []byte(`<?xml version="1.0"?><rss version="2.0">`)))
	assert.False(t, IsFeed("text/xml", []byte(`<note/>`)))
	assert.False(t, IsFeed("text/html", []byte(strings.Repeat("<rss", 2))))
}

func TestParseDuration(t *testing.T) {
	for raw, want := range map[string]int64{"90": 90, "01:30": 90, "1:00:00": 3600} {
		got, ok := parseDuration(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := parseDuration("abc")
	assert.False(t, ok)
}
