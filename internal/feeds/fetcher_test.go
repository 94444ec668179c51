package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/mmcdole/gofeed"
)

func newTestRepos(t *testing.T) *storage.Repositories {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return storage.NewRepositories(db)
}

func writeOPML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feeds.opml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write OPML: %v", err)
	}
	return path
}

func TestImportOPML(t *testing.T) {
	repos := newTestRepos(t)

	opml := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <body>
    <outline text="Tech" title="Tech Blog" type="rss" xmlUrl="https://example.com/tech.xml" htmlUrl="https://example.com/tech"/>
    <outline text="News" title="News Feed" type="rss" xmlUrl="https://example.com/news.xml" htmlUrl="https://example.com/news"/>
  </body>
</opml>`

	result, err := ImportOPML(context.Background(), writeOPML(t, opml), 1, repos.Subscriptions, time.Now())
	if err != nil {
		t.Fatalf("ImportOPML failed: %v", err)
	}
	if result.Added != 2 {
		t.Errorf("expected 2 added, got %d", result.Added)
	}

	subs, err := repos.Subscriptions.ListForUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	if subs[0].CustomName != "Tech Blog" {
		t.Errorf("title should win over text: got %q", subs[0].CustomName)
	}
}

func TestImportOPML_NestedFolders(t *testing.T) {
	repos := newTestRepos(t)

	opml := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <body>
    <outline text="Technology">
      <outline text="Security">
        <outline text="Krebs" type="rss" xmlUrl="https://example.com/krebs.xml"/>
      </outline>
      <outline text="Dev" type="rss" xmlUrl="https://github.com/golang/go/releases.atom"/>
    </outline>
    <outline text="Top Level" type="rss" xmlUrl="https://example.com/top.xml"/>
  </body>
</opml>`

	if _, err := ImportOPML(context.Background(), writeOPML(t, opml), 1, repos.Subscriptions, time.Now()); err != nil {
		t.Fatalf("ImportOPML failed: %v", err)
	}

	subs, _ := repos.Subscriptions.ListForUser(context.Background(), 1)
	if len(subs) != 3 {
		t.Fatalf("expected 3 subscriptions from nested OPML, got %d", len(subs))
	}
	if subs[1].Platform != "github" {
		t.Errorf("platform: got %q, want github", subs[1].Platform)
	}
}

func TestImportOPML_DuplicateFeeds(t *testing.T) {
	repos := newTestRepos(t)

	opml := `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <body>
    <outline text="Feed A" type="rss" xmlUrl="https://example.com/a.xml"/>
  </body>
</opml>`

	path := writeOPML(t, opml)
	for i := 0; i < 2; i++ {
		if _, err := ImportOPML(context.Background(), path, 1, repos.Subscriptions, time.Now()); err != nil {
			t.Fatalf("ImportOPML %d failed: %v", i, err)
		}
	}

	subs, _ := repos.Subscriptions.ListForUser(context.Background(), 1)
	if len(subs) != 1 {
		t.Errorf("expected 1 subscription after duplicate import, got %d", len(subs))
	}
}

func TestImportOPML_MissingFile(t *testing.T) {
	repos := newTestRepos(t)
	if _, err := ImportOPML(context.Background(), "/nonexistent/feeds.opml", 1, repos.Subscriptions, time.Now()); err == nil {
		t.Fatal("expected error for missing OPML file, got nil")
	}
}

// --- Conditional fetch tests ---

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <link>https://example.com</link>
    <item>
      <guid>item-1</guid>
      <title>Test Article</title>
      <link>https://example.com/1</link>
      <description>Hello world</description>
    </item>
  </channel>
</rss>`

func newTestFetcher() *Fetcher {
	return NewFetcher(Options{Timeout: 2 * time.Second, MaxRetries: 2, RetryBackoff: time.Millisecond, MaxMediaItems: 10})
}

func TestFetchConditional304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc123"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		t.Error("expected If-None-Match header")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result, err := newTestFetcher().Fetch(context.Background(), storage.Subscription{URL: srv.URL, ETag: `"abc123"`})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !result.NotModified {
		t.Error("expected NotModified=true")
	}
	if len(result.Entries) != 0 {
		t.Error("expected no entries on 304")
	}
}

func TestFetchConditionalLastModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") == "Mon, 17 Feb 2026 00:00:00 GMT" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		t.Error("expected If-Modified-Since header")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := storage.Subscription{URL: srv.URL, LastModified: "Mon, 17 Feb 2026 00:00:00 GMT"}
	result, err := newTestFetcher().Fetch(context.Background(), sub)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !result.NotModified {
		t.Error("expected NotModified=true")
	}
}

func TestFetchReturnsValidators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"new-etag"`)
		w.Header().Set("Last-Modified", "Mon, 17 Feb 2026 12:00:00 GMT")
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	result, err := newTestFetcher().Fetch(context.Background(), storage.Subscription{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.NotModified {
		t.Error("expected NotModified=false for 200")
	}
	if len(result.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(result.Entries))
	}
	e := result.Entries[0]
	if e.Title != "Test Article" || e.Link != "https://example.com/1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Author != "Test Feed" {
		t.Errorf("author should fall back to feed title, got %q", e.Author)
	}
	if result.ETag != `"new-etag"` {
		t.Errorf("etag=%q, want \"new-etag\"", result.ETag)
	}
	if result.LastModified != "Mon, 17 Feb 2026 12:00:00 GMT" {
		t.Errorf("last-modified=%q", result.LastModified)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, testRSS)
	}))
	defer srv.Close()

	result, err := newTestFetcher().Fetch(context.Background(), storage.Subscription{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(result.Entries))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), storage.Subscription{URL: srv.URL})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("404 should not be retried, got %d requests", got)
	}
}

func TestFetchParseErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "this is not a feed")
	}))
	defer srv.Close()

	if _, err := newTestFetcher().Fetch(context.Background(), storage.Subscription{URL: srv.URL}); err == nil {
		t.Fatal("expected parse error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("parse errors should not be retried, got %d requests", got)
	}
}

func TestNormalizeMedia(t *testing.T) {
	now := time.Now()
	feed := &gofeed.Feed{
		Title: "Bili Feed",
		Link:  "https://rsshub.app/bilibili/user/video/2267573",
		Items: []*gofeed.Item{
			{
				Title:           "  Episode <b>1</b> ",
				Link:            "https://www.bilibili.com/video/BV1",
				Description:     `<p>Watch &amp; enjoy</p><img src="https://i0.hdslb.com/a.jpg" alt="cover"><iframe src="//player.bilibili.com/player.html?bvid=BV1"></iframe><img src="https://i0.hdslb.com/a.jpg">`,
				PublishedParsed: &now,
			},
			{
				Title:       "Plain",
				Link:        "https://example.org/plain",
				Description: "just text",
				Author:      &gofeed.Person{Name: "Alice"},
			},
		},
	}

	entries := Normalize(feed, 100, 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	e := entries[0]
	if e.Title != "Episode 1" {
		t.Errorf("title: got %q", e.Title)
	}
	if e.DescriptionText != "Watch & enjoy" {
		t.Errorf("description_text: got %q", e.DescriptionText)
	}
	if len(e.Media) != 2 {
		t.Fatalf("expected 2 media items (duplicate image dropped), got %+v", e.Media)
	}
	if e.Media[1].Type != MediaVideo || e.Media[1].URL != "https://player.bilibili.com/player.html?bvid=BV1" {
		t.Errorf("unexpected video item: %+v", e.Media[1])
	}
	if e.ContentType != ContentTypeVideo {
		t.Errorf("content_type: got %q, want video", e.ContentType)
	}
	if e.CoverImage != "https://i0.hdslb.com/a.jpg" {
		t.Errorf("cover_image: got %q", e.CoverImage)
	}
	if e.Platform != "bilibili" {
		t.Errorf("platform: got %q", e.Platform)
	}

	plain := entries[1]
	if plain.ContentType != ContentTypeText || plain.Author != "Alice" {
		t.Errorf("unexpected plain entry: %+v", plain)
	}
	if plain.Platform != "bilibili" {
		t.Errorf("unknown link should fall back to the feed's platform, got %q", plain.Platform)
	}
}

func TestNormalizeCaps(t *testing.T) {
	feed := &gofeed.Feed{}
	desc := ""
	for i := 0; i < 15; i++ {
		desc += fmt.Sprintf(`<img src="https://img.example.com/%d.png">`, i)
	}
	for i := 0; i < 5; i++ {
		feed.Items = append(feed.Items, &gofeed.Item{Title: fmt.Sprintf("t%d", i), Link: "https://example.com", Description: desc})
	}

	entries := Normalize(feed, 3, 10)
	if len(entries) != 3 {
		t.Fatalf("expected entries capped at 3, got %d", len(entries))
	}
	if len(entries[0].Media) != 10 {
		t.Errorf("expected media capped at 10, got %d", len(entries[0].Media))
	}
	if entries[0].ContentType != ContentTypeImageText {
		t.Errorf("content_type: got %q", entries[0].ContentType)
	}
}

func TestDetectPlatform(t *testing.T) {
	cases := map[string]string{
		"https://github.com/golang/go":               "github",
		"https://www.zhihu.com/question/1":           "zhihu",
		"https://m.weibo.cn/status/1":                "weibo",
		"https://juejin.cn/post/1":                   "juejin",
		"https://www.v2ex.com/t/1":                   "v2ex",
		"https://youtu.be/abc":                       "youtube",
		"https://rsshub.app/zhihu/people/activities": "zhihu",
		"https://example.com/a":                      "other",
		"not a url":                                  "other",
	}
	for link, want := range cases {
		if got := DetectPlatform(link); got != want {
			t.Errorf("DetectPlatform(%q) = %q, want %q", link, got, want)
		}
	}
}
