package dedup

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, maxMedia int) (*Engine, *storage.Repositories) {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Options{Path: filepath.Join(t.TempDir(), "dedup.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repos := storage.NewRepositories(db)
	engine := NewEngine(repos.Contents, Options{
		MaxMediaItems: maxMedia,
		Now:           func() time.Time { return t0 },
	})
	return engine, repos
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello World", "hello world"},
		{"  <b>Hello</b>\n\tWorld  ", "hello world"},
		{"Fish &amp; Chips", "fish & chips"},
		{"STRASSE", "strasse"},
		{"<p></p>", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTitle(tt.in), "NormalizeTitle(%q)", tt.in)
	}
}

func TestNormalizeLink(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://Example.com/Post", "https://example.com/post"},
		{"https://example.com/a?utm_source=rss&utm_medium=feed", "https://example.com/a"},
		{"https://example.com/a?b=2&utm_campaign=x&a=1", "https://example.com/a?a=1&b=2"},
		{"https://example.com/a?id=7#Section", "https://example.com/a?id=7#section"},
		{"  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLink(tt.in, DefaultTrackingParams), "NormalizeLink(%q)", tt.in)
	}
}

func TestHashIsFixedWidth(t *testing.T) {
	h := Hash("title", "https://example.com")
	assert.Len(t, h, HashLength)
	assert.Equal(t, h, Hash("title", "https://example.com"))
	assert.NotEqual(t, h, Hash("title", "https://example.org"))
}

func TestFindOrCreateIsIdempotent(t *testing.T) {
	engine, repos := newTestEngine(t, 10)
	ctx := context.Background()

	first := engine.FindOrCreate(ctx, feeds.Entry{
		Title: "Release Notes 1.2",
		Link:  "https://example.com/releases/1.2",
	})
	require.True(t, first.IsOk(), "first call: %v", first.Reason)
	assert.True(t, first.Value.IsNew)

	variants := []feeds.Entry{
		{Title: "Release Notes 1.2", Link: "https://example.com/releases/1.2"},
		{Title: "  release   NOTES 1.2 ", Link: "https://EXAMPLE.com/releases/1.2"},
		{Title: "<em>Release Notes</em> 1.2", Link: "https://example.com/releases/1.2?utm_source=rss"},
	}
	for _, v := range variants {
		r := engine.FindOrCreate(ctx, v)
		require.True(t, r.IsOk(), "variant %+v: %v", v, r.Reason)
		assert.Equal(t, first.Value.ContentID, r.Value.ContentID)
		assert.False(t, r.Value.IsNew)
	}

	n, err := repos.Contents.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindOrCreateDistinguishesLinks(t *testing.T) {
	engine, _ := newTestEngine(t, 10)
	ctx := context.Background()

	a := engine.FindOrCreate(ctx, feeds.Entry{Title: "Same", Link: "https://example.com/a?id=1"})
	b := engine.FindOrCreate(ctx, feeds.Entry{Title: "Same", Link: "https://example.com/a?id=2"})
	require.True(t, a.IsOk())
	require.True(t, b.IsOk())
	assert.NotEqual(t, a.Value.ContentID, b.Value.ContentID)
}

func TestFindOrCreateRejectsMalformed(t *testing.T) {
	engine, repos := newTestEngine(t, 10)
	ctx := context.Background()

	for _, e := range []feeds.Entry{
		{},
		{Title: "   "},
		{Title: "<p></p>", Link: " "},
	} {
		r := engine.FindOrCreate(ctx, e)
		assert.True(t, r.IsInvalid(), "entry %+v should be rejected", e)
	}

	n, err := repos.Contents.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFindOrCreateLinkOnly(t *testing.T) {
	engine, _ := newTestEngine(t, 10)
	r := engine.FindOrCreate(context.Background(), feeds.Entry{Link: "https://example.com/untitled"})
	require.True(t, r.IsOk())
	assert.True(t, r.Value.IsNew)
}

func TestFindOrCreateConcurrent(t *testing.T) {
	engine, repos := newTestEngine(t, 10)
	ctx := context.Background()
	entry := feeds.Entry{Title: "Breaking", Link: "https://example.com/breaking"}

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]int64, workers)
	isNew := make([]bool, workers)
	errs := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := engine.FindOrCreate(ctx, entry)
			if !r.IsOk() {
				errs[i] = fmt.Sprintf("%s: %s", r.Kind, r.Reason)
				return
			}
			ids[i], isNew[i] = r.Value.ContentID, r.Value.IsNew
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < workers; i++ {
		require.Empty(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if isNew[i] {
			created++
		}
	}
	assert.Equal(t, 1, created)

	n, err := repos.Contents.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindOrCreateCapsMedia(t *testing.T) {
	engine, repos := newTestEngine(t, 2)
	ctx := context.Background()

	entry := feeds.Entry{
		Title: "Gallery",
		Link:  "https://example.com/gallery",
		Media: []storage.MediaItem{
			{URL: "https://img.example.com/1.jpg", Type: feeds.MediaImage},
			{URL: "https://img.example.com/2.jpg", Type: feeds.MediaImage},
			{URL: "https://img.example.com/3.jpg", Type: feeds.MediaImage},
			{URL: "https://img.example.com/4.jpg", Type: feeds.MediaImage},
		},
	}
	r := engine.FindOrCreate(ctx, entry)
	require.True(t, r.IsOk())

	c, err := repos.Contents.Get(ctx, r.Value.ContentID)
	require.NoError(t, err)
	require.Len(t, c.Media, 2)
	assert.Equal(t, "https://img.example.com/1.jpg", c.Media[0].URL)
	assert.Equal(t, "https://img.example.com/2.jpg", c.Media[1].URL)
	assert.Equal(t, feeds.ContentTypeImageText, c.ContentType)
	assert.Equal(t, "https://img.example.com/1.jpg", c.CoverImage)
	assert.Equal(t, feeds.PlatformOther, c.Platform)
	assert.Len(t, entry.Media, 4, "caller's slice must not be modified")
}
