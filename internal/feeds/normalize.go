package feeds

import (
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

var strictPolicy = bluemonday.StrictPolicy()

// PlainText strips all markup, decodes entities and collapses whitespace.
func PlainText(s string) string {
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(html.UnescapeString(strictPolicy.Sanitize(s))), " ")
}

// Normalize converts a parsed feed into entries. At most maxEntries items
// are kept and each entry carries at most maxMedia media items.
func Normalize(feed *gofeed.Feed, maxEntries, maxMedia int) []Entry {
	if feed == nil {
		return nil
	}
	items := feed.Items
	if maxEntries > 0 && len(items) > maxEntries {
		items = items[:maxEntries]
	}

	var feedImage string
	if feed.Image != nil {
		feedImage = feed.Image.URL
	}
	feedTitle := strings.TrimSpace(feed.Title)

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		e := Entry{
			Title:           strings.TrimSpace(PlainText(item.Title)),
			Link:            strings.TrimSpace(item.Link),
			FeedTitle:       feedTitle,
			FeedLink:        feed.Link,
			FeedDescription: PlainText(feed.Description),
			FeedImageURL:    feedImage,
		}

		// Prefer the description, fall back to full content
		body := item.Description
		if body == "" {
			body = item.Content
		}
		e.Description = body
		e.DescriptionText = PlainText(body)

		if item.Author != nil && item.Author.Name != "" {
			e.Author = item.Author.Name
		} else if len(item.Authors) > 0 && item.Authors[0] != nil {
			e.Author = item.Authors[0].Name
		}
		if e.Author == "" {
			e.Author = feedTitle
		}

		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			e.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := item.UpdatedParsed.UTC()
			e.PublishedAt = &t
		}

		e.Media = extractMedia(item, maxMedia)
		e.ContentType = ContentTypeFor(e.Media)
		e.CoverImage = CoverImageFor(e.Media)

		e.Platform = DetectPlatform(e.Link)
		if e.Platform == PlatformOther {
			e.Platform = DetectPlatform(feed.Link)
		}
		entries = append(entries, e)
	}
	return entries
}

// extractMedia collects media from the item's image, its enclosures and the
// img/video/iframe/audio elements of its description and content, in that
// order, without repeating a URL.
func extractMedia(item *gofeed.Item, limit int) []storage.MediaItem {
	var media []storage.MediaItem
	seen := make(map[string]bool)
	add := func(rawURL, kind, desc string) {
		u := strings.TrimSpace(rawURL)
		if strings.HasPrefix(u, "//") {
			u = "https:" + u
		}
		if u == "" || seen[u] || (limit > 0 && len(media) >= limit) {
			return
		}
		seen[u] = true
		media = append(media, storage.MediaItem{URL: u, Type: kind, Description: desc, SortOrder: len(media)})
	}

	if item.Image != nil {
		add(item.Image.URL, MediaImage, item.Image.Title)
	}
	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		switch {
		case strings.HasPrefix(enc.Type, "image/"):
			add(enc.URL, MediaImage, "")
		case strings.HasPrefix(enc.Type, "video/"):
			add(enc.URL, MediaVideo, "")
		case strings.HasPrefix(enc.Type, "audio/"):
			add(enc.URL, MediaAudio, "")
		}
	}

	for _, body := range []string{item.Description, item.Content} {
		if !strings.Contains(body, "<") {
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err != nil {
			continue
		}
		doc.Find("img, video, iframe, audio").Each(func(_ int, s *goquery.Selection) {
			src, _ := s.Attr("src")
			if src == "" {
				src, _ = s.Find("source").First().Attr("src")
			}
			switch goquery.NodeName(s) {
			case "img":
				alt, _ := s.Attr("alt")
				add(src, MediaImage, alt)
			case "video", "iframe":
				title, _ := s.Attr("title")
				add(src, MediaVideo, title)
			case "audio":
				add(src, MediaAudio, "")
			}
		})
	}
	return media
}
