package feeds

import (
	"time"

	"github.com/matthewjhunter/courier/internal/storage"
)

// Content types derived from an entry's media.
const (
	ContentTypeText      = "text"
	ContentTypeImageText = "image_text"
	ContentTypeVideo     = "video"
)

// Media item types.
const (
	MediaImage = "image"
	MediaVideo = "video"
	MediaAudio = "audio"
)

// Entry is one normalized feed item, ready for deduplication.
type Entry struct {
	Title           string              `json:"title"`
	Link            string              `json:"link"`
	Description     string              `json:"description"`
	DescriptionText string              `json:"description_text"`
	Author          string              `json:"author"`
	PublishedAt     *time.Time          `json:"published_at,omitempty"`
	ContentType     string              `json:"content_type"`
	Platform        string              `json:"platform"`
	CoverImage      string              `json:"cover_image,omitempty"`
	Media           []storage.MediaItem `json:"media_items,omitempty"`
	FeedTitle       string              `json:"feed_title"`
	FeedLink        string              `json:"feed_link"`
	FeedDescription string              `json:"feed_description"`
	FeedImageURL    string              `json:"feed_image_url,omitempty"`
}

// ContentTypeFor picks the content type from the media present.
func ContentTypeFor(media []storage.MediaItem) string {
	hasImage := false
	for _, m := range media {
		switch m.Type {
		case MediaVideo:
			return ContentTypeVideo
		case MediaImage:
			hasImage = true
		}
	}
	if hasImage {
		return ContentTypeImageText
	}
	return ContentTypeText
}

// CoverImageFor returns the first image URL, if any.
func CoverImageFor(media []storage.MediaItem) string {
	for _, m := range media {
		if m.Type == MediaImage {
			return m.URL
		}
	}
	return ""
}
