package feeds

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/matthewjhunter/courier/internal/storage"
)

// OPML structures for parsing
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Body    OPMLBody `xml:"body"`
}

type OPMLBody struct {
	Outlines []OPMLOutline `xml:"outline"`
}

type OPMLOutline struct {
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	Type     string        `xml:"type,attr"`
	XMLURL   string        `xml:"xmlUrl,attr"`
	HTMLURL  string        `xml:"htmlUrl,attr"`
	Outlines []OPMLOutline `xml:"outline"`
}

// ImportResult summarizes an OPML import.
type ImportResult struct {
	Added  int      `json:"added"`
	Failed []string `json:"failed,omitempty"`
}

// ImportOPML subscribes userID to every feed in the OPML file at path,
// walking nested folders. Feeds already subscribed are counted again but
// not duplicated.
func ImportOPML(ctx context.Context, path string, userID int64, subs storage.SubscriptionRepository, now time.Time) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read OPML file: %w", err)
	}

	var opml OPML
	if err := xml.Unmarshal(data, &opml); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	result := &ImportResult{}
	var walk func(outlines []OPMLOutline)
	walk = func(outlines []OPMLOutline) {
		for _, outline := range outlines {
			if outline.XMLURL != "" {
				title := outline.Title
				if title == "" {
					title = outline.Text
				}
				if title == "" {
					title = outline.XMLURL
				}

				sub := &storage.Subscription{
					UserID:     userID,
					URL:        outline.XMLURL,
					CustomName: title,
					Platform:   DetectPlatform(outline.XMLURL),
				}
				if _, err := subs.Add(ctx, sub, now); err != nil {
					slog.Warn("Failed to import feed", "url", outline.XMLURL, "error", err)
					result.Failed = append(result.Failed, outline.XMLURL)
				} else {
					result.Added++
				}
			}

			if len(outline.Outlines) > 0 {
				walk(outline.Outlines)
			}
		}
	}
	walk(opml.Body.Outlines)
	return result, nil
}
