// Package enrich fills the summary, topics and tags of shared content,
// either through a local Ollama model or with simple text rules.
package enrich

import (
	"context"
	"log/slog"
	"strings"

	"github.com/matthewjhunter/courier/internal/storage"
)

// Input is the text an enricher works from.
type Input struct {
	Title           string
	Description     string
	DescriptionText string
	Author          string
	Platform        string
	FeedTitle       string
	Link            string
}

// InputFor builds the enrichment input for a stored content row.
func InputFor(c *storage.Content) Input {
	return Input{
		Title:           c.Title,
		Description:     c.Description,
		DescriptionText: c.DescriptionText,
		Author:          c.Author,
		Platform:        c.Platform,
		FeedTitle:       c.FeedTitle,
		Link:            c.OriginalLink,
	}
}

func (in Input) text() string {
	if s := strings.TrimSpace(in.DescriptionText); s != "" {
		return s
	}
	return strings.TrimSpace(in.Description)
}

type Output struct {
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
	Tags    []string `json:"tags"`
}

type Enricher interface {
	Enrich(ctx context.Context, in Input) (*Output, error)
}

// Fallback tries Primary and uses Secondary when it fails.
type Fallback struct {
	Primary   Enricher
	Secondary Enricher
	Logger    *slog.Logger
}

func (f *Fallback) Enrich(ctx context.Context, in Input) (*Output, error) {
	if f.Primary != nil {
		out, err := f.Primary.Enrich(ctx, in)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		logger := f.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("Primary enricher failed, using fallback", "title", in.Title, "error", err)
	}
	return f.Secondary.Enrich(ctx, in)
}
