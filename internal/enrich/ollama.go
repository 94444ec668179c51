package enrich

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"

	"github.com/ollama/ollama/api"
)

//go:embed prompts/enrich.txt
var defaultPrompt string

var promptTemplate = template.Must(template.New("enrich").Parse(defaultPrompt))

// OllamaOptions configures an OllamaEnricher.
type OllamaOptions struct {
	BaseURL       string
	Model         string
	Temperature   float64
	SummaryLength int
	MaxTags       int
	HTTPClient    *http.Client
}

type OllamaEnricher struct {
	client *api.Client
	opts   OllamaOptions
}

// NewOllamaEnricher connects to the Ollama server at BaseURL, or to the one
// named by OLLAMA_HOST when BaseURL is empty.
func NewOllamaEnricher(opts OllamaOptions) (*OllamaEnricher, error) {
	if opts.Model == "" {
		return nil, errors.New("ollama model is required")
	}
	if opts.SummaryLength <= 0 {
		opts.SummaryLength = 80
	}
	if opts.MaxTags <= 0 {
		opts.MaxTags = 3
	}

	var client *api.Client
	if opts.BaseURL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client from environment: %w", err)
		}
		client = c
	} else {
		parsedURL, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		client = api.NewClient(parsedURL, httpClient)
	}
	return &OllamaEnricher{client: client, opts: opts}, nil
}

func (o *OllamaEnricher) Enrich(ctx context.Context, in Input) (*Output, error) {
	var prompt strings.Builder
	err := promptTemplate.Execute(&prompt, map[string]any{
		"Title":         in.Title,
		"FeedTitle":     in.FeedTitle,
		"Platform":      in.Platform,
		"Author":        in.Author,
		"Content":       truncateText(in.text(), 3000),
		"SummaryLength": o.opts.SummaryLength,
		"MaxTags":       o.opts.MaxTags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render enrichment prompt: %w", err)
	}

	req := &api.GenerateRequest{
		Model:  o.opts.Model,
		Prompt: prompt.String(),
		Stream: new(bool), // false
		Format: json.RawMessage(`"json"`),
		Options: map[string]any{
			"temperature": o.opts.Temperature,
		},
	}

	var fullResponse strings.Builder
	err = o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		fullResponse.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama enrichment failed: %w", err)
	}

	var out Output
	if err := json.Unmarshal([]byte(extractJSON(fullResponse.String())), &out); err != nil {
		return nil, fmt.Errorf("failed to parse enrichment response: %w", err)
	}
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Summary == "" {
		return nil, errors.New("enrichment response has no summary")
	}
	out.Topics = cleanList(out.Topics, 1)
	out.Tags = cleanList(out.Tags, o.opts.MaxTags)
	return &out, nil
}

func cleanList(items []string, limit int) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool)
	for _, s := range items {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// truncateText truncates text to at most maxRunes runes.
func truncateText(text string, maxRunes int) string {
	r := []rune(text)
	if len(r) <= maxRunes {
		return text
	}
	return string(r[:maxRunes]) + "..."
}

// extractJSON pulls the outermost object out of a response that may carry extra text.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
