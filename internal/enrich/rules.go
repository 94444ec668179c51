package enrich

import (
	"context"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RuleEnricher derives enrichment from the text alone. It never fails.
type RuleEnricher struct {
	SummaryLength int
	MaxTags       int
}

var sentenceEnds = []rune{'.', '!', '?', '。', '！', '？'}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "your": true, "have": true, "will": true, "into": true, "about": true,
	"what": true, "when": true, "how": true, "why": true, "are": true, "was": true,
	"new": true, "not": true, "you": true, "its": true, "our": true, "out": true,
}

var platformTopics = map[string]string{
	"bilibili": "Video",
	"youtube":  "Video",
	"github":   "Software",
	"juejin":   "Software",
	"v2ex":     "Software",
	"weibo":    "Social",
	"twitter":  "Social",
	"zhihu":    "Q&A",
}

func (r RuleEnricher) Enrich(_ context.Context, in Input) (*Output, error) {
	length := r.SummaryLength
	if length <= 0 {
		length = 80
	}
	maxTags := r.MaxTags
	if maxTags <= 0 {
		maxTags = 3
	}

	text := strings.Join(strings.Fields(in.text()), " ")
	if text == "" {
		text = strings.TrimSpace(in.Title)
	}

	topic, ok := platformTopics[in.Platform]
	if !ok {
		topic = "General"
	}

	return &Output{
		Summary: summarize(text, length),
		Topics:  []string{topic},
		Tags:    r.tags(in, maxTags),
	}, nil
}

// summarize cuts text to length runes, backing up to the last sentence end
// inside the cut when there is one.
func summarize(text string, length int) string {
	if utf8.RuneCountInString(text) <= length {
		return text
	}
	runes := []rune(text)[:length]
	for i := len(runes) - 1; i > 0; i-- {
		for _, end := range sentenceEnds {
			if runes[i] == end {
				return string(runes[:i+1])
			}
		}
	}
	return strings.TrimSpace(string(runes)) + "…"
}

func (r RuleEnricher) tags(in Input, maxTags int) []string {
	var tags []string
	if in.Platform != "" && in.Platform != "other" {
		tags = append(tags, in.Platform)
	}

	counts := make(map[string]int)
	var order []string
	lower := cases.Lower(language.Und)
	for _, w := range strings.FieldsFunc(in.Title+" "+in.text(), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-'
	}) {
		w = lower.String(strings.Trim(w, "-"))
		if utf8.RuneCountInString(w) < 3 || stopWords[w] || w == in.Platform {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })

	for _, w := range order {
		if len(tags) >= maxTags {
			break
		}
		tags = append(tags, w)
	}
	return tags
}
