package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"net/url"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
)

// HashLength is the number of hex characters kept from the digest.
const HashLength = 32

var titlePolicy = bluemonday.StrictPolicy()

// DefaultTrackingParams are stripped from links when no list is configured.
var DefaultTrackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term"}

// NormalizeTitle strips markup, decodes entities, collapses whitespace and
// case-folds the result.
func NormalizeTitle(title string) string {
	plain := html.UnescapeString(titlePolicy.Sanitize(title))
	return cases.Fold().String(strings.Join(strings.Fields(plain), " "))
}

// NormalizeLink lower-cases the link and removes tracking query parameters.
// The remaining parameters are re-encoded in key order so that equivalent
// links compare equal. Links that do not parse are only trimmed and lower-cased.
func NormalizeLink(link string, trackingParams []string) string {
	link = strings.ToLower(strings.TrimSpace(link))
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if u.RawQuery != "" {
		q := u.Query()
		for _, p := range trackingParams {
			q.Del(strings.ToLower(p))
		}
		u.RawQuery = encodeSorted(q)
	}
	return u.String()
}

func encodeSorted(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Hash derives the content identity from an already normalized title and link.
func Hash(normTitle, normLink string) string {
	sum := sha256.Sum256([]byte(normTitle + "|" + normLink))
	return hex.EncodeToString(sum[:])[:HashLength]
}
