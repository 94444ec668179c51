package feeds

import (
	"net/url"
	"strings"
)

const PlatformOther = "other"

var platformHosts = map[string]string{
	"bilibili.com": "bilibili",
	"b23.tv":       "bilibili",
	"weibo.com":    "weibo",
	"weibo.cn":     "weibo",
	"github.com":   "github",
	"juejin.cn":    "juejin",
	"zhihu.com":    "zhihu",
	"v2ex.com":     "v2ex",
	"youtube.com":  "youtube",
	"youtu.be":     "youtube",
	"twitter.com":  "twitter",
	"x.com":        "twitter",
}

// DetectPlatform maps a link to a known platform name, or "other".
// RSSHub links are classified by their first path segment
// (https://rsshub.app/bilibili/user/video/1 is bilibili).
func DetectPlatform(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || u.Host == "" {
		return PlatformOther
	}
	host := strings.ToLower(u.Hostname())

	if strings.Contains(host, "rsshub") {
		seg := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)[0]
		for _, name := range platformHosts {
			if strings.EqualFold(seg, name) {
				return name
			}
		}
		return PlatformOther
	}

	for {
		if name, ok := platformHosts[host]; ok {
			return name
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return PlatformOther
		}
		host = host[i+1:]
	}
}
