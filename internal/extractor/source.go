package extractor

import (
	"net/url"
	"strings"
)

var supportedHosts = map[string]bool{
	"youtube.com":       true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// IsValidSource reports whether raw is an http(s) locator on a supported host
// that points at a video, short or playlist.
func IsValidSource(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 2048 {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if !supportedHosts[host] {
		return false
	}
	if host == "youtu.be" {
		return strings.Trim(u.Path, "/") != ""
	}

	switch u.Path {
	case "/watch":
		return u.Query().Get("v") != ""
	case "/playlist":
		return u.Query().Get("list") != ""
	}
	for _, prefix := range []string{"/shorts/", "/live/", "/embed/"} {
		if strings.HasPrefix(u.Path, prefix) {
			return strings.Trim(strings.TrimPrefix(u.Path, prefix), "/") != ""
		}
	}
	return false
}
