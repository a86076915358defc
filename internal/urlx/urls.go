// Package urlx canonicalizes URLs for crawl scheduling and dedup.
package urlx

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// trackingParams are stripped exactly; any key with a utm_ prefix is also
// stripped.
var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"ref_src": true,
	"mkt_tok": true,
}

// skipExtensions are binary document and image formats that carry no
// crawlable text.
var skipExtensions = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico", ".bmp", ".tiff",
}

var skipExtensionPattern = regexp.MustCompile(
	`(?i)\.(pdf|docx?|xlsx?|pptx?|jpe?g|png|gif|svg|webp|ico|bmp|tiff?)(?:[?#]|$)`)

// NormalizeStartURL turns a bare host or full URL into a canonical crawl
// start URL: https scheme when absent, path reset to "/", query and fragment
// dropped.
func NormalizeStartURL(domain string) (string, error) {
	input := strings.TrimSpace(domain)
	if input == "" {
		return "", fmt.Errorf("domain is required")
	}
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}
	parsed, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse domain %q: %w", domain, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("domain %q has no host", domain)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = "/"
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

// NormalizeURL canonicalizes an absolute URL for dedup: fragment stripped,
// tracking parameters removed, remaining parameters sorted by key then value,
// a single trailing slash stripped from non-root paths. Idempotent:
// NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""

	if parsed.RawQuery != "" {
		parsed.RawQuery = normalizeQuery(parsed.Query())
	}

	if parsed.Path != "/" && strings.HasSuffix(parsed.Path, "/") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
		parsed.RawPath = strings.TrimSuffix(parsed.RawPath, "/")
	}

	return parsed.String(), nil
}

func normalizeQuery(params url.Values) string {
	type pair struct {
		key   string
		value string
	}
	var pairs []pair
	for key, values := range params {
		if isTrackingParam(key) {
			continue
		}
		for _, value := range values {
			pairs = append(pairs, pair{key: key, value: value})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var buf strings.Builder
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(url.QueryEscape(p.key))
		buf.WriteByte('=')
		buf.WriteString(url.QueryEscape(p.value))
	}
	return buf.String()
}

func isTrackingParam(key string) bool {
	if trackingParams[key] {
		return true
	}
	return strings.HasPrefix(key, "utm_")
}

// ShouldSkip reports whether a URL points at a binary asset that should not
// be crawled. Malformed URLs are not skippable: a parse failure here must not
// silently drop a page the fetcher might still handle.
func ShouldSkip(raw string) bool {
	parsed, err := url.Parse(raw)
	if err == nil && parsed.Path != "" {
		path := strings.ToLower(parsed.Path)
		for _, ext := range skipExtensions {
			if strings.HasSuffix(path, ext) {
				return true
			}
		}
	}
	return skipExtensionPattern.MatchString(raw)
}
