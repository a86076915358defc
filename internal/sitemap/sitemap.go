// Package sitemap resolves a domain's declared and conventional sitemap
// files into a bounded set of candidate page URLs.
package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/openfathom/dredger/pkg/logging"
)

const (
	// maxSitemapFetches bounds the number of sitemap files fetched per
	// discovery run, not the number of page URLs collected.
	maxSitemapFetches = 50
	maxSitemapBytes   = 10 << 20
)

// wellKnownPaths are tried in addition to robots.txt declarations.
// /page-sitemap.xml covers Yoast WordPress installs that do not expose an
// index.
var wellKnownPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/wp-sitemap.xml",
	"/page-sitemap.xml",
}

type Discoverer struct {
	client    *http.Client
	logger    logging.Logger
	userAgent string
}

func NewDiscoverer(client *http.Client, logger logging.Logger) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Discoverer{
		client:    client,
		logger:    logger,
		userAgent: "DredgerBot/1.0",
	}
}

// DiscoverPages returns the de-duplicated set of same-domain page URLs
// reachable through the domain's sitemaps. Individual sitemap failures are
// logged and skipped; only a nil slice with nil error means discovery was
// disabled or found nothing.
func (d *Discoverer) DiscoverPages(ctx context.Context, startURL, domain string, enabled bool) ([]string, error) {
	if !enabled {
		return nil, nil
	}
	origin, err := url.Parse(startURL)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("parse start url %q: %w", startURL, err)
	}

	queue := d.robotsSitemaps(ctx, origin, domain)
	for _, path := range wellKnownPaths {
		queue = append(queue, origin.Scheme+"://"+origin.Host+path)
	}

	visited := make(map[string]bool)
	pages := make(map[string]bool)

	for len(queue) > 0 {
		if len(visited) >= maxSitemapFetches {
			if d.logger != nil {
				d.logger.WithField("domain", domain).Warn("Sitemap fetch cap reached, stopping discovery")
			}
			break
		}
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		data, err := d.fetch(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if d.logger != nil {
				d.logger.WithField("url", current).WithError(err).Debug("Sitemap fetch failed, skipping")
			}
			continue
		}

		nested, pageURLs, err := parseSitemapXML(data)
		if err != nil {
			if d.logger != nil {
				d.logger.WithField("url", current).WithError(err).Debug("Sitemap parse failed, skipping")
			}
			continue
		}
		for _, link := range nested {
			if sameDomain(link, domain) {
				queue = append(queue, link)
			}
		}
		for _, page := range pageURLs {
			if sameDomain(page, domain) {
				pages[page] = true
			}
		}
	}

	result := make([]string, 0, len(pages))
	for page := range pages {
		result = append(result, page)
	}
	return result, nil
}

// robotsSitemaps fetches /robots.txt at the origin and returns every
// same-domain Sitemap directive, resolved against the origin.
func (d *Discoverer) robotsSitemaps(ctx context.Context, origin *url.URL, domain string) []string {
	robotsURL := origin.Scheme + "://" + origin.Host + "/robots.txt"
	data, err := d.fetch(ctx, robotsURL)
	if err != nil {
		if d.logger != nil {
			d.logger.WithField("url", robotsURL).WithError(err).Debug("robots.txt fetch failed")
		}
		return nil
	}

	var sitemaps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "sitemap") {
			continue
		}
		declared := strings.TrimSpace(parts[1])
		if declared == "" {
			continue
		}
		resolved, err := origin.Parse(declared)
		if err != nil {
			continue
		}
		if sameDomain(resolved.String(), domain) {
			sitemaps = append(sitemaps, resolved.String())
		}
	}
	return sitemaps
}

func (d *Discoverer) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
}

type sitemapIndex struct {
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

type sitemapEntry struct {
	Location string `xml:"loc"`
}

type urlSet struct {
	URLs []urlEntry `xml:"url"`
}

type urlEntry struct {
	Location string `xml:"loc"`
}

// parseSitemapXML returns nested sitemap references for index documents, or
// page locations for urlset documents.
func parseSitemapXML(data []byte) ([]string, []string, error) {
	var index sitemapIndex
	if err := xml.Unmarshal(data, &index); err == nil && len(index.Sitemaps) > 0 {
		var links []string
		for _, sm := range index.Sitemaps {
			if loc := strings.TrimSpace(sm.Location); loc != "" {
				links = append(links, loc)
			}
		}
		return links, nil, nil
	}

	var set urlSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, nil, err
	}
	var pages []string
	for _, entry := range set.URLs {
		if loc := strings.TrimSpace(entry.Location); loc != "" {
			pages = append(pages, loc)
		}
	}
	return nil, pages, nil
}

func sameDomain(rawURL, domain string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	domain = strings.ToLower(domain)
	return host == domain || host == "www."+domain
}
