package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/openfathom/dredger/pkg/logging"
)

const (
	maxPageBytes      = 10 << 20 // 10 MB
	maxErrorBodyBytes = 1 << 20  // 1 MB
	maxLinksPerPage   = 200
	fetchMaxRetries   = 3
)

// Page is the cleaned result of fetching one URL.
type Page struct {
	URL   string
	Title string
	Text  string
	HTML  []byte
}

// PageFetcher retrieves and cleans a single page. Retry policy lives here,
// not in the crawler.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (Page, error)
}

// PageRenderer renders JavaScript-heavy pages through a headless browser. It
// is an external collaborator; the service runs without one.
type PageRenderer interface {
	Render(ctx context.Context, pageURL, waitSelector string) (string, error)
	Close()
}

// HTTPFetcher is the default PageFetcher: a plain conditional GET with
// retry/backoff, falling back to a renderer when one is configured.
type HTTPFetcher struct {
	client       *http.Client
	renderer     PageRenderer
	logger       logging.Logger
	userAgent    string
	pageTimeout  time.Duration
	waitSelector string
}

type FetcherOption func(*HTTPFetcher)

func WithRenderer(r PageRenderer) FetcherOption {
	return func(f *HTTPFetcher) { f.renderer = r }
}

func WithWaitSelector(selector string) FetcherOption {
	return func(f *HTTPFetcher) { f.waitSelector = selector }
}

func WithFetcherLogger(logger logging.Logger) FetcherOption {
	return func(f *HTTPFetcher) { f.logger = logger }
}

func NewHTTPFetcher(client *http.Client, pageTimeout time.Duration, opts ...FetcherOption) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if pageTimeout <= 0 {
		pageTimeout = 30 * time.Second
	}
	f := &HTTPFetcher{
		client:      client,
		userAgent:   "DredgerBot/1.0",
		pageTimeout: pageTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) Close() {
	if f.renderer != nil {
		f.renderer.Close()
	}
}

// Fetch retrieves the page under the per-page timeout. When a renderer is
// configured it is preferred; a render failure degrades to the plain fetch
// rather than failing the page.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (Page, error) {
	if pageURL == "" {
		return Page{}, errors.New("page url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, f.pageTimeout)
	defer cancel()

	if f.renderer != nil {
		rendered, err := f.renderer.Render(ctx, pageURL, f.waitSelector)
		if err == nil {
			title, text := extractContent([]byte(rendered))
			return Page{URL: pageURL, Title: title, Text: text, HTML: []byte(rendered)}, nil
		}
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		if f.logger != nil {
			f.logger.WithField("url", pageURL).WithError(err).Warn("Rendered fetch failed, falling back to plain")
		}
	}

	return f.fetchPlain(ctx, pageURL)
}

func (f *HTTPFetcher) fetchPlain(ctx context.Context, pageURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch page %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Page{}, fmt.Errorf("fetch page %s: unexpected status %s: %s", pageURL, resp.Status, strings.TrimSpace(string(body)))
	}

	ct := resp.Header.Get("Content-Type")
	isHTML := ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
	isPlain := strings.Contains(ct, "text/plain") || strings.Contains(ct, "text/markdown")
	if !isHTML && !isPlain {
		return Page{}, fmt.Errorf("unsupported content type %q for %s", ct, pageURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Page{}, fmt.Errorf("read page %s: %w", pageURL, err)
	}

	if isPlain {
		return Page{URL: pageURL, Text: normalizeContent(string(data))}, nil
	}
	title, text := extractContent(data)
	return Page{URL: pageURL, Title: title, Text: text, HTML: data}, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// doWithRetry executes an HTTP request with exponential backoff on transient
// errors, honoring Retry-After when the server sends one.
func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error
	for attempt := 0; attempt <= fetchMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			if resp != nil {
				if ra := resp.Header.Get("Retry-After"); ra != "" {
					if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 && secs <= 120 {
						backoff = time.Duration(secs) * time.Second
					}
				}
				resp.Body.Close()
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		resp, err = f.client.Do(req)
		if err != nil {
			if !isRetryableError(err) {
				return nil, err
			}
			continue
		}
		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func extractContent(data []byte) (string, string) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", normalizeContent(string(data))
	}
	return extractTitle(doc), extractReadableText(doc)
}

func extractTitle(node *html.Node) string {
	var titleNode *html.Node
	var findTitle func(*html.Node)
	findTitle = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" {
			titleNode = n
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if titleNode != nil {
				return
			}
			findTitle(child)
		}
	}
	findTitle(node)
	if titleNode == nil {
		return ""
	}
	var buf strings.Builder
	var collectText func(*html.Node)
	collectText = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			collectText(child)
		}
	}
	collectText(titleNode)
	return strings.TrimSpace(buf.String())
}

func extractReadableText(node *html.Node) string {
	var builder strings.Builder

	var walker func(*html.Node)
	walker = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			switch tag {
			case "script", "style", "noscript", "nav", "footer", "header", "aside", "form", "template":
				return
			case "p", "div", "section", "article", "li", "pre", "blockquote",
				"h1", "h2", "h3", "h4", "h5", "h6":
				builder.WriteString("\n\n")
			}
			if hasAttr(n, "hidden") || attrVal(n, "aria-hidden") == "true" {
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				builder.WriteString(text)
				builder.WriteString(" ")
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walker(child)
		}
	}
	walker(node)

	return normalizeContent(builder.String())
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

func attrVal(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// normalizeContent collapses runs of blank lines and trims every line.
func normalizeContent(content string) string {
	lines := strings.Split(content, "\n")
	var cleaned []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if !blank {
				cleaned = append(cleaned, "")
				blank = true
			}
			continue
		}
		blank = false
		cleaned = append(cleaned, trimmed)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// extractLinks parses HTML and returns unique same-host links resolved
// against the page URL.
func extractLinks(data []byte, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
					continue
				}
				resolved, resolveErr := base.Parse(href)
				if resolveErr != nil {
					continue
				}
				if resolved.Host != base.Host {
					continue
				}
				resolved.Fragment = ""
				canonical := resolved.String()
				if !seen[canonical] {
					seen[canonical] = true
					links = append(links, canonical)
					if len(links) >= maxLinksPerPage {
						return
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links
}
