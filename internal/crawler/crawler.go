// Package crawler is the polite HTTP(S) fetcher (C10): it wraps
// internal/fetcher's HtmlFetcher with a per-instance politeness throttle,
// ETag/Last-Modified capture, and content hashing, matching spec.md §4.9's
// fetch algorithm. A single Client serializes its underlying HTTP session
// behind a mutex and holds the delay lock across the HTTP call so
// politeness is global to that client, per spec.md §5.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rohmanhakim/focusedsearch/internal/fetcher"
	"github.com/rohmanhakim/focusedsearch/internal/metadata"
	"github.com/rohmanhakim/focusedsearch/internal/robots"
	"github.com/rohmanhakim/focusedsearch/pkg/failure"
	"github.com/rohmanhakim/focusedsearch/pkg/hashutil"
	"github.com/rohmanhakim/focusedsearch/pkg/retry"
	"github.com/rohmanhakim/focusedsearch/pkg/timeutil"
)

// Result is one successful fetch, per spec.md §4.9's CrawlResult shape.
type Result struct {
	URL          string
	Status       int
	HTML         string
	Title        string
	ETag         string
	LastModified string
	ContentHash  string
	ContentType  string
	FetchedAt    time.Time
}

// Error wraps a fetch failure; Cause carries the original classified
// error from the fetcher or robots layer.
type Error struct {
	URL   string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("crawler: fetch %s: %s", e.URL, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Severity implements failure.ClassifiedError, deferring to Cause when the
// fetcher or robots layer already classified it, and treating anything else
// (a malformed URL, a robots.txt disallow) as fatal since retrying a fetch
// Client can't fix those.
func (e *Error) Severity() failure.Severity {
	var classified failure.ClassifiedError
	if errors.As(e.Cause, &classified) {
		return classified.Severity()
	}
	return failure.SeverityFatal
}

// HeadlessFetcher renders rawURL in a real browser and returns its DOM
// HTML, for pages whose plain HTTP fetch yields a body with too little
// visible text to be useful (typically client-side-rendered pages),
// per spec.md §4.9's "optional headless-browser fallback". Grounded on
// intelligencedev-manifold's chromedp-backed fetchHTML
// (internal/web/web.go: Navigate, WaitReady("body"), OuterHTML), which
// is the library a real implementation of this interface would wrap.
type HeadlessFetcher interface {
	Fetch(ctx context.Context, rawURL string) (html string, err error)
}

// noHeadlessFetcher is the default HeadlessFetcher. Real browser automation
// is out of scope here (Non-goals exclude browser-history/bookmarks
// storage and nothing in this repo bundles a CDP binary), so it always
// declines, leaving Client.Fetch's plain-fetch result as the answer.
type noHeadlessFetcher struct{}

func (noHeadlessFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	return "", errors.New("crawler: headless fetch not implemented")
}

// Config tunes one Client.
type Config struct {
	UserAgent      string
	MinDelay       time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int
	RespectRobots  bool
	// MinTextLength is the visible-text threshold below which Fetch tries
	// Headless as a fallback, per spec.md §4.9. Zero disables the fallback
	// entirely.
	MinTextLength int
	// Headless renders low-text pages in a real browser. Defaults to a
	// stub that always declines.
	Headless HeadlessFetcher
}

// Client is a single-session polite fetcher: fetch calls are serialized
// behind mu, and MinDelay is enforced globally for this instance (not
// per-host), matching spec.md §4.9/§5's "global to that client" guarantee.
type Client struct {
	mu      sync.Mutex
	cfg     Config
	fetcher fetcher.HtmlFetcher
	robot   *robots.CachedRobot
	last    time.Time
}

// New builds a Client. sink receives fetch/error telemetry through the
// wrapped HtmlFetcher and (if RespectRobots) the robots checker.
func New(cfg Config, sink metadata.MetadataSink) *Client {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "focusedsearch/1.0"
	}
	if cfg.Headless == nil {
		cfg.Headless = noHeadlessFetcher{}
	}

	c := &Client{cfg: cfg, fetcher: fetcher.NewHtmlFetcher(sink)}
	if cfg.RespectRobots {
		robot := robots.NewCachedRobot(sink)
		robot.Init(cfg.UserAgent)
		c.robot = &robot
	}
	return c
}

// Fetch polls target per spec.md §4.9: throttle, GET with configured
// UA/timeouts, drop 4xx responses other than 429, extract the tag-stripped
// text, drop pages whose text is empty, hash that text, capture
// ETag/Last-Modified/title. A 5xx or 429 response that exhausts its
// attempts is reported as an *Error. A disallowed robots.txt decision is
// reported as a non-retryable *Error without an HTTP round trip.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{URL: rawURL, Cause: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.robot != nil {
		decision, robotsErr := c.robot.Decide(*parsed)
		if robotsErr == nil && !decision.Allowed {
			return nil, &Error{URL: rawURL, Cause: fmt.Errorf("disallowed by robots.txt")}
		}
	}

	c.waitLocked()

	fetchParam := fetcher.NewFetchParam(*parsed, c.cfg.UserAgent)
	retryParam := retry.NewRetryParam(0, 0, 0, c.cfg.MaxAttempts, timeutil.BackoffParam{})

	reqCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	fetchResult, classifiedErr := c.fetcher.Fetch(reqCtx, 0, fetchParam, retryParam)
	c.last = time.Now()
	if classifiedErr != nil {
		// The fetcher reports 4xx responses other than 429 as a
		// non-retryable FetchError; those pages are dropped, not failed.
		var fetchErr *fetcher.FetchError
		if errors.As(classifiedErr, &fetchErr) && fetchErr.Cause == fetcher.ErrCauseRequestPageForbidden {
			return nil, nil
		}
		return nil, &Error{URL: rawURL, Cause: classifiedErr}
	}

	if fetchResult.Code() >= 400 {
		return nil, nil
	}

	html := string(fetchResult.Body())
	headers := fetchResult.Headers()

	if c.cfg.MinTextLength > 0 && len(strings.TrimSpace(stripTags(html))) < c.cfg.MinTextLength {
		if rendered, headlessErr := c.cfg.Headless.Fetch(reqCtx, rawURL); headlessErr == nil {
			html = rendered
		}
	}

	text := strings.TrimSpace(stripTags(html))
	if text == "" {
		return nil, nil
	}
	contentHash, _ := hashutil.HashBytes([]byte(text), hashutil.HashAlgoSHA256)

	return &Result{
		URL:          rawURL,
		Status:       fetchResult.Code(),
		HTML:         html,
		Title:        extractTitleFast(html),
		ETag:         headerValue(headers, "Etag"),
		LastModified: headerValue(headers, "Last-Modified"),
		ContentHash:  contentHash,
		ContentType:  headerValue(headers, "Content-Type"),
		FetchedAt:    fetchResult.FetchedAt(),
	}, nil
}

// waitLocked blocks until MinDelay has elapsed since the last fetch this
// client issued. Caller must hold mu.
func (c *Client) waitLocked() {
	if c.last.IsZero() {
		return
	}
	elapsed := time.Since(c.last)
	if elapsed < c.cfg.MinDelay {
		time.Sleep(c.cfg.MinDelay - elapsed)
	}
}

func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	// http.Header canonicalizes; a plain map from the fetcher may carry the
	// wire-cased key instead.
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == http.CanonicalHeaderKey(key) {
			return v
		}
	}
	return ""
}

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// extractTitleFast pulls the <title> text out of raw HTML without a full
// parse; the normalize package re-derives title/body precisely from the
// same HTML once a document proceeds past C10.
func extractTitleFast(html string) string {
	m := titlePattern.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(stripTags(m[1]))
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}
