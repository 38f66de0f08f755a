// Package discovery is the Discovery Engine and Frontier Builder (C8, C9):
// it merges registry, learned-web, HTML-extracted, manual, and structured
// (entity/repository/sitemap) seed hints into scored candidates, then
// shapes them into a per-host-capped, politeness-ordered crawl frontier.
// Grounded on `_examples/original_source/server/discover.py`'s
// DiscoveryEngine/DiscoveryHit/LLMReranker; the frontier-shaping algorithm
// (build_frontier) is not present in the retrieved source, so it is
// implemented directly from spec.md §4.6's per-host-cap/interleave/
// rerank-cluster/truncate description, in the same dataclass-and-pure-
// function style as the rest of this package.
package discovery

import (
	"net/url"
	"strconv"
	"strings"
)

// Default weights and tuning knobs, named in spec.md §3/§4.5/§4.6.
const (
	BaseWeight  = 1.0
	ValueWeight = 0.5
	FreshWeight = 0.3
	AuthWeight  = 0.2

	RegistryBaseBoost = 1.05

	DefaultPerHostCap      = 3
	DefaultPolitenessDelay = 1.0
	DefaultRerankMargin    = 0.15
	DefaultDiscoveryLimit  = 20
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "from": true,
	"how": true, "in": true, "is": true, "of": true, "on": true, "or": true,
	"the": true, "to": true, "what": true, "where": true, "why": true,
}

// Hit is the intermediate, not-yet-finalized discovery signal emitted by
// every source fold-in step before value/freshness/authority resolution.
type Hit struct {
	URL         string
	Source      string
	Boost       float64
	ValuePrior  *float64
	Freshness   *float64
	Authority   *float64
}

// Candidate is a fully-scored discovery hit, ready for frontier shaping.
type Candidate struct {
	URL        string
	Source     string
	Boost      float64
	ValuePrior float64
	Freshness  float64
	Authority  float64
	Score      float64
}

// ScoreCandidate applies the weighted scoring model shared across the
// discovery engine and its callers.
func ScoreCandidate(boost, valuePrior, freshness, authority float64) float64 {
	return BaseWeight*boost + ValueWeight*valuePrior + FreshWeight*freshness + AuthWeight*authority
}

// ValueMap resolves a learned per-domain value prior, with a heuristic
// fallback.
type ValueMap interface {
	ValueFor(domain string) (float64, bool)
}

// AuthorityIndex resolves a host's authority prior.
type AuthorityIndex interface {
	ScoreFor(domain string) float64
}

// Finalize resolves value_prior/freshness/authority and computes Score,
// returning a Candidate. It returns ok=false if h.URL fails sanitization.
func (h Hit) Finalize(values ValueMap, authority AuthorityIndex) (Candidate, bool) {
	sanitized, ok := SanitizeURL(h.URL, "")
	if !ok {
		return Candidate{}, false
	}
	domain := domainFromURL(sanitized)

	value := 0.0
	if h.ValuePrior != nil {
		value = *h.ValuePrior
	} else if values != nil {
		if v, found := values.ValueFor(domain); found {
			value = v
		} else {
			value = heuristicValue(sanitized)
		}
	} else {
		value = heuristicValue(sanitized)
	}

	fresh := 0.0
	if h.Freshness != nil {
		fresh = *h.Freshness
	} else {
		fresh = freshnessHint(sanitized, h.Source)
	}

	auth := 0.0
	if h.Authority != nil {
		auth = *h.Authority
	} else if authority != nil {
		auth = authority.ScoreFor(domain)
	}

	score := ScoreCandidate(h.Boost, value, fresh, auth)
	return Candidate{
		URL: sanitized, Source: h.Source, Boost: h.Boost,
		ValuePrior: value, Freshness: fresh, Authority: auth, Score: score,
	}, true
}

func heuristicValue(rawURL string) float64 {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0.6
	}
	path := strings.ToLower(u.Path)
	score := 0.6
	for _, kw := range []string{"docs", "documentation", "guide", "handbook"} {
		if strings.Contains(path, kw) {
			score += 0.25
			break
		}
	}
	for _, kw := range []string{"blog", "kb", "support"} {
		if strings.Contains(path, kw) {
			score += 0.1
			break
		}
	}
	if strings.Contains(path, "api") {
		score += 0.1
	}
	host := strings.ToLower(u.Host)
	if strings.HasSuffix(host, ".org") || strings.HasSuffix(host, ".io") || strings.HasSuffix(host, ".dev") {
		score += 0.1
	}
	if score < 0.1 {
		return 0.1
	}
	if score > 1.5 {
		return 1.5
	}
	return score
}

func freshnessHint(rawURL, source string) float64 {
	lowered := strings.ToLower(rawURL)
	if strings.Contains(lowered, "sitemap") || strings.HasPrefix(source, "sitemap") {
		return 1.0
	}
	for _, tok := range []string{"rss", "atom", "feed"} {
		if strings.Contains(lowered, tok) {
			return 0.9
		}
	}
	if strings.Contains(lowered, "blog") || strings.Contains(lowered, "news") {
		return 0.6
	}
	if source == "seed" {
		return 0.2
	}
	return 0.1
}

func domainFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// SanitizeURL normalizes a possibly-relative href against an optional
// base, rejecting javascript: URLs and anything that doesn't resolve to
// an http(s) absolute URL. The trailing slash is stripped except on the
// bare root path.
func SanitizeURL(raw, base string) (string, bool) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", false
	}
	if strings.HasPrefix(candidate, "javascript:") {
		return "", false
	}

	var probe string
	switch {
	case strings.HasPrefix(candidate, "http://"), strings.HasPrefix(candidate, "https://"):
		probe = candidate
	case strings.HasPrefix(candidate, "//"):
		probe = "https:" + candidate
	case base != "":
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		ref, err := url.Parse(candidate)
		if err != nil {
			return "", false
		}
		probe = baseURL.ResolveReference(ref).String()
	default:
		probe = "https://" + strings.TrimLeft(candidate, "/")
	}

	parsed, err := url.Parse(probe)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	scheme := parsed.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	sanitized := scheme + "://" + parsed.Host + path
	if parsed.RawQuery != "" {
		sanitized += "?" + parsed.RawQuery
	}
	if sanitized != scheme+"://"+parsed.Host+"/" {
		sanitized = strings.TrimSuffix(sanitized, "/")
	}
	return sanitized, true
}

// Keywords lowercases and alphanumeric-tokenizes query, dropping
// stopwords; if every token is a stopword, the raw token list is
// returned instead of an empty set.
func Keywords(query string) []string {
	words := tokenizeAlnum(strings.ToLower(query))
	filtered := make([]string, 0, len(words))
	for _, w := range words {
		if !stopwords[w] {
			filtered = append(filtered, w)
		}
	}
	if len(filtered) == 0 {
		return words
	}
	return filtered
}

func tokenizeAlnum(s string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return words
}

// TrustMultiplier converts a registry entry's free-form "trust" field
// (a number, "low"/"medium"/"high", or a numeric string) into a boost
// multiplier, matching _trust_multiplier's coercion rules.
func TrustMultiplier(raw string) float64 {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 1.0
	}
	switch strings.ToLower(text) {
	case "low":
		return 0.85
	case "medium":
		return 1.0
	case "high":
		return 1.2
	}
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		if v < 0.1 {
			return 0.1
		}
		return v
	}
	return 1.0
}
