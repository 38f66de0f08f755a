package learnedweb

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

// normalizeHost extracts and lowercases a bare host from value, stripping a
// leading "www." label. Returns "" if value carries no host at all.
func normalizeHost(value string) string {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		return ""
	}
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	parsed, err := url.Parse(candidate)
	host := ""
	if err == nil {
		host = parsed.Host
	}
	if host == "" && parsed != nil {
		host = parsed.Path
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	return strings.TrimPrefix(host, "www.")
}

// normalizeURL canonicalizes value into an absolute http(s) URL with a
// cleaned path (trailing slash collapsed except for root, query/fragment
// dropped of params but query kept, fragment removed).
func normalizeURL(value string) string {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(candidate, "//"):
		candidate = "https:" + candidate
	case !strings.HasPrefix(candidate, "http://") && !strings.HasPrefix(candidate, "https://"):
		candidate = "https://" + strings.TrimLeft(candidate, "/")
	}

	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	parsed.Path = path
	parsed.Fragment = ""
	parsed.RawFragment = ""

	out := parsed.String()
	if path == "/" && parsed.RawQuery == "" {
		out = strings.TrimRight(out, "/")
	}
	return out
}

// normalizeEmbedding L2-normalizes a vector. A zero vector maps to itself.
func normalizeEmbedding(embedding []float64) []float64 {
	var sumSquares float64
	for _, v := range embedding {
		sumSquares += v * v
	}
	norm := math.Sqrt(sumSquares)
	out := make([]float64, len(embedding))
	if norm == 0 {
		return out
	}
	for i, v := range embedding {
		out[i] = v / norm
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
