package robots

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rohmanhakim/focusedsearch/internal/metadata"
	"github.com/rohmanhakim/focusedsearch/internal/robots/cache"
)

/*
Responsibilities

- Fetch robots.txt per host
- Cache rules for crawl duration
- Enforce allow/disallow rules

In this module the crawler checks these rules when it fetches a URL,
after the frontier has been built.
*/

// CachedRobot evaluates crawl permission against a cached robots.txt
// ruleset. The zero value is unusable; call Init or InitWithCache first.
type CachedRobot struct {
	fetcher   *RobotsFetcher
	sink      metadata.MetadataSink
	userAgent string
}

// NewCachedRobot returns a CachedRobot that records fetch/error events to
// sink. Call Init or InitWithCache before Decide.
func NewCachedRobot(sink metadata.MetadataSink) CachedRobot {
	return CachedRobot{sink: sink}
}

// Init wires the robot with an in-memory robots.txt cache.
func (r *CachedRobot) Init(userAgent string) {
	r.InitWithCache(userAgent, cache.NewMemoryCache())
}

// InitWithCache wires the robot with a caller-supplied cache implementation.
func (r *CachedRobot) InitWithCache(userAgent string, c cache.Cache) {
	r.userAgent = userAgent
	r.fetcher = NewRobotsFetcher(r.sink, userAgent, c)
}

// Decide fetches (or reuses the cached) robots.txt for target's host and
// decides whether target may be crawled by this robot's user agent.
func (r *CachedRobot) Decide(target url.URL) (Decision, *RobotsError) {
	scheme := target.Scheme
	if scheme == "" {
		scheme = "http"
	}

	result, err := r.fetcher.Fetch(context.Background(), scheme, target.Host)
	if err != nil {
		if r.sink != nil {
			r.sink.RecordError(
				time.Now(),
				"robots",
				"CachedRobot.Decide",
				mapRobotsErrorToMetadataCause(err),
				err.Error(),
				[]metadata.Attribute{metadata.NewAttr(metadata.AttrURL, target.String())},
			)
		}
		return Decision{Url: target}, err
	}

	rs := MapResponseToRuleSet(result.Response, r.userAgent, result.FetchedAt)
	return decide(rs, target), nil
}

func decide(rs ruleSet, target url.URL) Decision {
	decision := Decision{Url: target}

	if delay := rs.CrawlDelay(); delay != nil {
		decision.CrawlDelay = *delay
	}

	if !rs.hasGroups {
		decision.Allowed = true
		decision.Reason = EmptyRuleSet
		return decision
	}

	if !rs.matchedGroup {
		decision.Allowed = true
		decision.Reason = UserAgentNotMatched
		return decision
	}

	path := target.Path
	if path == "" {
		path = "/"
	}

	matched := false
	bestLen := -1
	bestAllow := false

	for _, rule := range rs.AllowRules() {
		if length, ok := matchRobotsPath(rule.Prefix(), path); ok {
			matched = true
			if length > bestLen || (length == bestLen && !bestAllow) {
				bestLen = length
				bestAllow = true
			}
		}
	}
	for _, rule := range rs.DisallowRules() {
		if length, ok := matchRobotsPath(rule.Prefix(), path); ok {
			matched = true
			if length > bestLen {
				bestLen = length
				bestAllow = false
			}
		}
	}

	if !matched {
		decision.Allowed = true
		decision.Reason = NoMatchingRules
		return decision
	}

	decision.Allowed = bestAllow
	if bestAllow {
		decision.Reason = AllowedByRobots
	} else {
		decision.Reason = DisallowedByRobots
	}
	return decision
}

// matchRobotsPath reports whether path matches a robots.txt path pattern,
// supporting "*" wildcards and a trailing "$" end anchor. The returned
// length is the pattern's character length, used to pick the most specific
// rule when several rules match the same path.
func matchRobotsPath(pattern, path string) (int, bool) {
	if pattern == "" {
		return 0, false
	}

	anchored := strings.HasSuffix(pattern, "$")
	body := pattern
	if anchored {
		body = strings.TrimSuffix(body, "$")
	}

	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range body {
		if r == '*' {
			sb.WriteString(".*")
			continue
		}
		sb.WriteString(regexp.QuoteMeta(string(r)))
	}
	if anchored {
		sb.WriteString("$")
	}

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return 0, false
	}
	if re.MatchString(path) {
		return len(pattern), true
	}
	return 0, false
}
