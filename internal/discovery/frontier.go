package discovery

import (
	"net/url"
	"sort"
	"strings"
)

// RerankFunc reorders a cluster of near-tied candidates for query. It must
// return a permutation of candidates (same elements, any order); an empty
// or nil return is treated as "leave unchanged" by BuildFrontier.
type RerankFunc func(query string, candidates []Candidate) []Candidate

// FrontierOptions configures BuildFrontier. Zero values take spec.md
// §4.6's defaults.
type FrontierOptions struct {
	Budget          int
	PerHostCap      int
	PolitenessDelay float64
	Rerank          RerankFunc
	RerankMargin    float64
}

// BuildFrontier shapes scored candidates into a per-host-capped,
// politeness-interleaved crawl order, per spec.md §4.6:
//  1. sort by descending score, stable tie-break on URL
//  2. apply the per-host cap
//  3. rerank the top score-tie cluster (within RerankMargin of the
//     leader) if a RerankFunc is supplied
//  4. pick which entries survive truncation to Budget, keeping the
//     largest per-host share whole before any other host's leftovers
//  5. interleave the surviving entries across hosts so no two same-host
//     URLs are adjacent when another host is available
func BuildFrontier(query string, candidates []Candidate, opts FrontierOptions) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultDiscoveryLimit
	}
	perHostCap := opts.PerHostCap
	if perHostCap <= 0 {
		perHostCap = DefaultPerHostCap
	}
	rerankMargin := opts.RerankMargin
	if rerankMargin <= 0 {
		rerankMargin = DefaultRerankMargin
	}

	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].URL < sorted[j].URL
	})

	capped := applyPerHostCap(sorted, perHostCap)
	if opts.Rerank != nil {
		capped = rerankTopCluster(query, capped, rerankMargin, opts.Rerank)
	}
	quota := selectHostQuota(capped, budget)
	return interleaveByHost(quota)
}

// selectHostQuota decides which of capped's entries survive truncation to
// budget, per spec.md §8 S6: the largest remaining per-host share is kept
// whole first, and only the leftover budget spills to the next-largest
// host, rather than spreading the cut evenly across every host. Within a
// host, the best-scoring entries (capped is already score-sorted) are kept.
func selectHostQuota(capped []Candidate, budget int) []Candidate {
	if budget >= len(capped) {
		return capped
	}

	byHost := make(map[string][]Candidate)
	var hostOrder []string
	for _, c := range capped {
		host := hostOf(c.URL)
		if _, ok := byHost[host]; !ok {
			hostOrder = append(hostOrder, host)
		}
		byHost[host] = append(byHost[host], c)
	}

	sort.SliceStable(hostOrder, func(i, j int) bool {
		return len(byHost[hostOrder[i]]) > len(byHost[hostOrder[j]])
	})

	remaining := budget
	quota := make(map[string]int, len(hostOrder))
	for _, host := range hostOrder {
		if remaining <= 0 {
			break
		}
		take := len(byHost[host])
		if take > remaining {
			take = remaining
		}
		quota[host] = take
		remaining -= take
	}

	out := make([]Candidate, 0, budget)
	for _, c := range capped {
		host := hostOf(c.URL)
		if quota[host] > 0 {
			out = append(out, c)
			quota[host]--
		}
	}
	return out
}

func applyPerHostCap(sorted []Candidate, perHostCap int) []Candidate {
	counts := make(map[string]int)
	out := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		host := hostOf(c.URL)
		if counts[host] >= perHostCap {
			continue
		}
		counts[host]++
		out = append(out, c)
	}
	return out
}

// rerankTopCluster finds the leading run of candidates (already sorted
// descending by score) whose score is within margin of the leader, reranks
// just that run, and leaves everything after it untouched.
func rerankTopCluster(query string, ranked []Candidate, margin float64, rerank RerankFunc) []Candidate {
	if len(ranked) == 0 {
		return ranked
	}
	leader := ranked[0].Score
	clusterEnd := 1
	for clusterEnd < len(ranked) && leader-ranked[clusterEnd].Score <= margin {
		clusterEnd++
	}
	if clusterEnd < 2 {
		return ranked
	}

	cluster := append([]Candidate(nil), ranked[:clusterEnd]...)
	reordered := rerank(query, cluster)
	if len(reordered) != len(cluster) {
		return ranked
	}

	out := make([]Candidate, 0, len(ranked))
	out = append(out, reordered...)
	out = append(out, ranked[clusterEnd:]...)
	return out
}

// interleaveByHost reorders capped (already score-sorted within each host)
// so no two adjacent entries share a host whenever another host's
// candidates remain. Each slot takes the next entry of the first host, in
// order of first appearance in capped, that still has entries and did not
// fill the previous slot.
func interleaveByHost(capped []Candidate) []Candidate {
	if len(capped) == 0 {
		return nil
	}

	byHost := make(map[string][]Candidate)
	var hostOrder []string
	for _, c := range capped {
		host := hostOf(c.URL)
		if _, ok := byHost[host]; !ok {
			hostOrder = append(hostOrder, host)
		}
		byHost[host] = append(byHost[host], c)
	}

	out := make([]Candidate, 0, len(capped))
	lastHost := ""
	for len(out) < len(capped) {
		picked := false
		for _, host := range hostOrder {
			if host == lastHost && hasOtherHostRemaining(byHost, host) {
				continue
			}
			queue := byHost[host]
			if len(queue) == 0 {
				continue
			}
			out = append(out, queue[0])
			byHost[host] = queue[1:]
			lastHost = host
			picked = true
			break
		}
		if !picked {
			// Only one host has remaining candidates; drain it in order.
			for _, host := range hostOrder {
				for _, c := range byHost[host] {
					out = append(out, c)
				}
				byHost[host] = nil
			}
		}
	}
	return out
}

func hasOtherHostRemaining(byHost map[string][]Candidate, exclude string) bool {
	for host, queue := range byHost {
		if host != exclude && len(queue) > 0 {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
