package yamlfile

import (
	"sort"
	"strings"
)

const rerankWindowFactor = 4

type candidate struct {
	passage passage
	score   float64
}

// rerankCandidates re-scores the first window keyword hits with a blend of the
// normalized keyword score, query token coverage and a title hit. Candidates
// past the window keep their order behind the reranked head.
func rerankCandidates(queryTerms []string, ranked []candidate, window int) []candidate {
	if len(ranked) == 0 {
		return ranked
	}
	if window <= 0 || window > len(ranked) {
		window = len(ranked)
	}

	head := make([]candidate, window)
	copy(head, ranked[:window])

	minScore, maxScore := head[0].score, head[0].score
	for _, c := range head[1:] {
		minScore = min(minScore, c.score)
		maxScore = max(maxScore, c.score)
	}
	spread := maxScore - minScore
	normalize := func(v float64) float64 {
		if spread <= 0 {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - minScore) / spread
	}

	for i := range head {
		coverage := tokenCoverage(queryTerms, head[i].passage.content)
		title := titleTokenHit(queryTerms, head[i].passage.title)
		head[i].score = 0.60*normalize(head[i].score) + 0.30*coverage + 0.10*title
	}

	sort.SliceStable(head, func(i, j int) bool {
		return head[i].score > head[j].score
	})

	if window == len(ranked) {
		return head
	}
	out := make([]candidate, 0, len(ranked))
	out = append(out, head...)
	return append(out, ranked[window:]...)
}

func tokenCoverage(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	tokens := make(map[string]struct{})
	for _, token := range tokenize(content) {
		tokens[token] = struct{}{}
	}
	matches := 0
	for _, term := range queryTerms {
		if _, ok := tokens[term]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTerms))
}

func titleTokenHit(queryTerms []string, title string) float64 {
	title = strings.ToLower(title)
	if title == "" {
		return 0
	}
	for _, term := range queryTerms {
		if strings.Contains(title, term) {
			return 1
		}
	}
	return 0
}
