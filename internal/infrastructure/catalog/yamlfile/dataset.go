package yamlfile

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
)

const (
	defaultChunkSize   = 900
	defaultSearchLimit = 3
	termSaturation     = 1.2
	titleBoost         = 1.5
)

type passage struct {
	title   string
	content string
	terms   map[string]float64
}

// datasetIndex is an in-memory keyword index over the dataset's passages,
// scored with saturated term frequency times inverse document frequency.
type datasetIndex struct {
	id       string
	passages []passage
	docFreq  map[string]int
}

func buildIndex(id string, ds datasetDocument) *datasetIndex {
	index := &datasetIndex{id: id, docFreq: make(map[string]int)}
	for _, doc := range ds.Documents {
		for _, chunk := range splitPassages(doc.Text, ds.ChunkSize, ds.ChunkOverlap) {
			terms := make(map[string]float64, 32)
			addTerms(terms, tokenize(chunk), 1.0)
			addTerms(terms, tokenize(doc.Title), titleBoost)
			for term := range terms {
				index.docFreq[term]++
			}
			content := chunk
			if title := strings.TrimSpace(doc.Title); title != "" {
				content = title + "\n" + chunk
			}
			index.passages = append(index.passages, passage{title: doc.Title, content: content, terms: terms})
		}
	}
	return index
}

func (idx *datasetIndex) search(query string, limit int) []domain.DatasetHit {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	queryTerms := uniqueTokens(query)
	if len(queryTerms) == 0 || len(idx.passages) == 0 {
		return []domain.DatasetHit{}
	}

	n := float64(len(idx.passages))
	candidates := make([]candidate, 0, len(idx.passages))
	for _, p := range idx.passages {
		score := 0.0
		for _, term := range queryTerms {
			tf, ok := p.terms[term]
			if !ok {
				continue
			}
			df := float64(idx.docFreq[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			score += idf * (tf * (termSaturation + 1)) / (tf + termSaturation)
		}
		if score > 0 {
			candidates = append(candidates, candidate{passage: p, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	candidates = rerankCandidates(queryTerms, candidates, limit*rerankWindowFactor)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	hits := make([]domain.DatasetHit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, domain.DatasetHit{DatasetID: idx.id, Content: c.passage.content, Score: c.score})
	}
	return hits
}

// splitPassages cuts text into windows of at most size runes, preferring
// paragraph boundaries; paragraphs longer than size are cut with overlap.
func splitPassages(text string, size, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 4
	}

	var out []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		if len(runes) > size {
			flush()
			step := size - overlap
			for start := 0; start < len(runes); start += step {
				end := min(start+size, len(runes))
				out = append(out, strings.TrimSpace(string(runes[start:end])))
				if end == len(runes) {
					break
				}
			}
			continue
		}
		if current.Len() > 0 && len([]rune(current.String()))+2+len(runes) > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return out
}

func addTerms(dst map[string]float64, tokens []string, weight float64) {
	for _, token := range tokens {
		dst[token] += weight
	}
}

func uniqueTokens(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, token := range tokenize(s) {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
