// Package knowledge ranks chunks of local domain docs against a query. It is
// the strict-mode substitute for model pretraining: the critic only gets to
// cite syntax it can retrieve from here.
package knowledge

import (
	"os"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"cortex/internal/domain"
)

// DefaultMaxChunks bounds how many chunks a single retrieve returns.
const DefaultMaxChunks = 4

const minChunkChars = 250

// RetrievedChunk is one scored excerpt with its provenance.
type RetrievedChunk struct {
	SourceID    string  `json:"source_id"`
	SourcePath  string  `json:"source_path"`
	SourceTitle string  `json:"source_title"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
}

// Provider retrieves supporting chunks for a query over a doc manifest.
type Provider interface {
	Retrieve(query string, docs []domain.Doc, maxChunks int) []RetrievedChunk
}

// LocalDocsProvider ranks paragraph chunks of on-disk docs by lexical overlap.
type LocalDocsProvider struct {
	chunkChars int
}

// NewLocalDocsProvider returns a provider with the given chunk size budget;
// values below 250 are raised to keep chunks self-contained.
func NewLocalDocsProvider(chunkChars int) *LocalDocsProvider {
	if chunkChars < minChunkChars {
		chunkChars = minChunkChars
	}
	return &LocalDocsProvider{chunkChars: chunkChars}
}

func tokenize(text string) map[string]bool {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(' ')
		}
	}
	tokens := map[string]bool{}
	for _, tok := range strings.Fields(b.String()) {
		tokens[tok] = true
	}
	return tokens
}

func jaccard(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// readChunks splits a doc into paragraph-ish blocks. Blank lines break chunks;
// an oversized chunk is flushed before the line that would overflow it, so
// examples stay adjacent to their surrounding rules.
func (p *LocalDocsProvider) readChunks(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var chunks []string
	var current []string
	currentLen := 0
	flush := func() {
		chunk := strings.TrimSpace(strings.Join(current, "\n"))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	for _, line := range strings.Split(string(data), "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			if len(current) > 0 {
				flush()
				current = nil
				currentLen = 0
			}
			continue
		}
		if currentLen+len(stripped) > p.chunkChars && len(current) > 0 {
			flush()
			current = []string{stripped}
			currentLen = len(stripped)
		} else {
			current = append(current, stripped)
			currentLen += len(stripped) + 1
		}
	}
	if len(current) > 0 {
		flush()
	}
	return chunks
}

// Retrieve scores every chunk of every doc against the query and returns the
// top maxChunks. Score is Jaccard similarity plus a small bonus when the doc's
// tags appear in the query, capped so tags never dominate the text signal.
func (p *LocalDocsProvider) Retrieve(query string, docs []domain.Doc, maxChunks int) []RetrievedChunk {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil
	}
	qLower := strings.ToLower(q)

	// Docs are read concurrently but collected per-slot, so tie ordering
	// stays deterministic (doc order, then chunk order).
	perDoc := make([][]RetrievedChunk, len(docs))
	var group errgroup.Group
	group.SetLimit(8)
	for i, doc := range docs {
		group.Go(func() error {
			chunks := p.readChunks(doc.Path)
			if len(chunks) == 0 {
				return nil
			}
			tagBonus := 0.0
			if len(doc.Tags) > 0 {
				hits := 0
				for _, tag := range doc.Tags {
					if strings.Contains(qLower, strings.ToLower(tag)) {
						hits++
					}
				}
				tagBonus = 0.05 * float64(hits)
				if tagBonus > 0.25 {
					tagBonus = 0.25
				}
			}
			for _, chunk := range chunks {
				score := jaccard(q, chunk) + tagBonus
				if score <= 0 {
					continue
				}
				perDoc[i] = append(perDoc[i], RetrievedChunk{
					SourceID:    doc.DocID,
					SourcePath:  doc.Path,
					SourceTitle: doc.Title,
					Text:        chunk,
					Score:       score,
				})
			}
			return nil
		})
	}
	group.Wait()

	var ranked []RetrievedChunk
	for _, chunks := range perDoc {
		ranked = append(ranked, chunks...)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	limit := maxChunks
	if limit < 1 {
		limit = 1
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// FormatChunks renders retrieved chunks as a prompt block, one source header
// per chunk.
func FormatChunks(chunks []RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	for i, chunk := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[doc: ")
		b.WriteString(chunk.SourceTitle)
		b.WriteString("]\n")
		b.WriteString(chunk.Text)
	}
	return b.String()
}
