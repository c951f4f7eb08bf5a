package knowledge

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

//go:embed assistant.md
var defaultDocument string

const (
	minChunkRunes = 50
	minTokenRunes = 4
	maxResults    = 2
)

var sectionBoundary = regexp.MustCompile(`\n### |\n---`)

// appKeywords gate retrieval: only messages about the app itself are enriched.
var appKeywords = []string{
	"bredai", "funktion", "einstellen", "sidebar", "projekt",
	"bot", "wechseln", "wie geht", "kannst du", "wo finde ich",
}

type Chunk struct {
	ID      string
	Title   string
	Content string
}

type indexedChunk struct {
	Chunk
	title   string
	content string
}

// Index scores help chunks against free-text questions.
type Index struct {
	chunks []indexedChunk
}

// Default builds an index over the embedded help document.
func Default() *Index {
	return New(Build(defaultDocument))
}

func New(chunks []Chunk) *Index {
	idx := &Index{}
	for _, c := range chunks {
		idx.chunks = append(idx.chunks, indexedChunk{
			Chunk:   c,
			title:   normalize(c.Title),
			content: normalize(c.Content),
		})
	}
	return idx
}

func (x *Index) Len() int {
	return len(x.chunks)
}

// Build splits document into titled chunks. Sections whose trimmed content is
// 50 runes or shorter are dropped.
func Build(document string) []Chunk {
	sections := sectionBoundary.Split(document, -1)
	out := make([]Chunk, 0, len(sections))
	n := 0
	for _, section := range sections {
		if section == "" {
			continue
		}
		id := fmt.Sprintf("chunk_%d", n)
		n++

		content := strings.TrimSpace(section)
		if utf8.RuneCountInString(content) <= minChunkRunes {
			continue
		}
		title, _, _ := strings.Cut(content, "\n")
		title = strings.TrimSpace(strings.ReplaceAll(title, "#", ""))
		out = append(out, Chunk{ID: id, Title: title, Content: content})
	}
	return out
}

// Search returns at most two chunks ranked by keyword overlap. A query word
// counts once for appearing in the content and three times for appearing in
// the title.
func (x *Index) Search(query string) []Chunk {
	words := x.tokenize(query)
	if len(words) == 0 {
		return nil
	}

	type scored struct {
		chunk Chunk
		score int
	}
	var hits []scored
	for _, c := range x.chunks {
		score := 0
		for _, w := range words {
			if strings.Contains(c.content, w) {
				score++
			}
			if strings.Contains(c.title, w) {
				score += 3
			}
		}
		if score > 0 {
			hits = append(hits, scored{chunk: c.Chunk, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	out := make([]Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.chunk
	}
	return out
}

// tokenize keeps whitespace-separated words longer than three runes, then
// strips surrounding punctuation so "Bot?" matches "Bot-Persönlichkeiten".
func (x *Index) tokenize(query string) []string {
	var words []string
	for _, raw := range strings.Fields(normalize(query)) {
		if utf8.RuneCountInString(raw) < minTokenRunes {
			continue
		}
		w := strings.TrimFunc(raw, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// normalize folds case the German way. Casers carry state, so each call
// gets its own.
func normalize(s string) string {
	return cases.Lower(language.German).String(norm.NFC.String(s))
}

// IsAppQuery reports whether message mentions the app closely enough to be
// worth a retrieval pass.
func IsAppQuery(message string) bool {
	lower := strings.ToLower(message)
	for _, k := range appKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Augment prefixes message with the best matching help chunks. ok is false
// when the message is not about the app or nothing matched.
func (x *Index) Augment(message string) (augmented string, ok bool) {
	if !IsAppQuery(message) {
		return message, false
	}
	chunks := x.Search(message)
	if len(chunks) == 0 {
		return message, false
	}
	contents := make([]string, len(chunks))
	for i, c := range chunks {
		contents[i] = c.Content
	}
	var b strings.Builder
	b.WriteString("Beantworte die folgende Frage des Nutzers. Nutze dafür den beigefügten Kontext aus der internen Wissensbasis. ")
	b.WriteString("Antworte natürlich in deinem Charakter und zitiere den Kontext nicht direkt.\n\n")
	b.WriteString("--- KONTEXT AUS WISSENSBASIS ---\n")
	b.WriteString(strings.Join(contents, "\n---\n"))
	b.WriteString("\n--- ENDE DES KONTEXTS ---\n\n")
	b.WriteString("Frage des Nutzers: ")
	b.WriteString(message)
	return b.String(), true
}
