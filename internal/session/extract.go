package session

import (
	"sort"
	"strings"
	"unicode"
)

// Extractor derives entities and topics from conversation text. The built-in
// [HeuristicExtractor] is intentionally shallow; the interface exists so a
// real NLP backend can replace it without touching the context builder.
type Extractor interface {
	// Entities returns the named entities mentioned in text.
	Entities(text string) []string

	// Topics returns the dominant topics of text, most frequent first.
	Topics(text string) []string
}

// HeuristicExtractor implements [Extractor] with lexical heuristics:
// capitalised words as entities, stop-word-filtered term frequencies as
// topics.
type HeuristicExtractor struct{}

var _ Extractor = HeuristicExtractor{}

// maxTopics bounds the topic list; minTopicCount is the frequency floor for
// a term to qualify as a topic.
const (
	maxTopics     = 5
	minTopicCount = 2
)

// stopWords are excluded from topic extraction.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true,
	"they": true, "me": true, "my": true, "your": true, "this": true, "that": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "as": true, "by": true, "from": true, "so": true, "not": true,
	"do": true, "does": true, "did": true, "have": true, "has": true, "had": true,
	"what": true, "which": true, "who": true, "how": true, "when": true,
	"can": true, "could": true, "would": true, "will": true, "just": true,
	"like": true, "there": true, "about": true, "then": true, "them": true,
	"some": true, "its": true, "if": true, "up": true, "out": true, "no": true,
	"yes": true, "okay": true, "ok": true, "well": true, "really": true,
}

// Entities returns the capitalised words of length > 2, deduplicated in
// order of first appearance. Sentence-initial words qualify too; the
// heuristic prefers recall over precision.
func (HeuristicExtractor) Entities(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(text, isWordBoundary) {
		if len([]rune(w)) <= 2 {
			continue
		}
		r := []rune(w)
		if !unicode.IsUpper(r[0]) {
			continue
		}
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Topics returns up to five lower-cased terms occurring at least twice,
// excluding stop words, ordered by descending frequency.
func (HeuristicExtractor) Topics(text string) []string {
	counts := make(map[string]int)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), isWordBoundary) {
		if len(w) <= 2 || stopWords[w] {
			continue
		}
		counts[w]++
	}

	type tc struct {
		term  string
		count int
	}
	var terms []tc
	for term, count := range counts {
		if count >= minTopicCount {
			terms = append(terms, tc{term, count})
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].count != terms[j].count {
			return terms[i].count > terms[j].count
		}
		return terms[i].term < terms[j].term
	})

	if len(terms) > maxTopics {
		terms = terms[:maxTopics]
	}
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.term
	}
	return out
}

func isWordBoundary(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}
