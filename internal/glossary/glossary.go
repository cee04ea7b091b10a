package glossary

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	goahocorasick "github.com/anknown/ahocorasick"
)

// RefusalMessage is returned for questions outside the glossary domain,
// without calling the LLM.
const RefusalMessage = "Sorry, I only answer construction-related questions."

// Book is the construction knowledge base: a term -> definition map with
// a normalized Aho-Corasick automaton for containment matching and a
// fuzzy index for near-miss suggestions.
type Book struct {
	entries map[string]string
	terms   []string
	matcher *goahocorasick.Machine
	fuzzy   *fuzzyIndex
}

// Load reads a JSON object of term -> definition pairs from disk and
// builds the matching structures.
func Load(path string) (*Book, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read glossary file failed: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode glossary json failed: %w", err)
	}
	return New(entries)
}

// New builds a Book from in-memory entries. Term keys are matched
// case-insensitively and with punctuation treated as spacing.
func New(entries map[string]string) (*Book, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("glossary has no entries")
	}

	normalized := make(map[string]string, len(entries))
	terms := make([]string, 0, len(entries))
	for term, definition := range entries {
		key := normalize(term)
		if key == "" {
			continue
		}
		normalized[key] = definition
		terms = append(terms, key)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("glossary has no usable terms")
	}
	// Deterministic match order for terms sharing a prefix.
	sort.Strings(terms)

	patterns := make([][]rune, len(terms))
	for i, term := range terms {
		patterns[i] = []rune(term)
	}
	matcher := new(goahocorasick.Machine)
	if err := matcher.Build(patterns); err != nil {
		return nil, fmt.Errorf("build glossary matcher failed: %w", err)
	}

	fuzzy, err := newFuzzyIndex(vocabulary(terms))
	if err != nil {
		return nil, fmt.Errorf("build glossary fuzzy index failed: %w", err)
	}

	return &Book{
		entries: normalized,
		terms:   terms,
		matcher: matcher,
		fuzzy:   fuzzy,
	}, nil
}

func (b *Book) Close() error {
	return b.fuzzy.close()
}

// Terms returns the normalized glossary terms in sorted order.
func (b *Book) Terms() []string {
	out := make([]string, len(b.terms))
	copy(out, b.terms)
	return out
}

// Relevant reports whether the text mentions at least one glossary term.
// Non-Latin-script input is never considered relevant; the assistant
// only understands English questions.
func (b *Book) Relevant(text string) bool {
	if !latinScript(text) {
		return false
	}
	return len(b.matcher.MultiPatternSearch([]rune(normalize(text)), true)) > 0
}

// framingWords may surround a term in a definition-style question
// ("what is cement used for") without changing what is being asked.
var framingWords = map[string]struct{}{
	"what": {}, "whats": {}, "is": {}, "are": {}, "a": {}, "an": {},
	"the": {}, "of": {}, "define": {}, "definition": {}, "explain": {},
	"describe": {}, "tell": {}, "give": {}, "me": {}, "about": {},
	"please": {}, "mean": {}, "means": {}, "meaning": {}, "do": {},
	"does": {}, "it": {}, "used": {}, "use": {}, "for": {}, "in": {},
	"can": {}, "you": {}, "u": {},
}

// Lookup answers definition-style questions directly: it returns the
// definition of the earliest glossary term mentioned (longest term at
// that position) when every other word in the text is question framing.
// Anything more involved is left for the LLM.
func (b *Book) Lookup(text string) (string, bool) {
	norm := normalize(text)
	hits := b.matcher.MultiPatternSearch([]rune(norm), false)
	if len(hits) == 0 {
		return "", false
	}

	best := hits[0]
	for _, hit := range hits[1:] {
		if hit.Pos < best.Pos || (hit.Pos == best.Pos && len(hit.Word) > len(best.Word)) {
			best = hit
		}
	}
	term := string(best.Word)

	for _, word := range strings.Fields(strings.Replace(norm, term, " ", 1)) {
		if _, ok := framingWords[word]; !ok {
			return "", false
		}
	}
	definition, ok := b.entries[term]
	return definition, ok
}

// normalize lowercases the text and collapses punctuation and runs of
// whitespace into single spaces so "load-bearing  Wall?" matches the
// term "load bearing wall".
func normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	space := true
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(unicode.ToLower(r))
			space = false
		default:
			if !space {
				sb.WriteRune(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// vocabulary splits multi-word terms into distinct words for the
// spelling suggester.
func vocabulary(terms []string) []string {
	seen := make(map[string]struct{})
	var words []string
	for _, term := range terms {
		for _, word := range strings.Fields(term) {
			if _, ok := seen[word]; ok {
				continue
			}
			seen[word] = struct{}{}
			words = append(words, word)
		}
	}
	sort.Strings(words)
	return words
}

func latinScript(text string) bool {
	script := whatlanggo.DetectScript(text)
	return script == nil || script == unicode.Latin
}
