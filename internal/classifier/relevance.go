package classifier

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// minRelevanceTerms is the fewest distinct content terms either side needs
// before lexical overlap says anything. Short answers such as "The sum is
// 22." are scored 0.
const minRelevanceTerms = 3

// RelevanceClassifier scores how unrelated an output is to its prompt using
// bag-of-words cosine similarity. Score is 1 - similarity, so an output that
// shares no vocabulary with the prompt scores 1.
type RelevanceClassifier struct {
	stopwords map[string]bool
}

// NewRelevanceClassifier returns a relevance classifier with an English stopword list.
func NewRelevanceClassifier() *RelevanceClassifier {
	sw := make(map[string]bool, len(englishStopwords))
	for _, w := range englishStopwords {
		sw[w] = true
	}
	return &RelevanceClassifier{stopwords: sw}
}

// Name implements Classifier.
func (c *RelevanceClassifier) Name() string { return "relevance" }

// Classify returns 0 when either side has too few content terms to compare.
func (c *RelevanceClassifier) Classify(ctx context.Context, text, prior string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a, b := c.bag(text), c.bag(prior)
	if len(a) < minRelevanceTerms || len(b) < minRelevanceTerms {
		return 0, nil
	}
	return 1 - cosine(a, b), nil
}

// Similarity exposes the raw cosine similarity for diagnostics.
func (c *RelevanceClassifier) Similarity(a, b string) float64 {
	return cosine(c.bag(a), c.bag(b))
}

func (c *RelevanceClassifier) bag(s string) map[string]float64 {
	bag := make(map[string]float64)
	for _, w := range Words(strings.ToLower(s)) {
		if c.stopwords[w] || len(w) < 2 {
			continue
		}
		bag[stem(w)]++
	}
	return bag
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		dot += v * b[k]
	}
	for _, v := range b {
		nb += v * v
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// stem strips a few common English suffixes so "loops" and "loop" compare equal.
func stem(w string) string {
	for _, suf := range []string{"ing", "ed", "es", "s"} {
		if len(w) > len(suf)+2 && strings.HasSuffix(w, suf) {
			return strings.TrimSuffix(w, suf)
		}
	}
	return w
}

// Words splits s on anything that is not a letter or digit.
func Words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var englishStopwords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "can", "do", "does",
	"for", "from", "has", "have", "how", "i", "if", "in", "into", "is", "it", "its",
	"me", "my", "of", "on", "or", "our", "please", "so", "that", "the", "their",
	"them", "then", "there", "these", "they", "this", "to", "was", "we", "what",
	"when", "where", "which", "who", "why", "will", "with", "you", "your",
}
