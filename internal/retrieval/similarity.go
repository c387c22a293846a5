package retrieval

import (
	"math"
	"strings"
	"unicode"
)

// stopWords are too common to carry relevance.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "this": true, "to": true, "was": true,
	"will": true, "with": true,
}

// termVector is a bag of lower-cased terms with their frequencies.
type termVector map[string]float64

func vectorize(text string) termVector {
	v := make(termVector)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		v[f]++
	}
	return v
}

func (v termVector) norm() float64 {
	var sum float64
	for _, c := range v {
		sum += c * c
	}
	return math.Sqrt(sum)
}

// Similarity is the cosine similarity of the term-frequency vectors of a and b.
// Frequencies are non-negative, so the result lies in [0,1].
func Similarity(a, b string) float64 {
	return cosine(vectorize(a), vectorize(b))
}

func cosine(a, b termVector) float64 {
	na, nb := a.norm(), b.norm()
	if na == 0 || nb == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for term, ca := range a {
		dot += ca * b[term]
	}
	score := dot / (na * nb)
	if score > 1 {
		score = 1
	}
	return score
}
