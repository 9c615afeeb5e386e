package knowledge

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"slices"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "for": {},
	"from": {}, "has": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

// tokenize lowercases s and splits it on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

type termCount struct {
	term  string
	count int
	first int
}

// rankTerms counts distinct tokens and orders them by frequency, then by
// first appearance.
func rankTerms(tokens []string) []termCount {
	idx := make(map[string]int, len(tokens))
	var terms []termCount
	for i, tok := range tokens {
		if j, ok := idx[tok]; ok {
			terms[j].count++
			continue
		}
		idx[tok] = len(terms)
		terms = append(terms, termCount{term: tok, count: 1, first: i})
	}
	slices.SortStableFunc(terms, func(a, b termCount) int {
		if a.count != b.count {
			return b.count - a.count
		}
		return a.first - b.first
	})
	return terms
}

// extractKeywords returns up to limit distinct non-stopword tokens of text.
func extractKeywords(text string, limit int) []string {
	var tokens []string
	for _, tok := range tokenize(text) {
		if len([]rune(tok)) < 2 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tokens = append(tokens, tok)
	}
	ranked := rankTerms(tokens)
	out := make([]string, 0, min(limit, len(ranked)))
	for _, t := range ranked {
		if len(out) == limit {
			break
		}
		out = append(out, t.term)
	}
	return out
}

// Vectorizer maps text to fixed-length unit vectors. Each of the most
// frequent distinct terms (at most dim of them) contributes count/total at a
// slot chosen by hashing the term.
type Vectorizer struct {
	dim int
}

// NewVectorizer returns a vectorizer producing vectors of length dim.
func NewVectorizer(dim int) *Vectorizer {
	if dim <= 0 {
		dim = 512
	}
	return &Vectorizer{dim: dim}
}

// Dim is the vector length.
func (v *Vectorizer) Dim() int { return v.dim }

// Vector returns the unit term-frequency vector of text. Text with no
// tokens yields the all-zero vector.
func (v *Vectorizer) Vector(text string) []float64 {
	vec := make([]float64, v.dim)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec
	}
	total := float64(len(tokens))
	ranked := rankTerms(tokens)
	if len(ranked) > v.dim {
		ranked = ranked[:v.dim]
	}
	for _, t := range ranked {
		vec[v.slot(t.term)] += float64(t.count) / total
	}
	norm := floats.Norm(vec, 2)
	if norm == 0 {
		return vec
	}
	floats.Scale(1/norm, vec)
	return vec
}

func (v *Vectorizer) slot(term string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return int(h.Sum32() % uint32(v.dim))
}

// Cosine returns dot(a,b)/(|a||b|), or 0 when either norm is 0 or the
// lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func encodeVector(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
	}
	return buf
}

func decodeVector(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, errors.New("vector blob length is not a multiple of 8")
	}
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec, nil
}
