// Package textutil holds the tokenization and similarity primitives shared by
// retrieval and conflict detection.
package textutil

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {}, "all": {}, "any": {}, "when": {},
	"than": {}, "then": {}, "these": {}, "those": {}, "we": {}, "our": {}, "you": {},
}

// Tokenize lowercases input and splits it into unique word tokens, preserving
// first-seen order.
func Tokenize(input string) []string {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return nil
	}
	parts := strings.FieldsFunc(input, func(r rune) bool {
		return !(r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "-_")
		if part == "" {
			continue
		}
		if _, exists := seen[part]; exists {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

// ContentTerms is Tokenize without stopwords
func ContentTerms(input string) []string {
	toks := Tokenize(input)
	out := toks[:0]
	for _, t := range toks {
		if IsStopword(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// IsStopword reports whether t carries no topical meaning
func IsStopword(t string) bool {
	_, ok := stopwords[t]
	return ok
}

// Stem strips common English suffixes so "connections" and "connection" match.
func Stem(t string) string {
	switch {
	case len(t) > 5 && strings.HasSuffix(t, "ing"):
		return t[:len(t)-3]
	case len(t) > 4 && strings.HasSuffix(t, "ies"):
		return t[:len(t)-3] + "y"
	case len(t) > 4 && strings.HasSuffix(t, "es") && !strings.HasSuffix(t, "ses"):
		return t[:len(t)-1]
	case len(t) > 3 && strings.HasSuffix(t, "s") && !strings.HasSuffix(t, "ss"):
		return t[:len(t)-1]
	}
	return t
}

// StemmedTerms returns stemmed content terms, unique, in first-seen order
func StemmedTerms(input string) []string {
	terms := ContentTerms(input)
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		s := Stem(t)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// TermFrequencies counts stemmed content terms, including repeats
func TermFrequencies(input string) map[string]float64 {
	input = strings.ToLower(input)
	parts := strings.FieldsFunc(input, func(r rune) bool {
		return !(r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	tf := make(map[string]float64, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "-_")
		if p == "" || IsStopword(p) {
			continue
		}
		tf[Stem(p)]++
	}
	return tf
}

// HashedVector projects term frequencies into a fixed-size vector using the
// hashing trick, so vectors of unrelated texts are comparable without a vocabulary.
func HashedVector(input string, dims int) []float64 {
	if dims <= 0 {
		dims = 256
	}
	vec := make([]float64, dims)
	tf := TermFrequencies(input)
	keys := make([]string, 0, len(tf))
	for k := range tf {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h := fnv.New32a()
		h.Write([]byte(k))
		sum := h.Sum32()
		idx := int(sum % uint32(dims))
		sign := 1.0
		if sum&0x80000000 != 0 {
			sign = -1.0
		}
		vec[idx] += sign * (1 + math.Log(tf[k]))
	}
	return vec
}

// Cosine returns the cosine similarity of two equal-length vectors, clamped to [0,1]
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// Jaccard returns |a∩b| / |a∪b| over two term lists, case-insensitive
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[strings.ToLower(t)] = struct{}{}
	}
	inter := 0
	union := len(set)
	seenB := make(map[string]struct{}, len(b))
	for _, t := range b {
		t = strings.ToLower(t)
		if _, dup := seenB[t]; dup {
			continue
		}
		seenB[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// Overlap returns the terms of query found in doc, in query order
func Overlap(query, doc []string) []string {
	set := make(map[string]struct{}, len(doc))
	for _, t := range doc {
		set[t] = struct{}{}
	}
	var out []string
	for _, t := range query {
		if _, ok := set[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
