package retrieval

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/PRSENTINEL/internal/textutil"
	"github.com/PRSENTINEL/internal/types"
)

// terms is the tokenized form of a query, computed once per retrieval
type terms struct {
	query   []string
	context []string
	all     map[string]struct{}
	text    string
}

func queryTerms(q types.KnowledgeQuery) terms {
	t := terms{
		query:   textutil.StemmedTerms(q.Query),
		context: textutil.StemmedTerms(q.Context),
		text:    strings.TrimSpace(q.Query + "\n" + q.Context),
	}
	if len(t.query) == 0 {
		t.query = t.context
	}
	t.all = make(map[string]struct{}, len(t.query)+len(t.context))
	for _, s := range t.query {
		t.all[s] = struct{}{}
	}
	for _, s := range t.context {
		t.all[s] = struct{}{}
	}
	return t
}

type scorer struct {
	dims     int
	patterns sync.Map // pattern -> *regexp.Regexp, nil when it does not compile
}

func newScorer(dims int) *scorer {
	return &scorer{dims: dims}
}

// score returns the relevance of item to the query in [0,1] and a justification
func (s *scorer) score(q types.KnowledgeQuery, t terms, item types.KnowledgeItem) (float64, string) {
	switch q.RetrievalType {
	case types.RetrievalSemantic:
		return s.semantic(t, item)
	case types.RetrievalPattern:
		return s.pattern(t, item)
	case types.RetrievalPolicy:
		ps, pr := s.pattern(t, item)
		ks, kr := s.keyword(t, item)
		if ps >= ks && ps > 0 {
			return ps, pr
		}
		return ks, kr
	default:
		return s.keyword(t, item)
	}
}

func documentText(item types.KnowledgeItem) string {
	return item.Title + "\n" + item.Content + "\n" + strings.Join(item.Tags, " ")
}

// keyword scores the share of query terms found in the item, with a boost for
// terms that appear in the title or tags.
func (s *scorer) keyword(t terms, item types.KnowledgeItem) (float64, string) {
	if len(t.query) == 0 {
		return 0, ""
	}
	matched := textutil.Overlap(t.query, textutil.StemmedTerms(documentText(item)))
	if len(matched) == 0 {
		return 0, ""
	}
	heading := textutil.Overlap(t.query, textutil.StemmedTerms(item.Title+" "+strings.Join(item.Tags, " ")))
	n := float64(len(t.query))
	score := 0.8*float64(len(matched))/n + 0.2*float64(len(heading))/n
	return round(score), fmt.Sprintf("keyword match on [%s]", strings.Join(matched, ", "))
}

// semantic compares hashed term-frequency vectors. Items sharing no term with the
// query score zero so hash collisions alone never surface an item.
func (s *scorer) semantic(t terms, item types.KnowledgeItem) (float64, string) {
	doc := documentText(item)
	var shared []string
	for _, term := range textutil.StemmedTerms(doc) {
		if _, ok := t.all[term]; ok {
			shared = append(shared, term)
		}
	}
	if len(shared) == 0 {
		return 0, ""
	}
	sim := textutil.Cosine(textutil.HashedVector(t.text, s.dims), textutil.HashedVector(doc, s.dims))
	if sim <= 0 {
		return 0, ""
	}
	return round(sim), fmt.Sprintf("semantic match on [%s] (cosine %.2f)", strings.Join(shared, ", "), sim)
}

// pattern matches the item's tags and executable rule against the query text
func (s *scorer) pattern(t terms, item types.KnowledgeItem) (float64, string) {
	total := 0
	var matched []string
	for _, tag := range item.Tags {
		tagTerms := textutil.StemmedTerms(tag)
		if len(tagTerms) == 0 {
			continue
		}
		total++
		hit := true
		for _, tt := range tagTerms {
			if _, ok := t.all[tt]; !ok {
				hit = false
				break
			}
		}
		if hit {
			matched = append(matched, tag)
		}
	}
	if item.Rule != nil && item.Rule.Pattern != "" {
		if re := s.compile(item.Rule.Pattern); re != nil {
			total++
			if re.MatchString(t.text) {
				matched = append(matched, item.Rule.Pattern)
			}
		}
	}
	if len(matched) == 0 {
		return 0, ""
	}
	score := 0.5 + 0.5*float64(len(matched))/float64(total)
	return round(score), fmt.Sprintf("pattern match: %s", strings.Join(matched, ", "))
}

func (s *scorer) compile(pattern string) *regexp.Regexp {
	if v, ok := s.patterns.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	s.patterns.Store(pattern, re)
	return re
}

func round(v float64) float64 {
	if v > 1 {
		v = 1
	}
	return math.Round(v*1e4) / 1e4
}
