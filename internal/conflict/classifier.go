package conflict

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PRSENTINEL/internal/textutil"
)

// Classifier decides whether two prescriptive positions disagree.
// Implementations should prefer a false positive over a missed contradiction.
type Classifier interface {
	PositionsConflict(a, b string) bool
}

// Assessor is implemented by classifiers that can explain their verdict
type Assessor interface {
	Assess(a, b string) Assessment
}

// Assessment is a classifier verdict with its grounds
type Assessment struct {
	Conflict  bool
	Uncertain bool
	Reason    string
}

// Modality is the prescriptive force of a statement
type Modality string

const (
	ModalityMandatory   Modality = "mandatory"
	ModalityRecommended Modality = "recommended"
	ModalityOptional    Modality = "optional"
	ModalityProhibited  Modality = "prohibited"
	ModalityUnknown     Modality = "unknown"
)

// Position is the normalized reading of a statement. Mixed is set when one
// clause requires something and another prohibits something.
type Position struct {
	Modality  Modality
	Condition string
	Mixed     bool
}

// Prescriptive reports whether the position binds the reader
func (p Position) Prescriptive() bool {
	return p.Modality == ModalityMandatory || p.Modality == ModalityProhibited
}

// Checked in order. Negated requirements come before prohibitions so that
// "do not require" reads as optional rather than forbidden.
var (
	optionalMarkers = []string{
		"not required", "not mandatory", "not necessary", "not needed", "optional",
		"don't require", "doesn't require", "do not require", "does not require",
		"no need to", "at your discretion", "is fine to skip",
	}
	prohibitedMarkers = []string{
		"must not", "mustn't", "shall not", "should not", "shouldn't", "never",
		"do not", "don't", "prohibited", "forbidden", "not allowed", "avoid",
		"disallowed",
	}
	mandatoryMarkers = []string{
		"must", "shall", "required", "requires", "mandatory", "always", "need to", "needs to",
		"have to", "has to",
	}
	recommendedMarkers = []string{
		"should", "recommend", "prefer", "encourage", "ideally", "best practice", "may want to",
	}

	clauseBreak      = regexp.MustCompile(`[.!?](?:\s+|$)|[;\n]+`)
	joinedDirective  = regexp.MustCompile(`(?i)(?:,|\band\b|\bbut\b)\s+(never|always|must|do not|don't|avoid|shall)\b`)
	conditionPattern = regexp.MustCompile(`\b(unless|except|only if|only when|if|when|for (?:services|teams|projects|repos|repositories|code|apis?) with|under|below|above|fewer than|more than)\b[^.;]*|[<>]=?\s*\d+[^.;]*`)
	wordBoundary     = regexp.MustCompile(`[^a-z']+`)
)

// ReadPosition extracts modality and any conditional exception from text
func ReadPosition(text string) Position {
	pos := readClause(text)
	var mandatory, prohibited bool
	for _, c := range clauses(text) {
		switch readClause(c).Modality {
		case ModalityMandatory:
			mandatory = true
		case ModalityProhibited:
			prohibited = true
		}
	}
	pos.Mixed = mandatory && prohibited
	return pos
}

func readClause(text string) Position {
	norm := strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	padded := " " + wordBoundary.ReplaceAllString(norm, " ") + " "

	pos := Position{Modality: ModalityUnknown}
	switch {
	case containsAny(padded, optionalMarkers):
		pos.Modality = ModalityOptional
	case containsAny(padded, prohibitedMarkers):
		pos.Modality = ModalityProhibited
	case containsAny(padded, mandatoryMarkers):
		pos.Modality = ModalityMandatory
	case containsAny(padded, recommendedMarkers):
		pos.Modality = ModalityRecommended
	}
	if m := conditionPattern.FindString(norm); m != "" {
		pos.Condition = strings.TrimSpace(m)
	}
	return pos
}

// clauses splits text into sentences, and splits a sentence again where a
// second directive is joined on ("use X; never do Y", "use X and never Y").
func clauses(text string) []string {
	text = joinedDirective.ReplaceAllString(text, "; ${1}")
	var out []string
	for _, c := range clauseBreak.Split(text, -1) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// markerWords are the tokens of every modality marker. They say how strongly
// a clause binds, not what it is about.
var markerWords = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range [][]string{optionalMarkers, prohibitedMarkers, mandatoryMarkers, recommendedMarkers} {
		for _, m := range list {
			for _, t := range textutil.Tokenize(m) {
				set[t] = struct{}{}
				set[textutil.Stem(t)] = struct{}{}
			}
		}
	}
	return set
}()

func topicTerms(clause string) []string {
	var out []string
	for _, t := range textutil.StemmedTerms(clause) {
		if _, ok := markerWords[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func containsAny(padded string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(padded, " "+m+" ") {
			return true
		}
	}
	return false
}

// RuleClassifier compares the deontic modality of two statements.
// Pairs it cannot place are reported as uncertain conflicts.
type RuleClassifier struct{}

// PositionsConflict implements Classifier
func (RuleClassifier) PositionsConflict(a, b string) bool {
	return RuleClassifier{}.Assess(a, b).Conflict
}

// Assess implements Assessor
func (RuleClassifier) Assess(a, b string) Assessment {
	pa, pb := ReadPosition(a), ReadPosition(b)
	if pa.Mixed || pb.Mixed {
		return assessClauses(a, b)
	}
	return assessPositions(pa, pb)
}

// assessClauses compares a text that both requires and prohibits clause by
// clause. Only clauses sharing a term are compared. A contradiction found
// this way is never certain, and texts with no comparable clauses stay
// uncertain conflicts.
func assessClauses(a, b string) Assessment {
	compared := false
	for _, ca := range clauses(a) {
		ta := topicTerms(ca)
		for _, cb := range clauses(b) {
			if len(textutil.Overlap(ta, topicTerms(cb))) == 0 {
				continue
			}
			compared = true
			verdict := assessPositions(readClause(ca), readClause(cb))
			if verdict.Conflict {
				verdict.Uncertain = true
				return verdict
			}
		}
	}
	if !compared {
		return Assessment{Conflict: true, Uncertain: true, Reason: "could not match the clauses of a source that both requires and prohibits"}
	}
	return Assessment{Reason: "the overlapping clauses prescribe the same direction"}
}

func assessPositions(pa, pb Position) Assessment {
	ma, mb := pa.Modality, pb.Modality
	pair := func(x, y Modality) bool {
		return (ma == x && mb == y) || (ma == y && mb == x)
	}

	switch {
	case pair(ModalityMandatory, ModalityProhibited):
		return Assessment{Conflict: true, Reason: "one source requires what the other prohibits"}
	case pair(ModalityMandatory, ModalityOptional):
		return Assessment{Conflict: true, Reason: describeOptional("one source requires what the other makes optional", pa, pb)}
	case pair(ModalityProhibited, ModalityRecommended):
		return Assessment{Conflict: true, Reason: "one source recommends what the other prohibits"}
	case pair(ModalityProhibited, ModalityOptional):
		return Assessment{Conflict: true, Uncertain: true, Reason: "one source prohibits what the other leaves optional"}
	case pair(ModalityMandatory, ModalityRecommended):
		if pa.Condition != "" || pb.Condition != "" {
			return Assessment{Conflict: true, Uncertain: true, Reason: describeOptional("a requirement is softened to a recommendation with an exception", pa, pb)}
		}
		return Assessment{Reason: "both sources prescribe the same direction"}
	}

	if ma == mb && pa.Prescriptive() {
		if (pa.Condition == "") != (pb.Condition == "") {
			return Assessment{Conflict: true, Uncertain: true, Reason: describeOptional("only one source allows an exception", pa, pb)}
		}
		return Assessment{Reason: fmt.Sprintf("both sources are %s", ma)}
	}

	if (ma == ModalityUnknown && pb.Prescriptive()) || (mb == ModalityUnknown && pa.Prescriptive()) {
		return Assessment{Conflict: true, Uncertain: true, Reason: "could not determine whether a descriptive source agrees with a binding one"}
	}
	return Assessment{Reason: "no opposing prescriptions"}
}

func describeOptional(base string, pa, pb Position) string {
	for _, p := range []Position{pa, pb} {
		if p.Condition != "" {
			return fmt.Sprintf("%s (exception: %q)", base, p.Condition)
		}
	}
	return base
}
