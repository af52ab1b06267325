package conflict

import "testing"

func TestReadPosition(t *testing.T) {
	tests := []struct {
		text      string
		modality  Modality
		condition bool
		mixed     bool
	}{
		{"All database connections MUST use connection pooling for security and performance.", ModalityMandatory, false, false},
		{"Connection pooling is recommended but not required for services with < 100 concurrent users.", ModalityOptional, true, false},
		{"Never log credentials.", ModalityProhibited, false, false},
		{"Dependency updates don’t require detailed documentation unless they affect API.", ModalityOptional, true, false},
		{"Prefer small pull requests.", ModalityRecommended, false, false},
		{"The cache lives in redis.", ModalityUnknown, false, false},
		{"Do not require approvals for docs-only changes.", ModalityOptional, false, false},
		{"Always use parameterized queries; never concatenate user input.", ModalityProhibited, false, true},
		{"Services must not retry calls automatically.", ModalityProhibited, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			pos := ReadPosition(tt.text)
			if pos.Modality != tt.modality {
				t.Errorf("modality = %s, want %s", pos.Modality, tt.modality)
			}
			if (pos.Condition != "") != tt.condition {
				t.Errorf("condition = %q, want present=%v", pos.Condition, tt.condition)
			}
			if pos.Mixed != tt.mixed {
				t.Errorf("Mixed = %v, want %v", pos.Mixed, tt.mixed)
			}
		})
	}
}

func TestRuleClassifier_Assess(t *testing.T) {
	tests := []struct {
		name      string
		a, b      string
		conflict  bool
		uncertain bool
	}{
		{
			name:     "must versus optional with exception",
			a:        "All database connections MUST use connection pooling.",
			b:        "Connection pooling is recommended but not required for services with < 100 concurrent users.",
			conflict: true,
		},
		{
			name:     "must versus must not",
			a:        "Services must retry idempotent calls.",
			b:        "Services must not retry calls automatically.",
			conflict: true,
		},
		{
			name: "must versus should without exception",
			a:    "Handlers must validate input.",
			b:    "Handlers should validate input.",
		},
		{
			name: "two recommendations",
			a:    "Prefer table-driven tests.",
			b:    "Tests should be short.",
		},
		{
			name:      "exception on one side only",
			a:         "All queries must be parameterized.",
			b:         "Queries must be parameterized unless they are generated by the ORM.",
			conflict:  true,
			uncertain: true,
		},
		{
			name:      "descriptive versus binding is flagged",
			a:         "Logging uses fmt.Println in this codebase.",
			b:         "Code must never print to stdout.",
			conflict:  true,
			uncertain: true,
		},
		{
			name: "requirement with a prohibition agrees with the same requirement",
			a:    "Always use parameterized queries; never concatenate user input.",
			b:    "Queries MUST use parameterized queries.",
		},
		{
			name:      "requirement with a prohibition against an optional exception",
			a:         "Always use parameterized queries; never concatenate user input.",
			b:         "Building queries from user input is optional for internal tools.",
			conflict:  true,
			uncertain: true,
		},
		{
			name:      "requirement with a prohibition and nothing comparable",
			a:         "Always use parameterized queries; never concatenate user input.",
			b:         "Handlers must log every request.",
			conflict:  true,
			uncertain: true,
		},
		{
			name: "two descriptions",
			a:    "The service talks to redis.",
			b:    "Redis runs in cluster mode.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RuleClassifier{}.Assess(tt.a, tt.b)
			if got.Conflict != tt.conflict {
				t.Errorf("Conflict = %v, want %v (%s)", got.Conflict, tt.conflict, got.Reason)
			}
			if got.Uncertain != tt.uncertain {
				t.Errorf("Uncertain = %v, want %v", got.Uncertain, tt.uncertain)
			}
			if got.Reason == "" {
				t.Error("expected a reason")
			}
			if (RuleClassifier{}).PositionsConflict(tt.a, tt.b) != tt.conflict {
				t.Error("PositionsConflict disagrees with Assess")
			}
			if (RuleClassifier{}).Assess(tt.b, tt.a).Conflict != tt.conflict {
				t.Error("verdict must be symmetric")
			}
		})
	}
}
