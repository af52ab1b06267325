package textutil

import (
	"math"
	"testing"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("SQL injection, sql-injection prevention!")
	want := []string{"sql", "injection", "sql-injection", "prevention"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
	if Tokenize("   ") != nil {
		t.Error("expected nil for blank input")
	}
}

func TestStemmedTerms(t *testing.T) {
	got := StemmedTerms("All database connections use the connection pool")
	for _, term := range got {
		if term == "connections" {
			t.Error("expected plural to be stemmed")
		}
		if term == "the" || term == "all" {
			t.Errorf("expected stopword %q to be dropped", term)
		}
	}
	count := 0
	for _, term := range got {
		if term == "connection" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected single stemmed 'connection', got %v", got)
	}
}

func TestHashedVector_CosineBounds(t *testing.T) {
	a := HashedVector("connection pooling for database clients", 128)
	b := HashedVector("database connection pooling", 128)
	c := HashedVector("frontend button colour palette", 128)

	self := Cosine(a, a)
	if math.Abs(self-1) > 1e-9 {
		t.Errorf("self similarity = %v, want 1", self)
	}
	related := Cosine(a, b)
	unrelated := Cosine(a, c)
	if related <= unrelated {
		t.Errorf("expected related (%v) > unrelated (%v)", related, unrelated)
	}
	if related < 0 || related > 1 {
		t.Errorf("cosine out of bounds: %v", related)
	}
}

func TestHashedVector_Deterministic(t *testing.T) {
	a := HashedVector("retry with exponential backoff", 64)
	b := HashedVector("retry with exponential backoff", 64)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d", i)
		}
	}
}

func TestJaccard(t *testing.T) {
	if got := Jaccard([]string{"db", "pool"}, []string{"DB", "pool"}); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	if got := Jaccard([]string{"a", "b"}, []string{"b", "c"}); math.Abs(got-1.0/3.0) > 1e-9 {
		t.Errorf("expected 1/3, got %v", got)
	}
	if got := Jaccard(nil, []string{"x"}); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestOverlap(t *testing.T) {
	got := Overlap([]string{"sql", "injection", "cache"}, []string{"injection", "sql"})
	if len(got) != 2 || got[0] != "sql" || got[1] != "injection" {
		t.Errorf("Overlap = %v", got)
	}
}
