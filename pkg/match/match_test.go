package match

import "testing"

func TestIsMatchExactAndArticles(t *testing.T) {
	cases := []struct {
		spoken, expected string
		want             bool
	}{
		{"el gato", "Gato", true},
		{"un canguro", "Canguro", true},
		{"la respuesta es ballena", "ballena", true},
		{"", "algo", false},
		{"algo", "", false},
		{"perro", "gato", false},
	}
	for _, c := range cases {
		if got := IsMatch(c.spoken, c.expected); got != c.want {
			t.Fatalf("IsMatch(%q, %q) = %v, want %v", c.spoken, c.expected, got, c.want)
		}
	}
}

func TestIsMatchDiacritics(t *testing.T) {
	if !IsMatch("pinguino", "pingüino") {
		t.Fatalf("expected diacritic tolerance")
	}
	if !IsMatch("nandu", "ñandú") {
		t.Fatalf("expected enye tolerance")
	}
}

func TestIsMatchPlural(t *testing.T) {
	if !IsMatch("gatos", "gato") {
		t.Fatalf("expected plural tolerance spoken->expected")
	}
	if !IsMatch("gato", "gatos") {
		t.Fatalf("expected plural tolerance expected->spoken")
	}
	if !IsMatch("flores", "flor") {
		t.Fatalf("expected es-suffix tolerance")
	}
}

func TestIsMatchFuzzy(t *testing.T) {
	if !IsMatch("kelfin", "delfín") {
		t.Fatalf("expected fuzzy match for small transcription error")
	}
	// Short words never match fuzzily.
	if IsMatch("pes", "paz") {
		t.Fatalf("expected no fuzzy match below min length")
	}
	// Multi-word answers never match fuzzily.
	if IsMatch("oso palro", "oso polar") {
		t.Fatalf("expected no fuzzy match across multi-word answers")
	}
}

func TestIsMatchOptions(t *testing.T) {
	opts := Options{FuzzyThreshold: 0.95, FuzzyMinLen: 4}
	if IsMatchWithOptions("kelfin", "delfín", opts) {
		t.Fatalf("expected stricter threshold to reject")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  ¡El  Pingüino!  "); got != "pinguino" {
		t.Fatalf("Normalize = %q", got)
	}
	if got := Normalize("la"); got != "la" {
		t.Fatalf("a lone article must survive, got %q", got)
	}
}
