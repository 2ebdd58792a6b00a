package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/lazypower/hotmem/internal/store"
)

func TestValidatorCheck(t *testing.T) {
	v := Validator{MinChars: 20, Threshold: 0.6}
	existing := []string{"User works at Initech as an engineer"}

	tests := []struct {
		name       string
		fact       string
		importance string // JSON literal as the reasoning service sent it
		reason     string // substring; empty means accepted
	}{
		{"short", "Likes tea", "6", "too short"},
		{"question", "Does the user like green tea in the morning?", "6", "question"},
		{"similar", "User works at Initech as a senior engineer", "6", "too similar"},
		{"ok", "User adopted a golden retriever named Biscuit", "6", ""},
		{"padded short", "   tiny fact   ", "6", "too short"},
		{"importance lowest", "User adopted a golden retriever named Biscuit", "1", ""},
		{"importance highest", "User adopted a golden retriever named Biscuit", "10", ""},
		{"importance zero", "User adopted a golden retriever named Biscuit", "0", "outside 1-10"},
		{"importance eleven", "User adopted a golden retriever named Biscuit", "11", "outside 1-10"},
		{"importance 42", "User moved to Lisbon for a new job at Acme", "42", "outside 1-10"},
		{"importance fraction", "User adopted a golden retriever named Biscuit", "7.9", "not a whole number"},
		{"importance string", "User adopted a golden retriever named Biscuit", `"high"`, "not a whole number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Candidate{Fact: tt.fact, Category: store.CategoryEvent}
			c.setImportance(gjson.Parse(tt.importance))
			_, rej := v.Check(c, existing)
			if tt.reason == "" {
				if rej.Rejected() {
					t.Fatalf("unexpected rejection: %s", rej.Reason)
				}
				return
			}
			if !strings.Contains(rej.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to contain %q", rej.Reason, tt.reason)
			}
		})
	}
}

func TestValidatorCountsRunes(t *testing.T) {
	v := Validator{MinChars: 10, Threshold: 0.6}
	// 9 runes, 18 bytes
	if _, rej := v.Check(Candidate{Fact: "ééééééééé", Importance: 6}, nil); !rej.Rejected() {
		t.Error("expected rune-length rejection")
	}
}

func TestValidatorEnrichesEntities(t *testing.T) {
	v := Validator{MinChars: 5, Threshold: 0.6}
	c, rej := v.Check(Candidate{Fact: "User met Marta and Jonas at The Bistro in Lisbon.", Importance: 6}, nil)
	if rej.Rejected() {
		t.Fatal(rej.Reason)
	}
	want := []string{"Marta", "Jonas", "Bistro", "Lisbon"}
	if strings.Join(c.Entities, ",") != strings.Join(want, ",") {
		t.Errorf("entities = %v, want %v", c.Entities, want)
	}

	c, _ = v.Check(Candidate{Fact: "User met Marta", Importance: 6, Entities: []string{"marta"}}, nil)
	if len(c.Entities) != 1 || c.Entities[0] != "marta" {
		t.Errorf("supplied entities should be kept, got %v", c.Entities)
	}
}

func TestValidatorEntitiesFallBackToCategory(t *testing.T) {
	v := Validator{MinChars: 5, Threshold: 0.6}
	c, rej := v.Check(Candidate{
		Fact:       "User enjoys hiking every weekend in the mountains",
		Category:   store.CategoryHabit,
		Importance: 6,
	}, nil)
	if rej.Rejected() {
		t.Fatal(rej.Reason)
	}
	if len(c.Entities) != 1 || c.Entities[0] != "habit" {
		t.Errorf("entities = %v, want [habit]", c.Entities)
	}

	c, _ = v.Check(Candidate{Fact: "User said hello to This and That", Importance: 6}, nil)
	if len(c.Entities) != 1 || c.Entities[0] != "general" {
		t.Errorf("entities = %v, want [general]", c.Entities)
	}
}

func TestEnrichEntitiesCap(t *testing.T) {
	got := enrichEntities("Alice Bob Carol Dave Erin Frank Grace")
	if len(got) != maxEnrichedEntities {
		t.Errorf("got %d entities, want %d", len(got), maxEnrichedEntities)
	}
	if got := enrichEntities("User said A then This and That"); len(got) != 0 {
		t.Errorf("stop words and single letters should be skipped, got %v", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := truncate("hello world", 5); got != "hello..." {
		t.Errorf("got %q", got)
	}
	got := truncate(strings.Repeat("ß", 80), 60)
	if !utf8.ValidString(got) || got != strings.Repeat("ß", 60)+"..." {
		t.Errorf("truncate split a rune: %q", got)
	}
}
