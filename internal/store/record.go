package store

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Category classifies a fact.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryPerson       Category = "person"
	CategoryProject      Category = "project"
	CategoryEvent        Category = "event"
	CategoryPlan         Category = "plan"
	CategoryHealth       Category = "health"
	CategoryWork         Category = "work"
	CategoryOpinion      Category = "opinion"
	CategoryHabit        Category = "habit"
	CategoryLocation     Category = "location"
	CategoryRelationship Category = "relationship"
	CategoryReflection   Category = "reflection"
	CategoryGeneral      Category = "general"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryPreference, CategoryPerson, CategoryProject, CategoryEvent,
	CategoryPlan, CategoryHealth, CategoryWork, CategoryOpinion, CategoryHabit,
	CategoryLocation, CategoryRelationship, CategoryReflection, CategoryGeneral,
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Layer is the decay layer. Wire values are "stm" and "ltm".
type Layer string

const (
	LayerShortTerm Layer = "stm"
	LayerLongTerm  Layer = "ltm"
)

// PromotionThreshold is the importance_normalized at which a record moves
// to the long-term layer.
const PromotionThreshold = 0.7

// LayerFor derives the decay layer from normalized importance.
func LayerFor(importanceNorm, threshold float64) Layer {
	if importanceNorm >= threshold {
		return LayerLongTerm
	}
	return LayerShortTerm
}

// NormalizeImportance returns importance/10 rounded to two decimals.
func NormalizeImportance(importance int) float64 {
	return math.Round(float64(importance)/10*100) / 100
}

// Metadata is the typed view of a record's metadata object.
type Metadata struct {
	Category             Category
	Importance           int
	ImportanceNormalized float64
	CreatedAt            string
	LastAccessed         string
	AccessCount          int
	DecayStrength        float64
	DecayLayer           Layer
	TValid               string
	TInvalid             *string // nil while the fact is valid
	Source               string
	Entities             []string
	Pinned               bool
}

// NewMetadata returns fully initialized metadata for a fresh fact.
func NewMetadata(category Category, importance int, source string, now time.Time) Metadata {
	ts := FormatTime(now)
	norm := NormalizeImportance(importance)
	return Metadata{
		Category:             category,
		Importance:           importance,
		ImportanceNormalized: norm,
		CreatedAt:            ts,
		LastAccessed:         ts,
		AccessCount:          0,
		DecayStrength:        1.0,
		DecayLayer:           LayerFor(norm, PromotionThreshold),
		TValid:               ts,
		Source:               source,
		Entities:             []string{},
	}
}

// Record is one line of the store. Fields not modeled by Metadata are kept
// in the source document and written back unchanged.
type Record struct {
	Fact     string
	Metadata Metadata

	doc       []byte
	undecoded map[string]bool
}

// NewRecord builds a record with no source document.
func NewRecord(fact string, md Metadata) Record {
	return Record{Fact: fact, Metadata: md}
}

// Valid reports whether the record has not been invalidated.
func (r Record) Valid() bool { return r.Metadata.TInvalid == nil }

// Has reports whether metadata key holds a usable typed value: it decoded
// cleanly from the source line, or has since been set in code.
func (r Record) Has(key string) bool {
	if !r.undecoded[key] {
		return true
	}
	for _, f := range r.Metadata.fields() {
		if f.key == key {
			return !f.zero
		}
	}
	return false
}

// Field returns a value from the record document as currently encoded,
// including fields the typed view does not model.
func (r Record) Field(path string) gjson.Result {
	doc, err := r.MarshalJSON()
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(doc, path)
}

// Raw returns the source document as read, or the encoded record when it
// was built in code.
func (r Record) Raw() gjson.Result {
	if len(r.doc) > 0 {
		return gjson.ParseBytes(r.doc)
	}
	doc, err := r.MarshalJSON()
	if err != nil {
		return gjson.Result{}
	}
	return gjson.ParseBytes(doc)
}

// Set writes an arbitrary path into the record document and refreshes the
// typed view.
func (r *Record) Set(path string, value any) error {
	doc, err := r.MarshalJSON()
	if err != nil {
		return err
	}
	doc, err = sjson.SetBytes(doc, path, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	parsed, err := ParseRecord(doc)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

var errNotObject = errors.New("record is not a JSON object")

// ParseRecord decodes one store line. Metadata values of the wrong type are
// left out of the typed view but stay in the document.
func ParseRecord(line []byte) (Record, error) {
	if !gjson.ValidBytes(line) {
		return Record{}, errors.New("invalid JSON")
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return Record{}, errNotObject
	}

	r := Record{
		doc:       append([]byte(nil), line...),
		undecoded: make(map[string]bool),
	}
	if f := doc.Get("fact"); f.Type == gjson.String {
		r.Fact = f.String()
	} else {
		r.undecoded["fact"] = true
	}

	md := doc.Get("metadata")
	str := func(key string) string {
		v := md.Get(key)
		if v.Type != gjson.String {
			r.undecoded[key] = true
			return ""
		}
		return v.String()
	}
	num := func(key string) float64 {
		v := md.Get(key)
		if v.Type != gjson.Number {
			r.undecoded[key] = true
			return 0
		}
		return v.Float()
	}

	m := &r.Metadata
	m.Category = Category(str("category"))
	m.Importance = int(num("importance"))
	m.ImportanceNormalized = num("importance_normalized")
	m.CreatedAt = str("created_at")
	m.LastAccessed = str("last_accessed")
	m.AccessCount = int(num("access_count"))
	m.DecayStrength = num("decay_strength")
	m.DecayLayer = Layer(str("decay_layer"))
	m.TValid = str("t_valid")
	m.Source = str("source")

	switch v := md.Get("t_invalid"); v.Type {
	case gjson.Null:
		if !v.Exists() {
			r.undecoded["t_invalid"] = true
		}
	case gjson.String:
		s := v.String()
		m.TInvalid = &s
	default:
		// false/0 still count as valid; anything else marks the record invalid
		if v.Type != gjson.False && !(v.Type == gjson.Number && v.Num == 0) {
			s := v.Raw
			m.TInvalid = &s
		}
		r.undecoded["t_invalid"] = true
	}

	if v := md.Get("entities"); v.IsArray() {
		m.Entities = []string{}
		for _, e := range v.Array() {
			if e.Type == gjson.String {
				m.Entities = append(m.Entities, e.String())
			}
		}
	} else {
		r.undecoded["entities"] = true
	}

	switch v := md.Get("pinned"); v.Type {
	case gjson.True:
		m.Pinned = true
	case gjson.False:
	default:
		r.undecoded["pinned"] = true
	}
	return r, nil
}

type field struct {
	key   string
	value any
	zero  bool
}

func (m Metadata) fields() []field {
	var tInvalid any
	if m.TInvalid != nil {
		tInvalid = *m.TInvalid
	}
	entities := m.Entities
	if entities == nil {
		entities = []string{}
	}
	return []field{
		{"category", string(m.Category), m.Category == ""},
		{"importance", m.Importance, m.Importance == 0},
		{"importance_normalized", m.ImportanceNormalized, m.ImportanceNormalized == 0},
		{"created_at", m.CreatedAt, m.CreatedAt == ""},
		{"last_accessed", m.LastAccessed, m.LastAccessed == ""},
		{"access_count", m.AccessCount, m.AccessCount == 0},
		{"decay_strength", m.DecayStrength, m.DecayStrength == 0},
		{"decay_layer", string(m.DecayLayer), m.DecayLayer == ""},
		{"t_valid", m.TValid, m.TValid == ""},
		{"t_invalid", tInvalid, m.TInvalid == nil},
		{"source", m.Source, m.Source == ""},
		{"entities", entities, m.Entities == nil},
		{"pinned", m.Pinned, !m.Pinned},
	}
}

// MarshalJSON encodes the record on top of its source document so unknown
// fields survive. A field that was missing or mistyped in the source and is
// still zero is not written.
func (r Record) MarshalJSON() ([]byte, error) {
	doc := []byte(`{}`)
	if len(r.doc) > 0 {
		doc = append([]byte(nil), r.doc...)
	}
	var err error
	set := func(path string, v any) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, v)
		}
	}

	if !(r.undecoded["fact"] && r.Fact == "") {
		set("fact", r.Fact)
	}
	for _, f := range r.Metadata.fields() {
		if r.undecoded[f.key] && f.zero {
			continue
		}
		// a mistyped t_invalid stays as written unless the record was revalidated
		if f.key == "t_invalid" && r.undecoded[f.key] && r.Metadata.TInvalid != nil {
			if raw := gjson.GetBytes(r.doc, "metadata.t_invalid").Raw; raw == *r.Metadata.TInvalid {
				continue
			}
		}
		set("metadata."+f.key, f.value)
	}
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return doc, nil
}

// FormatTime renders a timestamp the way records store it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime accepts RFC 3339, naive ISO-8601 (read as UTC) and plain dates.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
