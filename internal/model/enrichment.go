package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Stage is an item's position in the enrichment state machine.
// Progression is forward-only; a record only moves backward through an
// explicit re-enrichment reset.
type Stage string

const (
	StageUnenriched     Stage = "UNENRICHED"
	StageTextExtracted  Stage = "TEXT_EXTRACTED"
	StageVisionAnalyzed Stage = "VISION_ANALYZED"
	StageEmbedded       Stage = "EMBEDDED"
	StageIndexed        Stage = "INDEXED"
)

var stageRanks = map[Stage]int{
	StageUnenriched:     0,
	StageTextExtracted:  1,
	StageVisionAnalyzed: 2,
	StageEmbedded:       3,
	StageIndexed:        4,
}

// Rank returns the ordinal position of the stage, or -1 for an
// unknown stage.
func (s Stage) Rank() int {
	if r, ok := stageRanks[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or past the given stage.
func (s Stage) AtLeast(other Stage) bool {
	return s.Rank() >= 0 && s.Rank() >= other.Rank()
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRanks[s]
	return ok
}

// Stages lists all stages in progression order.
func Stages() []Stage {
	return []Stage{
		StageUnenriched,
		StageTextExtracted,
		StageVisionAnalyzed,
		StageEmbedded,
		StageIndexed,
	}
}

// StagesAtLeast returns the stages at or past s, in order. Useful for
// building SQL IN clauses since stage columns are stored as text.
func StagesAtLeast(s Stage) []Stage {
	var out []Stage
	for _, st := range Stages() {
		if st.AtLeast(s) {
			out = append(out, st)
		}
	}
	return out
}

// StagesBelow returns the stages strictly before s, in order.
func StagesBelow(s Stage) []Stage {
	var out []Stage
	for _, st := range Stages() {
		if !st.AtLeast(s) {
			out = append(out, st)
		}
	}
	return out
}

// Provenance identifies which extraction path produced an attribute
// value. Vision values take precedence and are never overwritten by a
// later heuristic pass.
type Provenance string

const (
	ProvenanceHeuristic Provenance = "name_heuristic"
	ProvenanceVision    Provenance = "vision_model"
)

// StringField is a single attribute value with its provenance.
type StringField struct {
	Value  string     `json:"value,omitempty"`
	Source Provenance `json:"source,omitempty"`
}

// Apply sets the field if the value is non-empty and the precedence
// rule allows it: a heuristic pass never replaces a vision value.
func (f *StringField) Apply(value string, src Provenance) {
	if value == "" {
		return
	}
	if f.Source == ProvenanceVision && src != ProvenanceVision {
		return
	}
	f.Value = value
	f.Source = src
}

// ListField is a set-like attribute with the provenance of its
// highest-precedence contributor.
type ListField struct {
	Values []string   `json:"values,omitempty"`
	Source Provenance `json:"source,omitempty"`
}

// Merge adds values not already present (case-insensitive) and
// upgrades the recorded provenance if src outranks it. Existing
// entries are never removed.
func (f *ListField) Merge(values []string, src Provenance) {
	seen := make(map[string]bool, len(f.Values))
	for _, v := range f.Values {
		seen[strings.ToLower(v)] = true
	}
	for _, v := range values {
		if v == "" || seen[strings.ToLower(v)] {
			continue
		}
		f.Values = append(f.Values, v)
		seen[strings.ToLower(v)] = true
	}
	if src == ProvenanceVision || f.Source == "" {
		f.Source = src
	}
}

// BoolField is a tri-state boolean attribute: unset until a pass
// produces a value.
type BoolField struct {
	Value  bool       `json:"value"`
	Set    bool       `json:"set"`
	Source Provenance `json:"source,omitempty"`
}

// Apply sets the field under the same precedence rule as StringField.
func (f *BoolField) Apply(value bool, src Provenance) {
	if f.Set && f.Source == ProvenanceVision && src != ProvenanceVision {
		return
	}
	f.Value = value
	f.Set = true
	f.Source = src
}

// Attributes holds the structured fields extracted for an item.
type Attributes struct {
	Brand        StringField `json:"brand,omitempty"`
	Colors       ListField   `json:"colors,omitempty"`
	Materials    ListField   `json:"materials,omitempty"`
	Styles       ListField   `json:"styles,omitempty"`
	BeltType     StringField `json:"belt_type,omitempty"`
	AICategory   StringField `json:"ai_category,omitempty"`
	GenderTarget StringField `json:"gender_target,omitempty"`
	IsAutomatic  BoolField   `json:"is_automatic,omitempty"`
	WatchType    StringField `json:"watch_type,omitempty"`
	PriceRange   StringField `json:"price_range,omitempty"`
}

// AIAnalysis preserves the raw vision model output for audit.
type AIAnalysis struct {
	Raw        json.RawMessage `json:"raw,omitempty"`
	Model      string          `json:"model,omitempty"`
	Version    string          `json:"version,omitempty"`
	AnalyzedAt time.Time       `json:"analyzed_at,omitempty"`
}

// EnrichmentRecord is the derived state for one catalog item.
type EnrichmentRecord struct {
	Key        string     `json:"key"`
	Stage      Stage      `json:"stage"`
	Attributes Attributes `json:"attributes"`

	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	AIAnalysis *AIAnalysis `json:"ai_analysis,omitempty"`

	// Content hashes of each stage's inputs. A stage whose inputs
	// hash to the stored value is skipped without external calls.
	TextHash   string `json:"text_hash,omitempty"`
	VisionHash string `json:"vision_hash,omitempty"`
	EmbedHash  string `json:"embed_hash,omitempty"`

	EnhancedAt *time.Time `json:"enhanced_at,omitempty"`
	IndexedAt  *time.Time `json:"indexed_at,omitempty"`
}

// ResetForReenrichment moves the record back to UNENRICHED and clears
// the content hashes so every stage runs again. Attribute values and
// their provenance survive, so vision-sourced fields keep precedence
// over the re-run heuristic pass.
func (r *EnrichmentRecord) ResetForReenrichment() {
	r.Stage = StageUnenriched
	r.TextHash = ""
	r.VisionHash = ""
	r.EmbedHash = ""
	r.IndexedAt = nil
}

// SearchText builds the text an embedding is computed over: name,
// category, and extracted attribute values joined in a stable order.
func (r *EnrichmentRecord) SearchText(item *CatalogItem) string {
	parts := make([]string, 0, 12)
	add := func(s string) {
		if s != "" {
			parts = append(parts, s)
		}
	}
	add(item.Name)
	add(item.Category)
	add(r.Attributes.Brand.Value)
	add(r.Attributes.WatchType.Value)
	add(r.Attributes.AICategory.Value)
	add(r.Attributes.GenderTarget.Value)
	add(r.Attributes.PriceRange.Value)
	add(strings.Join(r.Attributes.Colors.Values, " "))
	add(strings.Join(r.Attributes.Materials.Values, " "))
	add(strings.Join(r.Attributes.Styles.Values, " "))
	if r.Attributes.IsAutomatic.Set {
		if r.Attributes.IsAutomatic.Value {
			add("automatic movement")
		} else {
			add("quartz movement")
		}
	}
	return strings.Join(parts, " ")
}
