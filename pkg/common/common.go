package common

import "strings"

// OtherType is the fallback entity type used when the extraction model cannot
// assign one of the configured entity types.
const OtherType = "Other"

// RecordKind identifies the variant of a parsed Record.
type RecordKind int

const (
	KindEntity RecordKind = iota
	KindRelation
)

func (k RecordKind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// Record is a single typed record parsed from one line of model output.
// The set of implementations is closed: only EntityRecord and RelationRecord
// satisfy it, so consumers can switch over the two variants exhaustively.
type Record interface {
	Kind() RecordKind
	Batch() string
	isRecord()
}

// EntityRecord represents one entity claim made by the extraction model.
//
// Name keeps the display casing supplied by the model. Identity comparison
// is done on the normalized key, never on Name directly.
type EntityRecord struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	BatchID     string `json:"batch_id"`
}

func (EntityRecord) Kind() RecordKind { return KindEntity }
func (e EntityRecord) Batch() string  { return e.BatchID }
func (EntityRecord) isRecord()        {}

// RelationRecord represents one undirected relationship claim between two
// entities. (Source, Target) and (Target, Source) denote the same edge.
//
// RawKeywords is the keyword field exactly as it appeared in the record line.
// Keywords is the same field split into its comma separated phrases.
type RelationRecord struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	RawKeywords string   `json:"raw_keywords"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
	BatchID     string   `json:"batch_id"`
}

func (RelationRecord) Kind() RecordKind { return KindRelation }
func (r RelationRecord) Batch() string  { return r.BatchID }
func (RelationRecord) isRecord()        {}

// SplitKeywords splits a comma separated keyword field into trimmed, non-empty
// phrases in their original order.
func SplitKeywords(field string) []string {
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// KeywordSet holds the keywords extracted from a user query.
// Both lists are always non-nil and contain no case-insensitive duplicates.
type KeywordSet struct {
	HighLevel []string `json:"high_level_keywords"`
	LowLevel  []string `json:"low_level_keywords"`
}

// Empty reports whether the query produced no keywords at all.
func (k KeywordSet) Empty() bool {
	return len(k.HighLevel) == 0 && len(k.LowLevel) == 0
}

// Provenance describes where a citation originates.
type Provenance string

const (
	ProvenanceEntity   Provenance = "KG_ENTITY"
	ProvenanceRelation Provenance = "KG_RELATION"
	ProvenanceDocument Provenance = "DOCUMENT_CHUNK"
)

// Citation is one ranked reference candidate produced by retrieval.
//
// For relation citations Identifier is the rendered pair "A ~ B", or Source
// and Target may be set instead and the pair is rendered on demand.
type Citation struct {
	Provenance Provenance `json:"provenance"`
	Identifier string     `json:"identifier"`
	Source     string     `json:"source,omitempty"`
	Target     string     `json:"target,omitempty"`
}

// Summary is a condensed description covering one referent group of a node
// or edge. A node or edge may carry several summaries when its fragments
// were judged to describe distinct referents sharing a name.
type Summary struct {
	ID        string `json:"id"`
	Group     string `json:"group"`
	Text      string `json:"text"`
	Fragments int    `json:"fragments"`
}
