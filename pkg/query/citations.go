package query

import (
	"strings"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
)

// DefaultCitationLimit is the maximum number of references in an answer.
const DefaultCitationLimit = 5

const (
	tagKG = "[KG]"
	tagDC = "[DC]"
)

// CitationTag renders a citation the way it appears in a References
// section: "[KG] <entity>", "[KG] <a> ~ <b>" or "[DC] <document>".
func CitationTag(c common.Citation) string {
	switch c.Provenance {
	case common.ProvenanceEntity:
		return tagKG + " " + c.Identifier
	case common.ProvenanceRelation:
		if c.Source != "" && c.Target != "" {
			return tagKG + " " + c.Source + " ~ " + c.Target
		}
		return tagKG + " " + c.Identifier
	default:
		return tagDC + " " + c.Identifier
	}
}

// citationKey identifies a citation for deduplication. Relations are
// undirected, so "A ~ B" and "B ~ A" share a key.
func citationKey(c common.Citation) string {
	switch c.Provenance {
	case common.ProvenanceRelation:
		a, b := c.Source, c.Target
		if a == "" || b == "" {
			a, b, _ = strings.Cut(c.Identifier, " ~ ")
		}
		a, b = strings.TrimSpace(a), strings.TrimSpace(b)
		if b < a {
			a, b = b, a
		}
		return tagKG + " " + a + " ~ " + b
	default:
		return CitationTag(c)
	}
}

// BoundCitations returns the first limit distinct citations of pool, in
// pool order. A limit <= 0 selects DefaultCitationLimit. Pools with fewer
// distinct entries are returned whole, minus duplicates.
func BoundCitations(pool []common.Citation, limit int) []common.Citation {
	if limit <= 0 {
		limit = DefaultCitationLimit
	}
	out := make([]common.Citation, 0, min(limit, len(pool)))
	seen := make(map[string]struct{}, len(pool))
	for _, c := range pool {
		if len(out) == limit {
			break
		}
		if strings.TrimSpace(c.Identifier) == "" && (c.Source == "" || c.Target == "") {
			continue
		}
		key := citationKey(c)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// FormatReferences renders a References section listing cites.
func FormatReferences(cites []common.Citation) string {
	if len(cites) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("### References\n\n")
	for _, c := range cites {
		b.WriteString("- ")
		b.WriteString(CitationTag(c))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
