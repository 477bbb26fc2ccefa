package query

import (
	"regexp"
	"strings"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
)

var (
	referencesHeading = regexp.MustCompile(`(?i)^\s*(?:#{1,6}\s*)?(?:\*\*)?references(?:\*\*)?\s*:?\s*(?:\*\*)?\s*$`)
	listPrefix        = regexp.MustCompile(`^(?:[-*+•]|\d+[.)]|\[\d+\])\s*`)
	referenceLine     = regexp.MustCompile(`^\[(KG|DC)\]\s*(.+?)\s*$`)
)

// ParseReference reads one line of a References section. List markers such
// as "-", "1." or "[1]" are ignored. It returns false for lines that are not
// a [KG] or [DC] reference.
func ParseReference(line string) (common.Citation, bool) {
	line = listPrefix.ReplaceAllString(strings.TrimSpace(line), "")
	m := referenceLine.FindStringSubmatch(line)
	if m == nil {
		return common.Citation{}, false
	}

	if m[1] == "DC" {
		return common.Citation{Provenance: common.ProvenanceDocument, Identifier: m[2]}, true
	}
	if a, b, ok := strings.Cut(m[2], " ~ "); ok {
		return common.Citation{
			Provenance: common.ProvenanceRelation,
			Identifier: m[2],
			Source:     strings.TrimSpace(a),
			Target:     strings.TrimSpace(b),
		}, true
	}
	return common.Citation{Provenance: common.ProvenanceEntity, Identifier: m[2]}, true
}

// EnforceReferences rewrites the References section of a model answer so
// that it only lists citations from allowed, each once, at most limit of
// them, in the order the answer gave them. Unknown references are dropped.
// An answer without a References section is returned unchanged. The kept
// citations are returned as well.
func EnforceReferences(answer string, allowed []common.Citation, limit int) (string, []common.Citation) {
	if limit <= 0 {
		limit = DefaultCitationLimit
	}
	lines := strings.Split(strings.ReplaceAll(answer, "\r\n", "\n"), "\n")

	heading := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if referencesHeading.MatchString(lines[i]) {
			heading = i
			break
		}
	}
	if heading == -1 {
		return answer, nil
	}

	known := make(map[string]common.Citation, len(allowed))
	for _, c := range allowed {
		key := citationKey(c)
		if _, ok := known[key]; !ok {
			known[key] = c
		}
	}

	kept := make([]common.Citation, 0, limit)
	seen := make(map[string]struct{}, limit)
	for _, line := range lines[heading+1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ref, ok := ParseReference(line)
		if !ok {
			continue
		}
		key := citationKey(ref)
		c, ok := known[key]
		if !ok {
			logger.Debug("[Query] Dropped unknown reference", "reference", strings.TrimSpace(line))
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if len(kept) == limit {
			break
		}
		seen[key] = struct{}{}
		kept = append(kept, c)
	}

	body := strings.TrimRight(strings.Join(lines[:heading], "\n"), " \n\t")
	if len(kept) == 0 {
		return body, kept
	}
	return body + "\n\n" + FormatReferences(kept), kept
}
