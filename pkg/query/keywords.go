package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"

	"golang.org/x/text/cases"
)

const (
	highLevelField = "high_level_keywords"
	lowLevelField  = "low_level_keywords"
)

// KeywordParseError reports a keyword response that does not match the
// expected structure. Raw holds the model output as received.
type KeywordParseError struct {
	Raw string
	Err error
}

func (e *KeywordParseError) Error() string {
	return fmt.Sprintf("invalid keyword response: %v", e.Err)
}

func (e *KeywordParseError) Unwrap() error {
	return e.Err
}

// ParseKeywords validates a keyword extraction response. Both
// high_level_keywords and low_level_keywords must be present and be arrays
// of strings; two empty arrays are valid. Reasoning blocks, a surrounding
// code fence and repairable JSON syntax errors are tolerated, missing fields
// are not. Keywords are trimmed and deduplicated case-insensitively in
// first-seen order.
func ParseKeywords(text string) (common.KeywordSet, error) {
	set, err := parseKeywords(text)
	if err != nil {
		metrics.KeywordParseFailures.Inc()
		return common.KeywordSet{}, &KeywordParseError{Raw: text, Err: err}
	}
	return set, nil
}

func parseKeywords(text string) (common.KeywordSet, error) {
	var fields map[string]json.RawMessage
	if err := ai.UnmarshalFlexible(text, &fields); err != nil {
		return common.KeywordSet{}, err
	}
	if fields == nil {
		return common.KeywordSet{}, errors.New("response is not a JSON object")
	}

	high, err := keywordList(fields, highLevelField)
	if err != nil {
		return common.KeywordSet{}, err
	}
	low, err := keywordList(fields, lowLevelField)
	if err != nil {
		return common.KeywordSet{}, err
	}
	return common.KeywordSet{HighLevel: high, LowLevel: low}, nil
}

func keywordList(fields map[string]json.RawMessage, name string) ([]string, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("missing field %s", name)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return nil, fmt.Errorf("field %s is not an array", name)
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("field %s is not an array of strings: %w", name, err)
	}
	return dedupeKeywords(values), nil
}

func dedupeKeywords(values []string) []string {
	fold := cases.Fold()
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.Join(strings.Fields(v), " ")
		if v == "" {
			continue
		}
		key := fold.String(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
