package graph

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/util"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/metrics"
)

const (
	DefaultTupleDelimiter      = "<|#|>"
	DefaultCompletionDelimiter = "<|COMPLETE|>"

	entityTag      = "entity"
	relationTag    = "relation"
	entityFields   = 4
	relationFields = 5
)

var (
	ErrEmptyDelimiter   = errors.New("delimiter must not be empty")
	ErrInvalidDelimiter = errors.New("delimiter must have the form <|UPPER_CASE_TOKEN|>")
)

var delimiterPattern = regexp.MustCompile(`^<\|[A-Z0-9_#]+\|>$`)

// Delimiters holds the structural markers of the record grammar. They must
// match the prompt set that produced the output.
type Delimiters struct {
	Tuple      string
	Completion string
}

// DefaultDelimiters returns the delimiters used by the default prompt set.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Tuple:      DefaultTupleDelimiter,
		Completion: DefaultCompletionDelimiter,
	}
}

// Validate checks both delimiters against the <|UPPER_CASE_TOKEN|> form and
// makes sure they differ.
func (d Delimiters) Validate() error {
	for _, v := range []string{d.Tuple, d.Completion} {
		if v == "" {
			return ErrEmptyDelimiter
		}
		if !delimiterPattern.MatchString(v) {
			return fmt.Errorf("%w: %q", ErrInvalidDelimiter, v)
		}
	}
	if d.Tuple == d.Completion {
		return fmt.Errorf("%w: tuple and completion delimiter are both %q", ErrInvalidDelimiter, d.Tuple)
	}
	return nil
}

// ParseLine turns one line of model output into a typed record. It returns
// false for anything that is not a well-formed entity or relation line:
// wrong tag, wrong field count, or an empty name, source or target. A
// relation whose endpoints share one identity is rejected as well.
//
// Fields are trimmed. Only delimiter is structural; commas inside the keyword
// field are kept verbatim in RawKeywords.
func ParseLine(line, delimiter string) (common.Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" || delimiter == "" {
		return nil, false
	}

	fields := strings.Split(line, delimiter)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	switch {
	case fields[0] == entityTag && len(fields) == entityFields:
		if fields[1] == "" {
			return nil, false
		}
		return common.EntityRecord{
			Name:        fields[1],
			Type:        fields[2],
			Description: fields[3],
		}, true

	case fields[0] == relationTag && len(fields) == relationFields:
		if fields[1] == "" || fields[2] == "" {
			return nil, false
		}
		if NameKey(fields[1]) == NameKey(fields[2]) {
			return nil, false
		}
		return common.RelationRecord{
			Source:      fields[1],
			Target:      fields[2],
			RawKeywords: fields[3],
			Keywords:    common.SplitKeywords(fields[3]),
			Description: fields[4],
		}, true
	}

	return nil, false
}

// FormatRecord renders a record back into its line form.
func FormatRecord(rec common.Record, delimiter string) string {
	switch r := rec.(type) {
	case common.EntityRecord:
		return strings.Join([]string{entityTag, r.Name, r.Type, r.Description}, delimiter)
	case common.RelationRecord:
		keywords := r.RawKeywords
		if keywords == "" {
			keywords = strings.Join(r.Keywords, ",")
		}
		return strings.Join([]string{relationTag, r.Source, r.Target, keywords, r.Description}, delimiter)
	default:
		panic(fmt.Sprintf("graph: unknown record type %T", rec))
	}
}

// ParseBatch parses one model response into an extraction batch. Lines after
// the completion sentinel are ignored. Malformed lines are counted in
// Discarded and never fail the batch.
func ParseBatch(text string, d Delimiters, batchID string) Batch {
	lines, status := DetectCompletion(text, d.Completion)

	batch := Batch{
		ID:      batchID,
		Status:  status,
		Records: make([]common.Record, 0, len(lines)),
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, ok := ParseLine(line, d.Tuple)
		if !ok {
			batch.Discarded++
			logger.Debug("[Parser] Discarded malformed line", "batch", batchID, "line", i+1, "text", util.Truncate(line, 120))
			continue
		}
		switch r := rec.(type) {
		case common.EntityRecord:
			r.BatchID = batchID
			rec = r
		case common.RelationRecord:
			r.BatchID = batchID
			rec = r
		}
		batch.Records = append(batch.Records, rec)
	}

	metrics.ParseDiscards.Add(float64(batch.Discarded))
	metrics.Batches.WithLabelValues(status.String()).Inc()

	return batch
}
