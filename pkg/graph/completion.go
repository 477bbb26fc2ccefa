package graph

import (
	"strings"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
)

// BatchStatus tells whether a model response ended with the completion
// sentinel.
type BatchStatus int

const (
	// StatusTruncated means the sentinel was never seen. The caller should
	// request a continuation round for the passage.
	StatusTruncated BatchStatus = iota
	// StatusComplete means the sentinel was seen and later output ignored.
	StatusComplete
)

func (s BatchStatus) String() string {
	if s == StatusComplete {
		return "complete"
	}
	return "truncated"
}

func (s BatchStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Batch is the set of records parsed from one model response for one passage
// or one continuation round of it.
type Batch struct {
	ID        string
	PassageID string
	Round     int
	Records   []common.Record
	Discarded int
	Status    BatchStatus
}

// Complete reports whether the response carried the completion sentinel.
func (b Batch) Complete() bool {
	return b.Status == StatusComplete
}

// DetectCompletion splits text into lines and stops at the first line equal,
// after trimming, to sentinel. It returns the lines before the sentinel and
// whether it was found.
func DetectCompletion(text, sentinel string) ([]string, BatchStatus) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	if sentinel == "" {
		return lines, StatusTruncated
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == sentinel {
			return lines[:i], StatusComplete
		}
	}
	return lines, StatusTruncated
}
