package query

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"
)

func kg(name string) common.Citation {
	return common.Citation{Provenance: common.ProvenanceEntity, Identifier: name}
}

func kgRel(a, b string) common.Citation {
	return common.Citation{Provenance: common.ProvenanceRelation, Identifier: a + " ~ " + b, Source: a, Target: b}
}

func dc(doc string) common.Citation {
	return common.Citation{Provenance: common.ProvenanceDocument, Identifier: doc}
}

func TestCitationTag(t *testing.T) {
	tests := []struct {
		c    common.Citation
		want string
	}{
		{kg("Tokyo"), "[KG] Tokyo"},
		{kgRel("Tokyo", "Japan"), "[KG] Tokyo ~ Japan"},
		{common.Citation{Provenance: common.ProvenanceRelation, Identifier: "A ~ B"}, "[KG] A ~ B"},
		{dc("report.pdf"), "[DC] report.pdf"},
	}
	for _, tt := range tests {
		if got := CitationTag(tt.c); got != tt.want {
			t.Errorf("CitationTag(%+v) = %q, want %q", tt.c, got, tt.want)
		}
	}
}

func TestBoundCitations(t *testing.T) {
	pool := []common.Citation{
		kg("Tokyo"),
		kgRel("Tokyo", "Japan"),
		kg("Tokyo"),
		kgRel("Japan", "Tokyo"),
		dc("atlas.pdf"),
		kg("Japan"),
		dc("guide.md"),
		kg("Osaka"),
	}

	got := BoundCitations(pool, 5)
	want := []common.Citation{
		kg("Tokyo"),
		kgRel("Tokyo", "Japan"),
		dc("atlas.pdf"),
		kg("Japan"),
		dc("guide.md"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BoundCitations = %v, want %v", got, want)
	}
}

func TestBoundCitationsProperties(t *testing.T) {
	for size := 0; size <= 12; size++ {
		pool := make([]common.Citation, 0, size)
		for i := 0; i < size; i++ {
			pool = append(pool, dc(fmt.Sprintf("doc-%02d", i%7)))
		}

		got := BoundCitations(pool, 0)
		distinct := min(size, 7)
		if len(got) > DefaultCitationLimit {
			t.Fatalf("size %d: got %d citations, limit is %d", size, len(got), DefaultCitationLimit)
		}
		if len(got) != min(distinct, DefaultCitationLimit) {
			t.Fatalf("size %d: got %d citations, want %d", size, len(got), min(distinct, DefaultCitationLimit))
		}
		for i := 1; i < len(got); i++ {
			if strings.Compare(got[i-1].Identifier, got[i].Identifier) >= 0 {
				t.Fatalf("size %d: order changed: %v", size, got)
			}
		}
	}
}

func TestBoundCitationsSkipsEmpty(t *testing.T) {
	got := BoundCitations([]common.Citation{kg(""), kg("  "), kg("A")}, 5)
	if !reflect.DeepEqual(got, []common.Citation{kg("A")}) {
		t.Fatalf("BoundCitations = %v", got)
	}
}

func TestFormatReferences(t *testing.T) {
	got := FormatReferences([]common.Citation{kg("Tokyo"), dc("atlas.pdf")})
	want := "### References\n\n- [KG] Tokyo\n- [DC] atlas.pdf"
	if got != want {
		t.Fatalf("FormatReferences = %q, want %q", got, want)
	}
	if FormatReferences(nil) != "" {
		t.Fatalf("empty list rendered a section")
	}
}
