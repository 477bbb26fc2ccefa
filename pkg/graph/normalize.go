package graph

import (
	"strings"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/common"

	"golang.org/x/text/cases"
)

// NormalizeName trims the name and collapses inner runs of whitespace to a
// single space. Casing is left as supplied by the model.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// NameKey returns the identity key of an entity name: the normalized name,
// Unicode case folded. "Apple Inc." and "APPLE  INC." share a key.
func NameKey(name string) string {
	// A Caser keeps state and must not be shared between goroutines.
	return cases.Fold().String(NormalizeName(name))
}

// NormalizeType trims an entity type and maps an empty type to Other.
func NormalizeType(t string) string {
	t = NormalizeName(t)
	if t == "" {
		return common.OtherType
	}
	return t
}

// IsOtherType reports whether t is the fallback type, ignoring case.
func IsOtherType(t string) bool {
	return t == "" || strings.EqualFold(strings.TrimSpace(t), common.OtherType)
}

// PairKey is the identity of an undirected edge: the two endpoint name keys
// in lexical order.
type PairKey struct {
	A string
	B string
}

// NewPairKey builds the PairKey for two entity names in either order.
func NewPairKey(source, target string) PairKey {
	a, b := NameKey(source), NameKey(target)
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

func (p PairKey) String() string {
	return p.A + " ~ " + p.B
}

// keywordKey is the comparison key used to deduplicate keywords.
func keywordKey(k string) string {
	return NameKey(k)
}
