package query

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseKeywords(t *testing.T) {
	tests := []struct {
		name string
		text string
		high []string
		low  []string
	}{
		{
			name: "plain",
			text: `{"high_level_keywords": ["Trade", "Economy"], "low_level_keywords": ["Tariffs"]}`,
			high: []string{"Trade", "Economy"},
			low:  []string{"Tariffs"},
		},
		{
			name: "both empty",
			text: `{"high_level_keywords": [], "low_level_keywords": []}`,
			high: []string{},
			low:  []string{},
		},
		{
			name: "fenced",
			text: "```json\n{\"high_level_keywords\": [\"A\"], \"low_level_keywords\": [\"B\"]}\n```",
			high: []string{"A"},
			low:  []string{"B"},
		},
		{
			name: "reasoning block",
			text: "<think>the user greets</think>\n{\"high_level_keywords\": [], \"low_level_keywords\": []}",
			high: []string{},
			low:  []string{},
		},
		{
			name: "repairable syntax",
			text: `{high_level_keywords: ['Deforestation',], low_level_keywords: ['Rainforest']}`,
			high: []string{"Deforestation"},
			low:  []string{"Rainforest"},
		},
		{
			name: "case insensitive dedupe keeps first",
			text: `{"high_level_keywords": ["Apple Inc.", "apple  inc.", " ", "APPLE INC."], "low_level_keywords": ["iPhone", "IPHONE"]}`,
			high: []string{"Apple Inc."},
			low:  []string{"iPhone"},
		},
		{
			name: "extra fields are ignored",
			text: `{"high_level_keywords": ["x"], "low_level_keywords": ["y"], "note": "ok"}`,
			high: []string{"x"},
			low:  []string{"y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKeywords(tt.text)
			if err != nil {
				t.Fatalf("ParseKeywords failed: %v", err)
			}
			if !reflect.DeepEqual(got.HighLevel, tt.high) {
				t.Fatalf("high = %#v, want %#v", got.HighLevel, tt.high)
			}
			if !reflect.DeepEqual(got.LowLevel, tt.low) {
				t.Fatalf("low = %#v, want %#v", got.LowLevel, tt.low)
			}
		})
	}
}

func TestParseKeywordsRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "prose", text: "I could not find any keywords."},
		{name: "missing low level", text: `{"high_level_keywords": ["a"]}`},
		{name: "missing high level", text: `{"low_level_keywords": ["a"]}`},
		{name: "empty object", text: `{}`},
		{name: "null field", text: `{"high_level_keywords": null, "low_level_keywords": []}`},
		{name: "string field", text: `{"high_level_keywords": "a, b", "low_level_keywords": []}`},
		{name: "numbers", text: `{"high_level_keywords": [1, 2], "low_level_keywords": []}`},
		{name: "array", text: `["a", "b"]`},
		{name: "null", text: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := ParseKeywords(tt.text)
			var perr *KeywordParseError
			if !errors.As(err, &perr) {
				t.Fatalf("ParseKeywords(%q) = %+v, %v, want *KeywordParseError", tt.text, set, err)
			}
			if perr.Raw != tt.text {
				t.Fatalf("Raw = %q, want %q", perr.Raw, tt.text)
			}
		})
	}
}
