package ai

import (
	"strings"
	"testing"
)

func TestStripReasoningTags(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "no tags",
			input: "entity<|#|>Tokyo<|#|>location<|#|>Capital",
			want:  "entity<|#|>Tokyo<|#|>location<|#|>Capital",
		},
		{
			name:  "think block",
			input: "<think>\nthe user wants entities\n</think>\n\nentity<|#|>Tokyo<|#|>location<|#|>Capital",
			want:  "entity<|#|>Tokyo<|#|>location<|#|>Capital",
		},
		{
			name:  "multiple blocks",
			input: "<thinking>a</thinking>first\n\n\n\n<reasoning>b</reasoning>second",
			want:  "first\n\nsecond",
		},
		{
			name:  "unterminated block",
			input: "<think>still reasoning when the stream was cut",
			want:  "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripReasoningTags(tc.input); got != tc.want {
				t.Fatalf("StripReasoningTags() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "json fence",
			input: "```json\n{\"a\": 1}\n```",
			want:  `{"a": 1}`,
		},
		{
			name:  "bare fence with padding",
			input: "  ```\n{\"a\": 1}\n```  \n",
			want:  `{"a": 1}`,
		},
		{
			name:  "no fence",
			input: ` {"a": 1} `,
			want:  `{"a": 1}`,
		},
		{
			name:  "fence inside text is kept",
			input: "answer\n```go\nx := 1\n```\nmore",
			want:  "answer\n```go\nx := 1\n```\nmore",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripCodeFence(tc.input); got != tc.want {
				t.Fatalf("StripCodeFence() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCleanResponse_ReasoningThenFence(t *testing.T) {
	input := strings.Join([]string{
		"<think>plan</think>",
		"```json",
		`{"high_level_keywords": [], "low_level_keywords": []}`,
		"```",
	}, "\n")

	got := CleanResponse(input)
	want := `{"high_level_keywords": [], "low_level_keywords": []}`
	if got != want {
		t.Fatalf("CleanResponse() = %q, want %q", got, want)
	}
}
