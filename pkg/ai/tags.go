package ai

import (
	"regexp"
	"strings"
)

// reasoningTagPatterns match reasoning blocks some models emit before their
// actual answer.
var reasoningTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<think>.*?</think>`),
	regexp.MustCompile(`(?s)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?s)<reasoning>.*?</reasoning>`),
}

// unclosedReasoning matches a reasoning block that was opened but never
// closed because the response was cut off.
var unclosedReasoning = regexp.MustCompile(`(?s)^\s*<(think|thinking|reasoning)>.*$`)

var codeFence = regexp.MustCompile("(?s)^\\s*```[a-zA-Z0-9_-]*\\s*\n(.*?)\n?\\s*```\\s*$")

// excessiveNewlines matches 3 or more consecutive newlines
var excessiveNewlines = regexp.MustCompile(`\n{3,}`)

// StripReasoningTags removes <think>, <thinking> and <reasoning> blocks from
// a model response. An unterminated leading block swallows the remainder.
func StripReasoningTags(content string) string {
	result := content
	for _, pattern := range reasoningTagPatterns {
		result = pattern.ReplaceAllString(result, "")
	}
	result = unclosedReasoning.ReplaceAllString(result, "")
	result = excessiveNewlines.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}

// StripCodeFence unwraps a response that is enclosed in a single markdown
// code fence, e.g. ```json ... ```. Other input is returned trimmed.
func StripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if m := codeFence.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// CleanResponse applies StripReasoningTags and StripCodeFence.
func CleanResponse(content string) string {
	return StripCodeFence(StripReasoningTags(content))
}
