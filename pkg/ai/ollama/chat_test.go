package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"

	"github.com/ollama/ollama/api"
)

func newTestClient(t *testing.T, content string, got *api.ChatRequest) *GraphOllamaClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             got.Model,
			"created_at":        "2024-01-01T00:00:00Z",
			"message":           map[string]any{"role": "assistant", "content": content},
			"done":              true,
			"prompt_eval_count": 5,
			"eval_count":        4,
			"total_duration":    2000000,
		})
	}))
	t.Cleanup(srv.Close)

	c, err := NewGraphOllamaClient(NewGraphOllamaClientParams{
		DescriptionModel:      "describe-model",
		ExtractionModel:       "extract-model",
		BaseURL:               srv.URL,
		MaxConcurrentRequests: 1,
	})
	if err != nil {
		t.Fatalf("NewGraphOllamaClient failed: %v", err)
	}
	c.countTokens = func(s string) (int, error) { return len(strings.Fields(s)), nil }
	return c
}

func TestGenerateChat(t *testing.T) {
	var got api.ChatRequest
	c := newTestClient(t, "<|COMPLETE|>", &got)

	out, err := c.GenerateChat(context.Background(), []ai.ChatMessage{
		ai.UserMessage("extract"),
		ai.AssistantMessage("first"),
		{Message: "continue"},
	}, ai.WithSystemPrompts("system"))
	if err != nil {
		t.Fatalf("GenerateChat failed: %v", err)
	}
	if out != "<|COMPLETE|>" {
		t.Fatalf("out = %q", out)
	}
	if got.Model != "extract-model" {
		t.Fatalf("model = %q", got.Model)
	}
	roles := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Fatalf("roles = %v", roles)
	}
	if _, ok := got.Options["num_ctx"]; ok {
		t.Fatalf("num_ctx set for a short conversation")
	}

	m := c.GetMetrics()
	if m.InputTokens != 5 || m.OutputTokens != 4 || m.TotalTokens != 9 || m.DurationMs != 2 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestGenerateCompletionSizesContext(t *testing.T) {
	var got api.ChatRequest
	c := newTestClient(t, "summary", &got)

	long := strings.Repeat("Tokyo is the capital of Japan. ", 1500)
	if _, err := c.GenerateCompletion(context.Background(), long); err != nil {
		t.Fatalf("GenerateCompletion failed: %v", err)
	}
	if got.Model != "describe-model" {
		t.Fatalf("model = %q", got.Model)
	}
	numCtx, ok := got.Options["num_ctx"].(float64)
	if !ok || numCtx <= defaultContext {
		t.Fatalf("num_ctx = %v, want above %d", got.Options["num_ctx"], defaultContext)
	}
	if numCtx > float64(len(long)) {
		t.Fatalf("num_ctx = %v is larger than the prompt in bytes", numCtx)
	}
}

func TestGenerateCompletionWithFormat(t *testing.T) {
	var got api.ChatRequest
	c := newTestClient(t, `{"groups": [{"label": "x", "indices": [0]}]}`, &got)

	var out struct {
		Groups []struct {
			Label   string `json:"label"`
			Indices []int  `json:"indices"`
		} `json:"groups"`
	}
	if err := c.GenerateCompletionWithFormat(context.Background(), "group", "Group.", "prompt", &out); err != nil {
		t.Fatalf("GenerateCompletionWithFormat failed: %v", err)
	}
	if len(got.Format) == 0 {
		t.Fatalf("format schema not sent")
	}
	if len(out.Groups) != 1 || out.Groups[0].Label != "x" {
		t.Fatalf("out = %+v", out)
	}

	var notPointer struct{}
	if err := c.GenerateCompletionWithFormat(context.Background(), "group", "Group.", "prompt", notPointer); err == nil {
		t.Fatalf("expected an error for a non-pointer target")
	}
}
