package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/config"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/engine"
	mid "github.com/OFFIS-RIT/kiwi/consolidation/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/graph"

	"github.com/labstack/echo/v4"
)

const question = "What is the capital of Japan?"

// fakeClient extracts a fixed Tokyo record set and answers the test
// question with a referenced text.
type fakeClient struct {
	keywords string
	err      error
}

func (f *fakeClient) GenerateCompletion(context.Context, string, ...ai.GenerateOption) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.keywords, nil
}

func (f *fakeClient) GenerateCompletionWithFormat(context.Context, string, string, string, any, ...ai.GenerateOption) error {
	return errors.New("not scripted")
}

func (f *fakeClient) GenerateChat(_ context.Context, messages []ai.ChatMessage, _ ...ai.GenerateOption) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if messages[len(messages)-1].Message == question {
		return "Tokyo is the capital of Japan.\n\n### References\n\n- [KG] Tokyo\n- [KG] Osaka", nil
	}
	return "entity<|#|>Tokyo<|#|>Location<|#|>Capital of Japan\n" +
		"relation<|#|>Tokyo<|#|>Japan<|#|>capital<|#|>Tokyo is the capital of Japan\n<|COMPLETE|>", nil
}

func (f *fakeClient) ResetMetrics()               {}
func (f *fakeClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

type fakePublisher struct {
	mu   sync.Mutex
	jobs map[string][][]byte
}

func (p *fakePublisher) PublishFIFO(queueName string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobs == nil {
		p.jobs = map[string][][]byte{}
	}
	p.jobs[queueName] = append(p.jobs[queueName], data)
	return nil
}

func (p *fakePublisher) PublishTopic(string, []byte) error { return nil }

func newTestApp(client ai.GraphAIClient) *mid.App {
	cfg := &config.Config{
		AI: config.AIConfig{Adapter: "openai", ParallelRequests: 2, Timeout: time.Second, MaxRetries: 1},
		Extraction: config.ExtractionConfig{
			Delimiters:       graph.DefaultDelimiters(),
			ParallelPassages: 2,
		},
		Query: config.QueryConfig{CitationLimit: 5, MaxEntities: 10, MaxRelations: 10},
		Store: config.StoreConfig{GraphID: "default"},
	}
	e := engine.New(cfg, client, nil, nil)
	e.TokenCounter = graph.WordCounter
	return &mid.App{Engine: e}
}

func do(t *testing.T, e *echo.Echo, method, path, body string, header ...string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid json %q", method, path, rec.Body.String())
		}
	}
	return rec.Code, out
}

func addTokyo(t *testing.T, e *echo.Echo) {
	t.Helper()
	code, body := do(t, e, http.MethodPost, "/api/graphs/g1/passages", `{"passages":[{"id":"p1","text":"Tokyo is the capital of Japan."}]}`)
	if code != http.StatusOK {
		t.Fatalf("add passages = %d %v", code, body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := New(newTestApp(&fakeClient{}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "consolidation_") {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	app := newTestApp(&fakeClient{})
	app.APIKey = "secret"
	e := New(app)

	if code, _ := do(t, e, http.MethodGet, "/api/graphs/g1", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := do(t, e, http.MethodGet, "/api/graphs/g1", "", "Authorization", "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := do(t, e, http.MethodGet, "/api/graphs/g1", "", "Authorization", "Bearer secret"); code != http.StatusOK {
		t.Fatalf("valid token = %d", code)
	}
}

func TestPassagesAndLookups(t *testing.T) {
	e := New(newTestApp(&fakeClient{}))
	addTokyo(t, e)

	code, body := do(t, e, http.MethodGet, "/api/graphs/g1", "")
	if code != http.StatusOK || body["nodes"] != float64(2) || body["edges"] != float64(1) {
		t.Fatalf("graph = %d %v", code, body)
	}

	code, body = do(t, e, http.MethodGet, "/api/graphs/g1/entities/tokyo", "")
	if code != http.StatusOK {
		t.Fatalf("entity = %d %v", code, body)
	}
	entity := body["entity"].(map[string]any)
	if entity["name"] != "Tokyo" || entity["type"] != "Location" || entity["description"] != "Capital of Japan" || entity["occurrences"] != float64(1) {
		t.Fatalf("entity = %v", entity)
	}

	code, body = do(t, e, http.MethodGet, "/api/graphs/g1/relations?source=Japan&target=Tokyo", "")
	if code != http.StatusOK {
		t.Fatalf("relation = %d %v", code, body)
	}
	relation := body["relation"].(map[string]any)
	if relation["source"] != "Tokyo" || relation["target"] != "Japan" {
		t.Fatalf("relation = %v", relation)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/graphs/g1/entities/Kyoto", http.StatusNotFound},
		{"/api/graphs/g1/relations?source=Tokyo&target=Kyoto", http.StatusNotFound},
		{"/api/graphs/g1/relations?source=Tokyo", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code, _ := do(t, e, http.MethodGet, tt.path, ""); code != tt.want {
			t.Fatalf("GET %s = %d, want %d", tt.path, code, tt.want)
		}
	}
}

func TestAddPassagesValidation(t *testing.T) {
	e := New(newTestApp(&fakeClient{}))

	bodies := []string{
		`{"passages":[]}`,
		`{"passages":[{"id":"p1","text":""}]}`,
		`{"passages":`,
	}
	for _, b := range bodies {
		if code, _ := do(t, e, http.MethodPost, "/api/graphs/g1/passages", b); code != http.StatusBadRequest {
			t.Fatalf("body %s = %d, want 400", b, code)
		}
	}
}

func TestAddPassagesAsync(t *testing.T) {
	app := newTestApp(&fakeClient{})
	e := New(app)

	body := `{"async":true,"passages":[{"text":"Tokyo."}]}`
	if code, _ := do(t, e, http.MethodPost, "/api/graphs/g1/passages", body); code != http.StatusServiceUnavailable {
		t.Fatalf("without queue = %d, want 503", code)
	}

	pub := &fakePublisher{}
	app.Publisher = pub
	code, resp := do(t, e, http.MethodPost, "/api/graphs/g1/passages", body)
	if code != http.StatusAccepted || resp["job_id"] == "" {
		t.Fatalf("queued = %d %v", code, resp)
	}
	if len(pub.jobs["extract_queue"]) != 1 {
		t.Fatalf("jobs = %v", pub.jobs)
	}

	code, resp = do(t, e, http.MethodGet, "/api/graphs/g1", "")
	if code != http.StatusOK || resp["nodes"] != float64(0) {
		t.Fatalf("queued passages were processed inline: %v", resp)
	}
}

func TestSummarizeInline(t *testing.T) {
	e := New(newTestApp(&fakeClient{}))
	addTokyo(t, e)

	code, body := do(t, e, http.MethodPost, "/api/graphs/g1/summaries", `{}`)
	if code != http.StatusOK || body["summarized"] != float64(0) {
		t.Fatalf("summaries = %d %v", code, body)
	}
	if code, _ := do(t, e, http.MethodPost, "/api/graphs/g1/summaries", `{"relations":[{"source":"Tokyo"}]}`); code != http.StatusBadRequest {
		t.Fatalf("invalid relation = %d", code)
	}
}

func TestKeywordsAndQuery(t *testing.T) {
	client := &fakeClient{keywords: `{"high_level_keywords":["capital"],"low_level_keywords":["Tokyo"]}`}
	e := New(newTestApp(client))
	addTokyo(t, e)

	code, body := do(t, e, http.MethodPost, "/api/graphs/g1/keywords", `{"question":"`+question+`"}`)
	if code != http.StatusOK {
		t.Fatalf("keywords = %d %v", code, body)
	}
	kw := body["keywords"].(map[string]any)
	if low := kw["low_level_keywords"].([]any); len(low) != 1 || low[0] != "Tokyo" {
		t.Fatalf("keywords = %v", kw)
	}

	code, body = do(t, e, http.MethodPost, "/api/graphs/g1/query", `{"question":"`+question+`"}`)
	if code != http.StatusOK {
		t.Fatalf("query = %d %v", code, body)
	}
	answer := body["answer"].(map[string]any)
	if text := answer["answer"].(string); strings.Contains(text, "Osaka") || !strings.Contains(text, "[KG] Tokyo") {
		t.Fatalf("answer = %q", text)
	}
	if cites := answer["citations"].([]any); len(cites) != 1 {
		t.Fatalf("citations = %v", cites)
	}

	if code, _ := do(t, e, http.MethodPost, "/api/graphs/g1/query", `{}`); code != http.StatusBadRequest {
		t.Fatalf("empty question = %d", code)
	}
}

func TestQueryErrors(t *testing.T) {
	client := &fakeClient{keywords: "I could not find any keywords."}
	e := New(newTestApp(client))

	if code, _ := do(t, e, http.MethodPost, "/api/graphs/g1/keywords", `{"question":"x"}`); code != http.StatusUnprocessableEntity {
		t.Fatalf("malformed keywords = %d, want 422", code)
	}

	client.err = errors.New("model down")
	if code, _ := do(t, e, http.MethodPost, "/api/graphs/g1/query", `{"question":"x"}`); code != http.StatusBadGateway {
		t.Fatalf("model failure = %d, want 502", code)
	}
}

func TestDeleteGraph(t *testing.T) {
	e := New(newTestApp(&fakeClient{}))
	addTokyo(t, e)

	if code, _ := do(t, e, http.MethodDelete, "/api/graphs/g1", ""); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := do(t, e, http.MethodDelete, "/api/graphs/g1", ""); code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", code)
	}
}
