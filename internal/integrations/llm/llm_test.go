package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"triagebot/internal/domain"
)

func TestParseRecommendationsEnvelopeAndFence(t *testing.T) {
	text := "```json\n{\"recommendations\":[{\"field\":\"team\",\"current\":null,\"recommended\":\"Node\",\"confidence\":\"85%\",\"rationale\":\"kubelet\",\"action\":\"NEW\"}]}\n```"
	recs, err := parseRecommendations(text)
	if err != nil {
		t.Fatalf("parseRecommendations failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recommendation, got %d", len(recs))
	}
	r := recs[0]
	if r.Field != "team" || r.Action != "NEW" || string(r.Confidence) != `"85%"` || string(r.Proposed) != `"Node"` {
		t.Fatalf("unexpected recommendation: %+v", r)
	}
}

func TestParseRecommendationsBareArray(t *testing.T) {
	recs, err := parseRecommendations(`[{"field":"components","recommended":["Node","Kubelet"],"confidence":0.9}]`)
	if err != nil {
		t.Fatalf("parseRecommendations failed: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Proposed) != `["Node","Kubelet"]` {
		t.Fatalf("unexpected recommendations: %+v", recs)
	}
}

func TestParseRecommendationsInvalid(t *testing.T) {
	if _, err := parseRecommendations("I think the team is Node."); err == nil {
		t.Fatal("expected parse error for prose response")
	}
}

func TestRecommendAccumulatesUsage(t *testing.T) {
	p := NewProducer(Options{Provider: "anthropic", AnthropicAPIKey: "test"})
	var gotSystem, gotUser string
	p.complete = func(ctx context.Context, systemPrompt, userPrompt string) (string, TokenUsage, error) {
		gotSystem, gotUser = systemPrompt, userPrompt
		return `{"recommendations":[{"field":"team","recommended":"Node","confidence":0.9}]}`, TokenUsage{InputTokens: 100, OutputTokens: 20}, nil
	}

	ticket := domain.Ticket{Key: "OCPBUGS-1", Summary: "kubelet panics", Fields: map[string]domain.Value{"components": "Node"}}
	for i := 0; i < 2; i++ {
		recs, err := p.Recommend(context.Background(), ticket)
		if err != nil {
			t.Fatalf("Recommend failed: %v", err)
		}
		if len(recs) != 1 {
			t.Fatalf("expected 1 recommendation, got %d", len(recs))
		}
	}

	usage, calls := p.Usage()
	if calls != 2 || usage.InputTokens != 200 || usage.TotalTokens() != 240 {
		t.Fatalf("unexpected usage: %+v calls=%d", usage, calls)
	}
	if info := p.Info(); info.Model != defaultAnthropicModel || info.Provider != "anthropic" || info.Calls != 2 {
		t.Fatalf("unexpected producer info: %+v", info)
	}
	if !strings.Contains(gotSystem, "team, components") {
		t.Fatalf("system prompt must list writable fields: %s", gotSystem)
	}
	if !strings.Contains(gotUser, "components=Node") || !strings.Contains(gotUser, "team=(unset)") {
		t.Fatalf("user prompt must carry current fields: %s", gotUser)
	}
}

func TestRecommendPropagatesErrors(t *testing.T) {
	p := NewProducer(Options{Provider: "anthropic"})
	p.complete = func(ctx context.Context, systemPrompt, userPrompt string) (string, TokenUsage, error) {
		return "", TokenUsage{}, errors.New("overloaded")
	}
	if _, err := p.Recommend(context.Background(), domain.Ticket{Key: "X-1"}); err == nil {
		t.Fatal("expected error")
	}
	if _, calls := p.Usage(); calls != 1 {
		t.Fatalf("failed calls must still be counted, got %d", calls)
	}
}

func TestOpenAIProducer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Fatalf("unexpected auth header: %q", r.Header.Get("Authorization"))
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Model != defaultOpenAIModel || len(req.Messages) != 2 {
			t.Fatalf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"recommendations\":[{\"field\":\"team\",\"recommended\":\"Storage\",\"confidence\":0.7}]}"}}],"usage":{"prompt_tokens":50,"completion_tokens":10}}`))
	}))
	defer srv.Close()

	p := NewProducer(Options{Provider: "openai", OpenAIAPIKey: "sk-test", OpenAIURL: srv.URL, HTTPClient: srv.Client()})
	recs, err := p.Recommend(context.Background(), domain.Ticket{Key: "X-2", Summary: "pvc stuck"})
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Proposed) != `"Storage"` {
		t.Fatalf("unexpected recommendations: %+v", recs)
	}
	if usage, _ := p.Usage(); usage.OutputTokens != 10 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestOpenAIErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	p := NewProducer(Options{Provider: "openai", OpenAIURL: srv.URL, HTTPClient: srv.Client()})
	_, err := p.Recommend(context.Background(), domain.Ticket{Key: "X-3"})
	if err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestKnowledgeBaseLoadAndHints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	content := `teams:
  - name: Node
    description: kubelet and CRI-O
    components: [Kubelet, CRI-O]
components: [Storage]
terms:
  - phrase: PVC
    team: Storage
    component: Storage
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write kb: %v", err)
	}
	kb, err := LoadKnowledgeBase(path)
	if err != nil {
		t.Fatalf("LoadKnowledgeBase failed: %v", err)
	}
	hints := kb.Hints("PVC stuck in Pending")
	if len(hints) != 1 || hints[0].Team != "Storage" {
		t.Fatalf("unexpected hints: %+v", hints)
	}
	rendered := kb.render()
	if !strings.Contains(rendered, "Valid components: CRI-O, Kubelet, Storage") {
		t.Fatalf("unexpected rendering: %s", rendered)
	}

	p := NewProducer(Options{KnowledgeBase: kb})
	_, user := p.buildPrompts(domain.Ticket{Key: "X-4", Summary: "PVC stuck"})
	if !strings.Contains(user, "usually belongs to team Storage") {
		t.Fatalf("expected glossary hint in prompt: %s", user)
	}
}

func TestBuildPromptsTruncatesDescriptionOnRuneBoundary(t *testing.T) {
	p := NewProducer(Options{})
	desc := strings.Repeat("x", maxDescriptionChars-1) + "日本語"
	_, user := p.buildPrompts(domain.Ticket{Key: "X-5", Summary: "long", Description: desc})
	if !utf8.ValidString(user) {
		t.Fatal("prompt is not valid UTF-8")
	}
	if !strings.Contains(user, strings.Repeat("x", maxDescriptionChars-1)+"\n...(truncated)") {
		t.Fatalf("expected truncation marker right after the last whole rune")
	}
}
