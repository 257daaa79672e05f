package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"triagebot/internal/domain"
	"triagebot/internal/report"
	"triagebot/internal/textutil"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"
const defaultOpenAIModel = "gpt-4o-mini"
const defaultOpenAIURL = "https://api.openai.com/v1/chat/completions"
const maxDescriptionChars = 6000

type completeFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, TokenUsage, error)

// Producer asks a language model for field recommendations, one ticket per
// call. It is safe for concurrent use.
type Producer struct {
	provider      string
	model         string
	allowedFields []string
	kb            *KnowledgeBase
	logger        *zap.Logger
	complete      completeFunc

	mu    sync.Mutex
	usage TokenUsage
	calls int
}

type Options struct {
	Provider        string
	Model           string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	// OpenAIURL overrides the chat completions endpoint.
	OpenAIURL     string
	AllowedFields []string
	KnowledgeBase *KnowledgeBase
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

func NewProducer(opts Options) *Producer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	p := &Producer{
		provider:      opts.Provider,
		model:         opts.Model,
		allowedFields: opts.AllowedFields,
		kb:            opts.KnowledgeBase,
		logger:        logger.Named("llm"),
	}

	switch opts.Provider {
	case "openai":
		if p.model == "" {
			p.model = defaultOpenAIModel
		}
		endpoint := opts.OpenAIURL
		if endpoint == "" {
			endpoint = defaultOpenAIURL
		}
		p.complete = func(ctx context.Context, systemPrompt, userPrompt string) (string, TokenUsage, error) {
			return callOpenAI(ctx, httpClient, endpoint, opts.OpenAIAPIKey, p.model, systemPrompt, userPrompt)
		}
	default:
		p.provider = "anthropic"
		if p.model == "" {
			p.model = defaultAnthropicModel
		}
		client := anthropic.NewClient(option.WithAPIKey(opts.AnthropicAPIKey), option.WithHTTPClient(httpClient))
		p.complete = func(ctx context.Context, systemPrompt, userPrompt string) (string, TokenUsage, error) {
			return callAnthropic(ctx, client, p.model, systemPrompt, userPrompt)
		}
	}
	return p
}

// Info reports the producer identity and usage in audit form.
func (p *Producer) Info() report.ProducerInfo {
	usage, calls := p.Usage()
	return report.ProducerInfo{
		Provider:     p.provider,
		Model:        p.model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Calls:        calls,
	}
}

// Usage returns the token usage accumulated across calls and the number of
// calls made.
func (p *Producer) Usage() (TokenUsage, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage, p.calls
}

func (p *Producer) Recommend(ctx context.Context, ticket domain.Ticket) ([]domain.RawRecommendation, error) {
	systemPrompt, userPrompt := p.buildPrompts(ticket)
	log := p.logger.With(zap.String("ticket", ticket.Key), zap.String("provider", p.provider), zap.String("model", p.model))
	log.Debug("llm recommend start")

	text, usage, err := p.complete(ctx, systemPrompt, userPrompt)
	p.mu.Lock()
	p.usage.Add(usage)
	p.calls++
	p.mu.Unlock()
	if err != nil {
		log.Warn("llm recommend error", zap.Error(err))
		return nil, err
	}

	recs, err := parseRecommendations(text)
	if err != nil {
		return nil, err
	}
	log.Info("llm recommend done", zap.Int("recommendations", len(recs)), zap.Int64("tokens_in", usage.InputTokens), zap.Int64("tokens_out", usage.OutputTokens), zap.Int64("tokens_total", usage.TotalTokens()))
	return recs, nil
}

func (p *Producer) buildPrompts(ticket domain.Ticket) (string, string) {
	fields := p.allowedFields
	if len(fields) == 0 {
		fields = []string{"team", "components"}
	}

	var sys strings.Builder
	sys.WriteString("You triage issue-tracker tickets. For each field listed below, decide whether the ticket's current value should change.\n")
	fmt.Fprintf(&sys, "Fields you may recommend: %s.\n", strings.Join(fields, ", "))
	sys.WriteString("Only recommend a field when you are reasonably sure. Confidence is a number between 0 and 1.\n")
	sys.WriteString("Multi-valued fields (components) are a JSON array of names.\n")
	if kb := p.kb.render(); kb != "" {
		sys.WriteString("\n")
		sys.WriteString(kb)
	}
	sys.WriteString(`
Respond with JSON only, no prose:
{"recommendations":[{"field":"team","current":"<current or null>","recommended":"<value>","confidence":0.0,"rationale":"<short reason>","action":"NEW"}]}
Return {"recommendations":[]} when nothing should change.`)

	var user strings.Builder
	fmt.Fprintf(&user, "Ticket: %s\nSummary: %s\n", ticket.Key, ticket.Summary)
	keys := make([]string, 0, len(ticket.Fields))
	for _, f := range fields {
		if v := ticket.Fields[f]; v != "" {
			keys = append(keys, fmt.Sprintf("%s=%s", f, v))
		} else {
			keys = append(keys, fmt.Sprintf("%s=(unset)", f))
		}
	}
	fmt.Fprintf(&user, "Current fields: %s\n", strings.Join(keys, "; "))

	desc := strings.TrimSpace(ticket.Description)
	if len(desc) > maxDescriptionChars {
		desc = textutil.Truncate(desc, maxDescriptionChars) + "\n...(truncated)"
	}
	if desc != "" {
		fmt.Fprintf(&user, "Description:\n%s\n", desc)
	}

	if hints := p.kb.Hints(ticket.Summary + "\n" + ticket.Description); len(hints) > 0 {
		user.WriteString("\nGlossary matches:\n")
		for _, h := range hints {
			fmt.Fprintf(&user, "- %q", h.Phrase)
			if h.Team != "" {
				fmt.Fprintf(&user, " usually belongs to team %s", h.Team)
			}
			if h.Component != "" {
				fmt.Fprintf(&user, " (component %s)", h.Component)
			}
			user.WriteString("\n")
		}
	}
	return sys.String(), user.String()
}

type recommendationEnvelope struct {
	Recommendations []domain.RawRecommendation `json:"recommendations"`
}

// parseRecommendations accepts either the envelope object or a bare array,
// optionally wrapped in a markdown code fence.
func parseRecommendations(responseText string) ([]domain.RawRecommendation, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	if strings.HasPrefix(responseText, "[") {
		var recs []domain.RawRecommendation
		if err := json.Unmarshal([]byte(responseText), &recs); err != nil {
			return nil, fmt.Errorf("parsing LLM recommendations: %w (response: %s)", err, responseText)
		}
		return recs, nil
	}
	var env recommendationEnvelope
	if err := json.Unmarshal([]byte(responseText), &env); err != nil {
		return nil, fmt.Errorf("parsing LLM recommendations: %w (response: %s)", err, responseText)
	}
	return env.Recommendations, nil
}

// --- Anthropic ---

func callAnthropic(ctx context.Context, client anthropic.Client, model, systemPrompt, userPrompt string) (string, TokenUsage, error) {
	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("Anthropic API error: %w", err)
	}
	usage := TokenUsage{
		InputTokens:         message.Usage.InputTokens,
		OutputTokens:        message.Usage.OutputTokens,
		CacheCreationTokens: message.Usage.CacheCreationInputTokens,
		CacheReadTokens:     message.Usage.CacheReadInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in Anthropic response")
}

// --- OpenAI ---

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func callOpenAI(ctx context.Context, httpClient *http.Client, endpoint, apiKey, model, systemPrompt, userPrompt string) (string, TokenUsage, error) {
	reqBody := openAIRequest{
		Model: model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", TokenUsage{}, fmt.Errorf("reading response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", TokenUsage{}, fmt.Errorf("parsing OpenAI response (status %d): %w", resp.StatusCode, err)
	}

	if openAIResp.Error != nil {
		return "", TokenUsage{}, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}

	if len(openAIResp.Choices) == 0 {
		return "", TokenUsage{}, fmt.Errorf("no choices in OpenAI response")
	}
	usage := TokenUsage{}
	if openAIResp.Usage != nil {
		usage.InputTokens = openAIResp.Usage.PromptTokens
		usage.OutputTokens = openAIResp.Usage.CompletionTokens
	}
	return openAIResp.Choices[0].Message.Content, usage, nil
}
