package nlbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
)

// maxResponseBytes bounds how much of a model response is read.
const maxResponseBytes = 1 << 20

// ChatClient is a Suggester backed by an OpenAI-compatible chat completions
// endpoint.
type ChatClient struct {
	endpoint string
	model    string
	apiKey   string
	prompt   string
	http     *http.Client
}

// NewChatClient creates a client for cfg. The system prompt is built once
// from cat.
func NewChatClient(cfg domain.BridgeConfig, cat *catalog.Catalog, httpClient *http.Client) *ChatClient {
	if cat == nil {
		cat = catalog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ChatClient{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		prompt:   SystemPrompt(cat),
		http:     httpClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// modelAnswer is the JSON object the model is asked to produce.
type modelAnswer struct {
	Rules       json.RawMessage `json:"rules"`
	Description string          `json:"description"`
	Confidence  string          `json:"confidence"`
}

// Suggest sends text to the model and decodes its proposed rule group. The
// result is not validated.
func (c *ChatClient) Suggest(ctx context.Context, text string) (*Candidate, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.prompt},
			{Role: "user", Content: text},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("chat endpoint returned status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("chat response has no choices")
	}
	return ParseAnswer(out.Choices[0].Message.Content)
}

// ParseAnswer decodes a model answer, tolerating a surrounding markdown code fence.
func ParseAnswer(content string) (*Candidate, error) {
	content = stripFence(content)

	var answer modelAnswer
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return nil, fmt.Errorf("model answer is not JSON: %w", err)
	}
	if len(answer.Rules) == 0 || string(answer.Rules) == "null" {
		return nil, errors.New("model answer has no rules")
	}

	var g domain.RuleGroup
	if err := json.Unmarshal(answer.Rules, &g); err != nil {
		return nil, fmt.Errorf("model rules are malformed: %w", err)
	}
	return &Candidate{
		Rules:       g,
		Description: answer.Description,
		Confidence:  domain.Confidence(strings.ToLower(answer.Confidence)),
	}, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// SystemPrompt describes the rule format and the fields of cat.
func SystemPrompt(cat *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString("You translate audience descriptions into customer segment rules.\n")
	b.WriteString(`Answer with one JSON object: {"rules": <group>, "description": <short summary>, "confidence": "high"|"medium"|"low"}.` + "\n")
	b.WriteString(`A group is {"logic": "AND"|"OR", "rules": [...]} where each element is a rule or a nested group.` + "\n")
	b.WriteString(`A rule is {"field": <name>, "operator": <operator>, "value": <value>, "dataType": <type>}.` + "\n")
	b.WriteString("Dates are YYYY-MM-DD. between takes [low, high]. in and not_in take arrays. is_empty, is_not_empty, is_true and is_false take no value.\n")
	b.WriteString("Use only these fields:\n")
	for _, f := range cat.Fields() {
		ops := make([]string, len(f.Operators))
		for i, op := range f.Operators {
			ops[i] = op.String()
		}
		fmt.Fprintf(&b, "- %s (%s): %s", f.Name, f.DataType, strings.Join(ops, ", "))
		if len(f.Options) > 0 {
			fmt.Fprintf(&b, "; values: %s", strings.Join(f.Options, ", "))
		}
		if f.Description != "" {
			fmt.Fprintf(&b, ". %s", f.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
