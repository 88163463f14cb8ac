package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	openaiChatURL      = "https://api.openai.com/v1/chat/completions"
	openaiEmbeddingURL = "https://api.openai.com/v1/embeddings"
)

// LabelInsufficient is the sentinel the classification model returns when a
// bill cannot be assigned a category from its descriptor alone.
const LabelInsufficient = "UNKNOWN"

// client implements the classification and embedding calls against OpenAI's API.
type client struct {
	apiKey          string
	completionModel string
	embeddingModel  string
	temperature     float64
	maxTokens       int
	httpClient      *http.Client
}

// Message represents a message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey, completionModel, embeddingModel string, temperature float64, maxTokens int, timeout time.Duration) *client {
	return &client{
		apiKey:          apiKey,
		completionModel: completionModel,
		embeddingModel:  embeddingModel,
		temperature:     temperature,
		maxTokens:       maxTokens,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// BillDescriptor is the minimal description of a bill submitted for classification.
type BillDescriptor struct {
	Identifier string   `json:"identifier"`
	Title      string   `json:"title"`
	Committees []string `json:"committees"`
	Summary    string   `json:"summary"`
}

// Classification is one model verdict: a label from the fixed set, or the
// insufficient-information sentinel.
type Classification struct {
	Identifier string `json:"identifier"`
	Label      string `json:"label"`
}

// ClassifyBills submits one batched classification request. The response must
// be a JSON array of {identifier, label}; anything else is an error.
func (c *client) ClassifyBills(ctx context.Context, bills []BillDescriptor, labels []string) ([]Classification, error) {
	if len(bills) == 0 {
		return nil, nil
	}

	systemPrompt := fmt.Sprintf(`You classify US legislative bills into exactly one category.

CATEGORIES:
%s

RULES:
1. For EVERY input bill return exactly one entry.
2. "label" must be one of the categories above, verbatim, or "%s" when the
   bill's title, committees and summary are not enough to decide.
3. Echo each bill's "identifier" unchanged.

RESPONSE FORMAT:
Respond ONLY with a valid JSON array of {"identifier": "...", "label": "..."}.
Do not include any other text or explanation.`,
		"- "+strings.Join(labels, "\n- "), LabelInsufficient)

	payload, err := json.Marshal(bills)
	if err != nil {
		return nil, fmt.Errorf("marshal bill descriptors: %w", err)
	}

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: string(payload)},
	}

	responseStr, err := c.sendChatRequest(ctx, messages)
	if err != nil {
		return nil, err
	}

	var verdicts []Classification
	if err := json.Unmarshal([]byte(stripCodeFences(responseStr)), &verdicts); err != nil {
		return nil, fmt.Errorf("classification response is not a JSON array: %w", err)
	}
	return verdicts, nil
}

// Embedding is one result of a batched embedding request. Index refers to the
// position of the source text in the request, independent of result order.
type Embedding struct {
	Index  int
	Vector []float32
}

// EmbedTexts generates embeddings for the given texts. Results carry the
// API's explicit per-item index; callers must re-associate by it rather than
// by array position.
func (c *client) EmbedTexts(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	requestBody := map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiEmbeddingURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp struct {
		Data []struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	out := make([]Embedding, 0, len(openaiResp.Data))
	for _, d := range openaiResp.Data {
		out = append(out, Embedding{Index: d.Index, Vector: d.Embedding})
	}
	return out, nil
}

// sendChatRequest sends a chat completion request to the OpenAI API.
func (c *client) sendChatRequest(ctx context.Context, messages []Message) (string, error) {
	requestBody := chatRequest{
		Model:       c.completionModel,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiChatURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return openaiResp.Choices[0].Message.Content, nil
}

// stripCodeFences removes a surrounding markdown code fence some models wrap
// JSON output in, despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
