package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/conversation"
)

const defaultAPIBase = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat-completions protocol. Image references in
// the question are forwarded as image_url parts; every other block is
// folded into text.
type OpenAIProvider struct {
	apiKey      string
	apiBase     string
	model       string
	prompt      string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	client := &http.Client{Timeout: 120 * time.Second}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	apiBase := strings.TrimRight(cfg.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &OpenAIProvider{
		apiKey:      cfg.APIKey,
		apiBase:     apiBase,
		model:       cfg.Model,
		prompt:      cfg.Prompt,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  client,
	}
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, question []bus.ContentBlock, history []conversation.Turn) (string, error) {
	messages := p.buildMessages(question, history)

	requestBody := map[string]interface{}{
		"model":    p.model,
		"messages": messages,
	}
	if p.maxTokens > 0 {
		requestBody["max_tokens"] = p.maxTokens
	}
	if p.temperature > 0 {
		requestBody["temperature"] = p.temperature
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion API request failed:\n  Status: %d\n  Body:   %s", resp.StatusCode, string(body))
	}

	return parseResponse(body)
}

// buildMessages renders the optional system prompt, the conversation
// window as alternating user/assistant turns, and the batched question.
func (p *OpenAIProvider) buildMessages(question []bus.ContentBlock, history []conversation.Turn) []chatMessage {
	messages := make([]chatMessage, 0, 2*len(history)+2)

	if strings.TrimSpace(p.prompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.prompt})
	}

	for _, turn := range history {
		messages = append(messages,
			chatMessage{Role: "user", Content: bus.PlainText(turn.Question)},
			chatMessage{Role: "assistant", Content: turn.Answer},
		)
	}

	messages = append(messages, chatMessage{Role: "user", Content: questionContent(question)})
	return messages
}

// questionContent returns a plain string for text-only questions and a
// multi-part body when images are attached.
func questionContent(blocks []bus.ContentBlock) interface{} {
	hasImage := false
	for _, b := range blocks {
		if b.Kind == bus.BlockImageRef {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return bus.PlainText(blocks)
	}

	var parts []contentPart
	var textBlocks []bus.ContentBlock
	flushText := func() {
		if len(textBlocks) == 0 {
			return
		}
		if text := bus.PlainText(textBlocks); text != "" {
			parts = append(parts, contentPart{Type: "text", Text: text})
		}
		textBlocks = nil
	}

	for _, b := range blocks {
		if b.Kind == bus.BlockImageRef {
			flushText()
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: b.Ref}})
			continue
		}
		textBlocks = append(textBlocks, b)
	}
	flushText()
	return parts
}

func parseResponse(body []byte) (string, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("parse completion response: %w", err)
	}
	if apiResponse.Error != nil {
		return "", fmt.Errorf("completion API error: %s", apiResponse.Error.Message)
	}
	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}
	return strings.TrimSpace(apiResponse.Choices[0].Message.Content), nil
}
