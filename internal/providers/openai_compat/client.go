package openai_compat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"bredai/internal/providers"
)

// Config describes one chat-completions compatible endpoint (groq, nvidia,
// cerebras).
type Config struct {
	Provider    providers.Name
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg    Config
	client *openai.Client
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	clientConfig.HTTPClient = cfg.HTTPClient
	return &Client{cfg: cfg, client: openai.NewClientWithConfig(clientConfig)}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, retry, err := c.callOnce(ctx, payload)
		if err == nil {
			return providers.ChatResponse{Text: text}, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return providers.ChatResponse{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return providers.ChatResponse{}, lastErr
}

func buildPayload(req providers.ChatRequest) (openai.ChatCompletionRequest, error) {
	if strings.TrimSpace(req.Model) == "" {
		return openai.ChatCompletionRequest{}, fmt.Errorf("model is empty")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+3)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	if preamble := textOnly(req.Preamble); preamble != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: preamble})
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == providers.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}

	message := req.Message
	for _, a := range req.Attachments {
		message += fmt.Sprintf("\n[Anhang %s (%s) kann von diesem Modell nicht gelesen werden]", a.Name, a.MimeType)
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = wireFloat(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = wireFloat(*req.TopP)
	}
	return out, nil
}

// wireFloat keeps an explicit zero on the wire: go-openai drops zero-valued
// sampling fields, so zero is sent as the smallest positive float32.
func wireFloat(v float64) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(v)
}

func textOnly(parts []providers.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Attachment != nil {
			continue
		}
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

func (c *Client) callOnce(ctx context.Context, payload openai.ChatCompletionRequest) (text string, retry bool, err error) {
	resp, err := c.client.CreateChatCompletion(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		perr := c.normalizeError(err)
		return "", perr.Status == 0 || perr.Retryable(), perr
	}
	if len(resp.Choices) == 0 {
		return "", false, &providers.ProviderError{Provider: c.cfg.Provider, Message: "empty choices in chat completion response"}
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", false, &providers.ProviderError{Provider: c.cfg.Provider, Message: "missing message content in chat completion response"}
	}
	return content, false, nil
}

func (c *Client) normalizeError(err error) *providers.ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if strings.TrimSpace(msg) == "" {
			msg = fmt.Sprintf("API Fehler (%s)", c.cfg.Provider)
		}
		return &providers.ProviderError{Provider: c.cfg.Provider, Status: apiErr.HTTPStatusCode, Message: msg}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &providers.ProviderError{
			Provider: c.cfg.Provider,
			Status:   reqErr.HTTPStatusCode,
			Message:  fmt.Sprintf("API Fehler (%s)", c.cfg.Provider),
		}
	}
	return &providers.ProviderError{Provider: c.cfg.Provider, Message: "request failed: " + err.Error()}
}
