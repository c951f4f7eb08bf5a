package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Name identifies one of the four upstream providers.
type Name string

const (
	Gemini   Name = "gemini"
	Groq     Name = "groq"
	Cerebras Name = "cerebras"
	NVIDIA   Name = "nvidia"
)

// All lists the supported providers in catalog order.
var All = []Name{Gemini, Groq, Cerebras, NVIDIA}

func ParseName(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if n == known {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownProvider, s)
}

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one prior message in a conversation.
type Turn struct {
	Role Role
	Text string
}

// Attachment is an inline file passed to a multimodal model. Data is already
// base64 encoded.
type Attachment struct {
	Name     string
	MimeType string
	Data     string
}

// Part is one piece of a multi-part user message. Exactly one of Text or
// Attachment is set.
type Part struct {
	Text       string
	Attachment *Attachment
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	History      []Turn
	// Preamble is sent as leading user content before History. Providers that
	// cannot carry attachments receive only its text parts.
	Preamble    []Part
	Message     string
	Attachments []Attachment
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ProviderError is a normalised upstream failure.
type ProviderError struct {
	Provider Name
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Retryable reports statuses worth a second attempt against the same
// provider. 429 is left to fallback.
func (e *ProviderError) Retryable() bool {
	return e.Status >= 500
}

// IsRateLimited reports whether err carries a 429 from any provider.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.RateLimited()
}
