package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the speaker of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior turn forwarded as context.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is the normalized completion call: instruction context, bounded
// history (oldest first) and the new user text.
type Request struct {
	Instructions string    `json:"instructions"`
	History      []Message `json:"history,omitempty"`
	Text         string    `json:"input_text"`
}

// Response is the provider's final reply text.
type Response struct {
	Text string `json:"text"`
}

// Client obtains one reply from an external completion service. Callers treat
// any error as a failed attempt; implementations never retry.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Provider names accepted by NewClient.
const (
	ProviderAuto   = "auto"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderHTTP   = "http"
	ProviderMock   = "mock"
	ProviderNone   = "none"
)

// Config controls client construction.
type Config struct {
	Provider string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	GeminiAPIKey string
	GeminiModel  string

	HTTPURL     string
	HTTPTimeout time.Duration
}

// NewClient builds the configured client and reports the provider it
// resolved to. With no usable credentials it returns a Disabled client so the
// caller falls back to local replies.
func NewClient(ctx context.Context, cfg Config) (Client, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = ProviderAuto
	}

	switch mode {
	case ProviderAuto:
		return newAutoClient(ctx, cfg)
	case ProviderOpenAI:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, "", errors.New("OPENAI_API_KEY is required for openai mode")
		}
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), ProviderOpenAI, nil
	case ProviderGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, "", errors.New("GEMINI_API_KEY is required for gemini mode")
		}
		c, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, "", err
		}
		return c, ProviderGemini, nil
	case ProviderHTTP:
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, "", errors.New("COMPLETION_HTTP_URL is required for http mode")
		}
		return NewHTTPClient(cfg.HTTPURL, cfg.HTTPTimeout), ProviderHTTP, nil
	case ProviderMock:
		return NewMockClient(), ProviderMock, nil
	case ProviderNone:
		return Disabled{}, ProviderNone, nil
	default:
		return nil, "", fmt.Errorf("unsupported completion provider %q", cfg.Provider)
	}
}

func newAutoClient(ctx context.Context, cfg Config) (Client, string, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), ProviderOpenAI, nil
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		c, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, "", err
		}
		return c, ProviderGemini, nil
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		return NewHTTPClient(cfg.HTTPURL, cfg.HTTPTimeout), ProviderHTTP, nil
	}
	return Disabled{}, ProviderNone, nil
}

// Disabled is used when no completion credential is configured.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (Response, error) {
	return Response{}, ErrNotConfigured
}
