package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

// HTTPInvoker talks to an OpenAI-compatible chat completions endpoint. Most
// hosted and self-hosted gateways speak this dialect.
type HTTPInvoker struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPInvoker builds an invoker for one provider backend.
func NewHTTPInvoker(cfg config.ProviderConfig, logger *slog.Logger) *HTTPInvoker {
	return &HTTPInvoker{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke implements domain.ModelInvoker.
func (p *HTTPInvoker) Invoke(ctx context.Context, entry domain.ModelEntry, prompt domain.ModelPrompt, opts domain.InvokeOptions) (*domain.ModelResponse, error) {
	const op = "model.http"

	var messages []chatMessage
	if prompt.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: prompt.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt.Input})

	body, err := json.Marshal(chatRequest{
		Model:       entry.Name,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewDomainError(op, domain.ErrProviderTimeout, err.Error())
		}
		return nil, domain.NewDomainError(op, domain.ErrProviderUnavailable, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrProviderUnavailable, "read response: "+err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPStatus(op, resp.StatusCode, data)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrProviderFatal, "malformed response body")
	}
	if out.Error != nil {
		return nil, domain.NewDomainError(op, domain.ErrProviderFatal, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrProviderFatal, "response carried no choices")
	}

	p.logger.Debug("model call completed",
		"provider", p.name,
		"entry", entry.Name,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens)

	return &domain.ModelResponse{
		Text:  out.Choices[0].Message.Content,
		Model: entry.Name,
		Usage: domain.ModelUsage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

func mapHTTPStatus(op string, status int, body []byte) error {
	detail := fmt.Sprintf("status %d", status)
	if len(body) > 0 && len(body) < 512 {
		detail += ": " + string(body)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewDomainError(op, domain.ErrProviderQuota, detail)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		status == http.StatusRequestEntityTooLarge:
		return domain.NewDomainError(op, domain.ErrProviderRejected, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewDomainError(op, domain.ErrProviderFatal, detail)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.NewDomainError(op, domain.ErrProviderTimeout, detail)
	case status >= 500:
		return domain.NewDomainError(op, domain.ErrProviderUnavailable, detail)
	default:
		return domain.NewDomainError(op, domain.ErrProviderFatal, detail)
	}
}

var _ domain.ModelInvoker = (*HTTPInvoker)(nil)
