package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// GatewayConfig connects the adapter to an OpenAI-compatible
// chat-completions endpoint.
type GatewayConfig struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string
	APIKey  string
	// Model is the default model when CallOptions.Model is empty.
	Model string

	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
	// MaxRetries bounds retries on 429 and 5xx responses.
	MaxRetries uint64
}

// GatewayAdapter calls an OpenAI-compatible HTTP gateway.
type GatewayAdapter struct {
	cfg    GatewayConfig
	client *http.Client
}

// NewGatewayAdapter creates an adapter for cfg. BaseURL is required.
func NewGatewayAdapter(cfg GatewayConfig) (*GatewayAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway adapter: base URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &GatewayAdapter{cfg: cfg, client: client}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call implements Adapter.
func (a *GatewayAdapter) Call(ctx context.Context, messages []Message, opts CallOptions) (*Response, error) {
	model := opts.Model
	if model == "" {
		model = a.cfg.Model
	}
	req := chatRequest{
		Model:       model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.StopSequences,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gateway adapter: encode request: %w", err)
	}

	var resp *Response
	op := func() error {
		var opErr error
		resp, opErr = a.doCall(ctx, body)
		return opErr
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, a.cfg.MaxRetries), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *GatewayAdapter) doCall(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("gateway adapter: status %d: %s", httpResp.StatusCode, truncate(respBody, 200))
		// Retry only throttling and server-side failures.
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("gateway adapter: decode response: %w", err))
	}
	if parsed.Error != nil {
		return nil, backoff.Permanent(fmt.Errorf("gateway adapter: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("gateway adapter: response has no choices"))
	}

	out := &Response{Content: parsed.Choices[0].Message.Content}
	for _, tc := range parsed.Choices[0].Message.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
				call.Arguments = args
			}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
