package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPProvider calls a remote chat-completion endpoint over HTTP,
// retrying transient failures with exponential backoff and propagating
// the caller's trace context. Grounded on the
// SWARM-INTELLIGENCE-NETWORK orchestrator's HTTPTaskExecutor (pooled
// *http.Client, otel.Tracer span per call, otel.GetTextMapPropagator
// header injection).
type HTTPProvider struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
	tracer   trace.Tracer
	backoff  func() backoff.BackOff
}

// NewHTTPProvider builds an HTTPProvider with a pooled client and a
// default exponential backoff policy (max 3 retries, 30s cap).
func NewHTTPProvider(endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("swarm-provider-http"),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

type httpChatRequest struct {
	Model       string    `json:"model"`
	Messages    []wireMsg `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type wireMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type httpChatResponse struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64   `json:"input_tokens"`
		OutputTokens int64   `json:"output_tokens"`
		CachedTokens int64   `json:"cached_tokens"`
		Cost         float64 `json:"cost"`
	} `json:"usage"`
	ToolCalls []struct {
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"tool_calls"`
}

// Chat posts messages to the configured endpoint, retrying 5xx/network
// failures with jittered exponential backoff. A non-retryable 4xx
// returns immediately.
func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResponse, error) {
	ctx, span := p.tracer.Start(ctx, "provider.chat",
		trace.WithAttributes(attribute.String("model", opts.Model)))
	defer span.End()

	wire := httpChatRequest{Model: opts.Model, MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}
	for _, m := range messages {
		text := m.Content
		if text == "" {
			for _, block := range m.Blocks {
				text += block.Text
			}
		}
		wire.Messages = append(wire.Messages, wireMsg{Role: string(m.Role), Content: text})
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal chat request: %w", err)
	}

	var out httpChatResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.APIKey)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := p.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		if resp.StatusCode >= 500 {
			return fmt.Errorf("provider http %d: %s", resp.StatusCode, string(respBody))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("provider http %d: %s", resp.StatusCode, string(respBody)))
		}
		return json.Unmarshal(respBody, &out)
	}

	if err := backoff.Retry(op, backoff.WithContext(p.backoff(), ctx)); err != nil {
		return ChatResponse{}, err
	}

	resp := ChatResponse{
		Content:    out.Content,
		StopReason: StopReason(out.StopReason),
		Usage: Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			CachedTokens: out.Usage.CachedTokens,
			Cost:         out.Usage.Cost,
		},
	}
	for _, tc := range out.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	if resp.StopReason == "" {
		resp.StopReason = StopEndTurn
	}
	return resp, nil
}
