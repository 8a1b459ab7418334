package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("pfmea.llm.ollama")

// Defaults applied when OllamaConfig fields are zero.
const (
	defaultTimeout     = 5 * time.Minute
	defaultRetries     = 2
	defaultBaseDelay   = 5 * time.Second
	defaultTemperature = 0.3
	defaultMaxTokens   = 500
	probeTimeout       = 5 * time.Second
)

// OllamaConfig configures the Ollama client.
type OllamaConfig struct {
	// BaseURL of the Ollama server, e.g. "http://localhost:11434".
	// Falls back to the OLLAMA_BASE_URL environment variable.
	BaseURL string

	// Model is the model name for chat requests. Falls back to the
	// OLLAMA_MODEL environment variable.
	Model string

	// Timeout bounds one HTTP request. Default: 5 minutes (local
	// models can be slow to first token).
	Timeout time.Duration

	// Retries is how many times a timed-out request is retried.
	// Default: 2.
	Retries int

	// BaseDelay is the first retry delay; attempt n waits n*BaseDelay.
	// Default: 5s.
	BaseDelay time.Duration
}

// OllamaClient talks to an Ollama chat endpoint.
//
// One Generate call is one logical request/response cycle: the client
// does not hold connections open beyond that, and only transport
// timeouts are retried.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	timeout    time.Duration
	retries    int
	baseDelay  time.Duration
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
	Format   string         `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message   Message `json:"message"`
	CreatedAt string  `json:"created_at"`
	Done      bool    `json:"done"`
}

// NewOllamaClient creates a client from config, filling gaps from the
// environment and defaults.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL not configured (set OLLAMA_BASE_URL)")
	}
	model := cfg.Model
	if model == "" {
		model = os.Getenv("OLLAMA_MODEL")
	}
	if model == "" {
		slog.Warn("ollama model not configured, using default", "default", "qwen3:4b")
		model = "qwen3:4b"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("initializing ollama client",
		"base_url", baseURL, "model", model, "timeout", timeout)
	return &OllamaClient{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		model:      model,
		timeout:    timeout,
		retries:    retries,
		baseDelay:  baseDelay,
	}, nil
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string {
	return o.model
}

// Generate implements Client.
//
// Timed-out requests are retried up to the configured count with a
// linearly increasing delay (BaseDelay x attempt number). Any other
// transport error propagates on the first occurrence.
func (o *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Bool("llm.json_mode", req.JSONMode),
	)

	attempt := 0
	for {
		result, err := o.doGenerate(ctx, req)
		if err == nil {
			return result, nil
		}

		attempt++
		if attempt <= o.retries && isTimeout(err) {
			delay := time.Duration(attempt) * o.baseDelay
			slog.Warn("ollama request timed out, retrying",
				"attempt", attempt, "max_retries", o.retries, "delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, ctx.Err().Error())
				return nil, ctx.Err()
			}
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
}

// doGenerate performs a single HTTP round trip.
func (o *OllamaClient) doGenerate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	messages := make([]Message, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
		Options: map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}
	if req.JSONMode {
		payload.Format = "json"
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	slog.Debug("sending ollama chat request",
		"model", o.model, "prompt_len", len(req.Prompt), "json_mode", req.JSONMode)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("ollama returned an error",
			"status_code", resp.StatusCode, "response", string(respBody))
		return nil, fmt.Errorf("ollama chat failed with status %d: %s",
			resp.StatusCode, string(respBody))
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parse ollama response envelope: %w", err)
	}
	content := chatResp.Message.Content
	slog.Debug("received ollama response", "content_len", len(content))

	if !req.JSONMode {
		return &GenerateResult{Raw: content}, nil
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		// Loosely structured output is expected from small models;
		// hand the raw text back instead of failing the phase.
		slog.Warn("ollama reply is not valid JSON, returning raw content",
			"error", err, "content_preview", truncate(content, 200))
		return &GenerateResult{Raw: content, NeedsRepair: true}, nil
	}
	return &GenerateResult{Data: data, Raw: content}, nil
}

// CheckConnection implements Client. It probes /api/tags with a short
// timeout and reports reachability only.
func (o *OllamaClient) CheckConnection(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// isTimeout reports whether err is a transport-level timeout, the only
// error class the client retries.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// truncate shortens s for log previews.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
