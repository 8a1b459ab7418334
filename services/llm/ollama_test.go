package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, serverURL string, mutate func(*OllamaConfig)) *OllamaClient {
	t.Helper()
	cfg := OllamaConfig{
		BaseURL:   serverURL,
		Model:     "test-model",
		Timeout:   time.Second,
		Retries:   2,
		BaseDelay: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewOllamaClient(cfg)
	require.NoError(t, err)
	return client
}

func chatHandler(t *testing.T, content string, requests *[]ollamaChatRequest) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		if requests != nil {
			var req ollamaChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			*requests = append(*requests, req)
		}
		resp := ollamaChatResponse{
			Message: Message{Role: "assistant", Content: content},
			Done:    true,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")

	_, err := NewOllamaClient(OllamaConfig{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OLLAMA_BASE_URL")
}

func TestNewOllamaClient_EnvFallbacks(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://env-host:11434/")
	t.Setenv("OLLAMA_MODEL", "env-model")

	client, err := NewOllamaClient(OllamaConfig{})
	require.NoError(t, err)
	assert.Equal(t, "http://env-host:11434", client.baseURL, "trailing slash is trimmed")
	assert.Equal(t, "env-model", client.Model())
}

// =============================================================================
// Generate
// =============================================================================

func TestGenerate_BuildsChatRequest(t *testing.T) {
	var requests []ollamaChatRequest
	server := httptest.NewServer(chatHandler(t, `{"severity": 4}`, &requests))
	defer server.Close()
	client := newTestClient(t, server.URL, nil)

	result, err := client.Generate(context.Background(), GenerateRequest{
		Prompt:       "rate this",
		SystemPrompt: "you are an engineer",
		JSONMode:     true,
		Temperature:  0.7,
		MaxTokens:    200,
	})

	require.NoError(t, err)
	assert.Equal(t, float64(4), result.Field("severity"))
	assert.False(t, result.NeedsRepair)

	require.Len(t, requests, 1)
	sent := requests[0]
	assert.Equal(t, "test-model", sent.Model)
	assert.Equal(t, "json", sent.Format)
	assert.False(t, sent.Stream)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Equal(t, "you are an engineer", sent.Messages[0].Content)
	assert.Equal(t, "user", sent.Messages[1].Role)
	assert.Equal(t, 0.7, sent.Options["temperature"])
	assert.Equal(t, float64(200), sent.Options["num_predict"])
}

func TestGenerate_JSONParseFailureDegradesToRepair(t *testing.T) {
	server := httptest.NewServer(chatHandler(t, "Sure! Here are the ratings: severity 4", nil))
	defer server.Close()
	client := newTestClient(t, server.URL, nil)

	result, err := client.Generate(context.Background(), GenerateRequest{
		Prompt:   "rate this",
		JSONMode: true,
	})

	require.NoError(t, err, "malformed JSON degrades, never raises")
	assert.True(t, result.NeedsRepair)
	assert.Equal(t, "Sure! Here are the ratings: severity 4", result.Raw)
	assert.Nil(t, result.Data)
}

func TestGenerate_PlainTextModeReturnsRaw(t *testing.T) {
	server := httptest.NewServer(chatHandler(t, "free text answer", nil))
	defer server.Close()
	client := newTestClient(t, server.URL, nil)

	result, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "free text answer", result.Raw)
	assert.False(t, result.NeedsRepair)
}

func TestGenerate_TimeoutRetriedWithIncreasingDelay(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var callTimes []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callTimes = append(callTimes, time.Now())
		mu.Unlock()
		calls.Add(1)
		// Exceed the client's per-request timeout on every attempt.
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(cfg *OllamaConfig) {
		cfg.Timeout = 30 * time.Millisecond
		cfg.Retries = 2
		cfg.BaseDelay = 40 * time.Millisecond
	})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "slow"})

	require.Error(t, err)
	assert.True(t, isTimeout(err), "final error is still a timeout: %v", err)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus exactly two retries")

	// Linear backoff: the second gap (2x base) exceeds the first (1x).
	require.Len(t, callTimes, 3)
	firstGap := callTimes[1].Sub(callTimes[0])
	secondGap := callTimes[2].Sub(callTimes[1])
	assert.Greater(t, secondGap, firstGap, "retry delay must increase linearly")
}

func TestGenerate_NonTimeoutErrorPropagatesImmediately(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, nil)

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(1), calls.Load(), "non-timeout errors are not retried")
}

func TestGenerate_CancelledContextStopsRetryWait(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, func(cfg *OllamaConfig) {
		cfg.Timeout = 20 * time.Millisecond
		cfg.BaseDelay = 10 * time.Second // would stall without cancellation
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := client.Generate(ctx, GenerateRequest{Prompt: "hi"})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second,
		"cancellation must interrupt the backoff wait")
}

// =============================================================================
// CheckConnection
// =============================================================================

func TestCheckConnection(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	client := newTestClient(t, healthy.URL, nil)
	assert.True(t, client.CheckConnection(context.Background()))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	brokenClient := newTestClient(t, broken.URL, nil)
	broken.Close()
	assert.False(t, brokenClient.CheckConnection(context.Background()))
}

// =============================================================================
// GenerateResult helpers
// =============================================================================

func TestGenerateResult_FieldHelpers(t *testing.T) {
	r := &GenerateResult{Data: map[string]any{"name": "seal", "severity": float64(3)}}

	assert.Equal(t, "seal", r.StringField("name"))
	assert.Equal(t, float64(3), r.Field("severity"))
	assert.Empty(t, r.StringField("severity"), "non-string fields read as empty")
	assert.Nil(t, r.Field("missing"))

	empty := &GenerateResult{Raw: "x", NeedsRepair: true}
	assert.Nil(t, empty.Field("anything"))
	assert.Empty(t, empty.StringField("anything"))
}
