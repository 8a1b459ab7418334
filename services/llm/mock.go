package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient is a scripted Client implementation for tests.
//
// Responses are returned in FIFO order; when the queue is empty the
// default response is returned. All calls are recorded for assertion.
//
// Thread Safety: safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	model string

	// responses are queued scripted returns.
	responses []mockReturn

	// defaultResult is returned when no queued responses remain.
	defaultResult *GenerateResult

	// responseFunc, when set, overrides the queue entirely.
	responseFunc func(GenerateRequest) (*GenerateResult, error)

	// delay adds artificial latency to each call.
	delay time.Duration

	// connected is returned by CheckConnection.
	connected bool

	// calls records every Generate invocation.
	calls []GenerateRequest
}

type mockReturn struct {
	result *GenerateResult
	err    error
}

// NewMockClient creates a mock client with an empty default response.
func NewMockClient() *MockClient {
	return &MockClient{
		model:         "mock-model",
		defaultResult: &GenerateResult{Data: map[string]any{}},
		connected:     true,
	}
}

// WithModel sets the reported model name.
func (c *MockClient) WithModel(model string) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
	return c
}

// WithDelay adds artificial latency to each Generate call.
func (c *MockClient) WithDelay(d time.Duration) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
	return c
}

// WithResponseFunc makes responses dynamic; the queue is ignored.
func (c *MockClient) WithResponseFunc(fn func(GenerateRequest) (*GenerateResult, error)) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseFunc = fn
	return c
}

// WithConnected sets the CheckConnection result.
func (c *MockClient) WithConnected(connected bool) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	return c
}

// EnqueueData queues a parsed-JSON response.
func (c *MockClient) EnqueueData(data map[string]any) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, mockReturn{result: &GenerateResult{Data: data}})
	return c
}

// EnqueueError queues an error return.
func (c *MockClient) EnqueueError(err error) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, mockReturn{err: err})
	return c
}

// Generate implements Client.
func (c *MockClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	fn := c.responseFunc
	delay := c.delay

	var ret mockReturn
	var scripted bool
	if fn == nil {
		if len(c.responses) > 0 {
			ret = c.responses[0]
			c.responses = c.responses[1:]
			scripted = true
		} else {
			ret = mockReturn{result: c.defaultResult}
			scripted = true
		}
	}
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fn != nil {
		return fn(req)
	}
	if scripted && ret.err != nil {
		return nil, ret.err
	}
	return ret.result, nil
}

// CheckConnection implements Client.
func (c *MockClient) CheckConnection(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Model implements Client.
func (c *MockClient) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Calls returns a copy of all recorded Generate requests.
func (c *MockClient) Calls() []GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GenerateRequest, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of Generate calls made.
func (c *MockClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

var _ Client = (*MockClient)(nil)
