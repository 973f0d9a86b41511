package llm

import (
	"context"
	"fmt"
	"sync"
)

// Client is the minimal interface the sampling loop needs from a model API.
type Client interface {
	CreateMessage(ctx context.Context, req *Request) (*Response, error)
}

// APIError is a structured error from the model API. The loop treats it as
// terminal for the current run; transport-level retries happen inside the
// adapter.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm: api error: %s", e.Message)
}

// MockClient is an in-memory Client for tests. Responses and errors are
// dequeued in the order they were enqueued; once the queue is exhausted it
// returns a bare text response.
type MockClient struct {
	mu       sync.Mutex
	queue    []mockReply
	Requests []*Request
}

type mockReply struct {
	resp *Response
	err  error
}

// Enqueue scripts the next response.
func (m *MockClient) Enqueue(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{resp: resp})
}

// EnqueueError scripts the next call to fail.
func (m *MockClient) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
}

// CreateMessage implements Client.
func (m *MockClient) CreateMessage(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if len(m.queue) == 0 {
		return &Response{Content: []Block{TextBlock("Done.")}, StopReason: "end_turn"}, nil
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.resp, nil
}
