package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the LLM Client interface.
// Scripted Responses are returned in order; once exhausted (or if none
// were given) Response and Err are returned.
type MockClient struct {
	Response  *Response
	Responses []string
	Err       error
	Calls     []Request // records requests sent

	mu sync.Mutex
}

// Complete records the call and returns the next scripted response.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)
	if len(m.Responses) > 0 {
		next := m.Responses[0]
		m.Responses = m.Responses[1:]
		if next == "" {
			return nil, ErrEmptyResponse
		}
		return &Response{Content: next, Provider: "mock"}, nil
	}
	return m.Response, m.Err
}
