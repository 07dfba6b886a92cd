package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockClient returns deterministic replies for local development.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	base := strings.TrimSpace(req.Text)
	if base == "" {
		return Response{}, ErrEmptyReply
	}
	return Response{Text: fmt.Sprintf("You said: %s. Tell me more!", base)}, nil
}
