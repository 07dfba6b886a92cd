package completion

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNewClientAutoWithoutCredentialsIsDisabled(t *testing.T) {
	c, provider, err := NewClient(context.Background(), Config{Provider: "auto"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if provider != ProviderNone {
		t.Fatalf("provider = %q, want %q", provider, ProviderNone)
	}
	if _, err := c.Complete(context.Background(), Request{Text: "hi"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Complete() error = %v, want ErrNotConfigured", err)
	}
}

func TestNewClientAutoPrefersHTTPURLOverNothing(t *testing.T) {
	_, provider, err := NewClient(context.Background(), Config{HTTPURL: "http://localhost:9/complete"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if provider != ProviderHTTP {
		t.Fatalf("provider = %q, want %q", provider, ProviderHTTP)
	}
}

func TestNewClientExplicitModesRequireSettings(t *testing.T) {
	for _, mode := range []string{ProviderOpenAI, ProviderGemini, ProviderHTTP} {
		if _, _, err := NewClient(context.Background(), Config{Provider: mode}); err == nil {
			t.Fatalf("NewClient(%q) expected error without settings", mode)
		}
	}
	if _, _, err := NewClient(context.Background(), Config{Provider: "carrier-pigeon"}); err == nil {
		t.Fatalf("NewClient() expected error for unknown provider")
	}
}

func TestMockClientEchoes(t *testing.T) {
	resp, err := NewMockClient().Complete(context.Background(), Request{Text: "I like frogs"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "You said: I like frogs. Tell me more!" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestFailureClass(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNotConfigured, "not_configured"},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "timeout"},
		{&StatusError{Provider: "http", Code: 400}, "permanent"},
		{&StatusError{Provider: "http", Code: 429}, "transient"},
		{errors.New("dial tcp: connection refused"), "transport"},
	}
	for _, tc := range cases {
		if got := FailureClass(tc.err); got != tc.want {
			t.Fatalf("FailureClass(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
