package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPClientJSONReply(t *testing.T) {
	var got Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  Fractions are parts of a whole.  "}`))
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 0)
	resp, err := c.Complete(context.Background(), Request{
		Instructions: "be kind",
		History:      []Message{{Role: RoleUser, Text: "hi"}, {Role: RoleAssistant, Text: "hello!"}},
		Text:         "what is a fraction?",
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "Fractions are parts of a whole." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if got.Instructions != "be kind" || got.Text != "what is a fraction?" || len(got.History) != 2 {
		t.Fatalf("unexpected request payload: %+v", got)
	}
	if got.History[1].Role != RoleAssistant {
		t.Fatalf("History[1].Role = %q, want %q", got.History[1].Role, RoleAssistant)
	}
}

func TestHTTPClientConsumeSSE(t *testing.T) {
	c := NewHTTPClient("http://example.test", 0)
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\"}",
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	resp, err := c.consumeStreaming(stream)
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hello")
	}
}

func TestHTTPClientNonSuccessStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, 0).Complete(context.Background(), Request{Text: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Code = %d, want %d", statusErr.Code, http.StatusServiceUnavailable)
	}
	if got := FailureClass(err); got != "transient" {
		t.Fatalf("FailureClass() = %q, want transient", got)
	}
}

func TestHTTPClientEmptyReply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"   "}`))
	}))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, 0).Complete(context.Background(), Request{Text: "hi"})
	if !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("error = %v, want ErrEmptyReply", err)
	}
}
