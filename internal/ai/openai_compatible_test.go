package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"constructbot/internal/chat"
)

func TestComplete(t *testing.T) {
	req := require.New(t)

	var gotAuth string
	var gotBody struct {
		Model    string         `json:"model"`
		Messages []chat.Message `json:"messages"`
		Stream   bool           `json:"stream"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req.Equal(http.MethodPost, r.Method)
		req.Equal("/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		req.NoError(json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"M25 is a standard mix."}}]}`)
	}))
	defer server.Close()

	client := NewOpenAICompatibleClient(ChatConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	})

	content, err := client.Complete(context.Background(), []chat.Message{
		{Role: chat.RoleSystem, Content: "persona"},
		{Role: chat.RoleUser, Content: "what mix grade for a slab"},
	})
	req.NoError(err)
	req.Equal("M25 is a standard mix.", content)
	req.Equal("Bearer test-key", gotAuth)
	req.Equal("gpt-4o-mini", gotBody.Model)
	req.Len(gotBody.Messages, 2)
	req.False(gotBody.Stream)
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"upstream error status", http.StatusBadGateway, `{"error":"down"}`, "llm response status 502"},
		{"empty choices", http.StatusOK, `{"choices":[]}`, "empty llm choices"},
		{"malformed json", http.StatusOK, `{"choices":`, "parse llm json failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			client := NewOpenAICompatibleClient(ChatConfig{BaseURL: server.URL})
			_, err := client.Complete(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "hi"}})
			req.Error(err)
			req.Contains(err.Error(), tt.wantErr)
		})
	}
}

func TestReply_WrapsCompletion(t *testing.T) {
	req := require.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"cure for 7 days"}}]}`)
	}))
	defer server.Close()

	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: server.URL})
	msg, err := client.Reply(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "curing time?"}})
	req.NoError(err)
	req.Equal(chat.RoleAssistant, msg.Role)
	req.Equal("cure for 7 days", msg.Content)
}

func TestStreamComplete(t *testing.T) {
	req := require.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Use \"}}]}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"M25.\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer server.Close()

	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: server.URL})

	var chunks []string
	full, err := client.StreamComplete(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "mix?"}},
		func(chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		})
	req.NoError(err)
	req.Equal("Use M25.", full)
	req.Equal([]string{"Use ", "M25."}, chunks)
}

func TestStreamComplete_CallbackErrorStops(t *testing.T) {
	req := require.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"second\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: server.URL})

	sinkErr := fmt.Errorf("client went away")
	calls := 0
	_, err := client.StreamComplete(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "mix?"}},
		func(chunk string) error {
			calls++
			return sinkErr
		})
	req.ErrorIs(err, sinkErr)
	req.Equal(1, calls)
}

func TestStreamComplete_ErrorStatus(t *testing.T) {
	req := require.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewOpenAICompatibleClient(ChatConfig{BaseURL: server.URL})
	_, err := client.StreamComplete(context.Background(), nil, func(string) error { return nil })
	req.Error(err)
	req.Contains(err.Error(), "429")
}
