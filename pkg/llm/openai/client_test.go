package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/droidpilot/pkg/llm"
)

func TestOpenAIClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"role":    "assistant",
						"content": `{"action":"tap","x":10,"y":20}`,
					},
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	config := &llm.Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o",
	}
	client := New(config)

	resp, err := client.Complete(context.Background(), []llm.Message{
		llm.Text("user", "hello"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != `{"action":"tap","x":10,"y":20}` {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestOpenAIClientRequestFormat(t *testing.T) {
	var captured []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path '/v1/chat/completions', got %q", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type 'application/json', got %q", r.Header.Get("Content-Type"))
		}
		captured, _ = io.ReadAll(r.Body)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL + "/v1", APIKey: "k", Model: "gpt-4o"})

	_, err := client.Complete(context.Background(), []llm.Message{
		llm.Text("system", "be terse"),
		{Role: "user", Parts: []llm.Part{
			llm.TextPart("what is on screen?"),
			llm.ImagePart([]byte{0x89, 'P', 'N', 'G'}),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(captured, &req); err != nil {
		t.Fatal(err)
	}
	if req.Model != "gpt-4o" || len(req.Messages) != 2 {
		t.Fatalf("unexpected request: %s", captured)
	}

	// Single text part goes out as a plain string.
	if string(req.Messages[0].Content) != `"be terse"` {
		t.Errorf("system content must be a plain string, got %s", req.Messages[0].Content)
	}
	// Multimodal message goes out as a content-part list with a data URL.
	if !strings.Contains(string(req.Messages[1].Content), "data:image/png;base64,") {
		t.Errorf("expected inline image data URL, got %s", req.Messages[1].Content)
	}
}

func TestOpenAIClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limit"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "k", Model: "gpt-4o"})
	_, err := client.Complete(context.Background(), []llm.Message{llm.Text("user", "hi")})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if !strings.Contains(err.Error(), "status 429") {
		t.Errorf("error should carry the status code, got %v", err)
	}
}
