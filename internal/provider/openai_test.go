package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenAIChatParsesToolCalls(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "amocrm_set_lead_stage", "arguments": "{\"stage_id\":200}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("key", server.URL, "gpt-4o")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "move on"}},
		Tools:    []map[string]any{{"type": "function"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.ProviderID != "chatcmpl-123" {
		t.Fatalf("provider id = %q", resp.ProviderID)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "amocrm_set_lead_stage" || tc.Arguments != `{"stage_id":200}` {
		t.Fatalf("unexpected tool call %+v", tc)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	if _, ok := gotBody["tools"]; !ok {
		t.Fatal("tools not forwarded")
	}
	if gotBody["tool_choice"] != "auto" {
		t.Fatalf("tool_choice = %v", gotBody["tool_choice"])
	}
}

func TestOpenAIChatEchoesToolHistory(t *testing.T) {
	var gotBody struct {
		Messages []map[string]any `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"done"}}]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("key", server.URL, "")
	_, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "t", Arguments: "{}"}}},
			{Role: "tool", ToolCallID: "call_1", Content: "ok"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(gotBody.Messages) != 2 {
		t.Fatalf("messages = %v", gotBody.Messages)
	}
	if gotBody.Messages[1]["tool_call_id"] != "call_1" {
		t.Fatalf("tool result not linked: %v", gotBody.Messages[1])
	}
	calls, _ := gotBody.Messages[0]["tool_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("assistant tool calls not echoed: %v", gotBody.Messages[0])
	}
}

func TestOpenAITranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("content type = %s", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Error(err)
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("model = %s", r.FormValue("model"))
		}
		_, _ = w.Write([]byte(`{"text":"привет"}`))
	}))
	defer server.Close()

	audioPath := filepath.Join(t.TempDir(), "voice.ogg")
	if err := os.WriteFile(audioPath, []byte("fake-ogg"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewOpenAIProvider("key", server.URL, "")
	resp, err := p.Transcribe(context.Background(), &AudioRequest{FilePath: audioPath})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "привет" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestOpenAIChatAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit"}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("key", server.URL, "")
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
}
