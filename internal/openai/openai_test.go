package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	modelpkg "github.com/stupiduntilnot/leadrelay/internal/model"
	"github.com/stupiduntilnot/leadrelay/internal/prompt"
)

func userRequest(text string) modelpkg.Request {
	return modelpkg.Request{Messages: []prompt.Message{{Role: prompt.RoleUser, Content: text}}}
}

func TestChatCompletion_WithUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  Hello!\n"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     42,
				"completion_tokens": 7,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}

	if result.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", result.Content)
	}
	if result.InputTokens != 42 {
		t.Errorf("expected 42 input tokens, got %d", result.InputTokens)
	}
	if result.OutputTokens != 7 {
		t.Errorf("expected 7 output tokens, got %d", result.OutputTokens)
	}
}

func TestChatCompletion_RequestShape(t *testing.T) {
	var got chatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer server.Close()

	client := NewClient("secret", server.URL, "default-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), modelpkg.Request{
		Messages: []prompt.Message{
			{Role: prompt.RoleSystem, Content: "sys"},
			{Role: prompt.RoleUser, Content: "hi"},
		},
		Model:       "gpt-4.1-mini",
		MaxTokens:   700,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer secret" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if got.Model != "gpt-4.1-mini" || got.MaxTokens != 700 || got.Temperature != 0.7 {
		t.Errorf("unexpected request params: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hi" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestChatCompletion_DefaultModel(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer server.Close()

	client := NewClient("k", server.URL, "default-model", 5*time.Second)
	if _, err := client.ChatCompletion(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}
	if got.Model != "default-model" {
		t.Errorf("expected default model, got %q", got.Model)
	}
}

func TestChatCompletion_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 0},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), userRequest("hi"))
	var cerr *modelpkg.CompletionError
	if !errors.As(err, &cerr) || cerr.Class != modelpkg.ClassEmpty {
		t.Fatalf("expected empty-class completion error, got %v", err)
	}
	if result.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", result.InputTokens)
	}
}

func TestChatCompletion_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), userRequest("hi"))
	var cerr *modelpkg.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CompletionError, got %v", err)
	}
	if cerr.StatusCode != http.StatusTooManyRequests || !cerr.Retryable() {
		t.Errorf("expected retryable 429, got %+v", cerr)
	}
}

func TestChatCompletion_BadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>oops</html>`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), userRequest("hi"))
	var cerr *modelpkg.CompletionError
	if !errors.As(err, &cerr) || cerr.Class != modelpkg.ClassDecode {
		t.Fatalf("expected decode-class error, got %v", err)
	}
}

func TestChatCompletion_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.ChatCompletion(ctx, userRequest("hi"))
	var cerr *modelpkg.CompletionError
	if !errors.As(err, &cerr) || cerr.Class != modelpkg.ClassTimeout {
		t.Fatalf("expected timeout-class error, got %v", err)
	}
}
