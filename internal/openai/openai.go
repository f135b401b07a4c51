package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	modelpkg "github.com/stupiduntilnot/leadrelay/internal/model"
)

// Client is a minimal OpenAI chat completions client.
type Client struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
}

// NewClient creates an OpenAI client. model is used when a request does
// not name one.
func NewClient(apiKey, url, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey: apiKey,
		url:    url,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatCompletion sends a chat completion request. Every failure, including
// an empty answer, is a *model.CompletionError.
func (c *Client) ChatCompletion(ctx context.Context, req modelpkg.Request) (modelpkg.CompletionResponse, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    make([]Message, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Model != "" {
		reqBody.Model = req.Model
	}
	for _, m := range req.Messages {
		reqBody.Messages = append(reqBody.Messages, Message{Role: string(m.Role), Content: m.Content})
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return modelpkg.CompletionResponse{}, &modelpkg.CompletionError{
			Class: modelpkg.ClassDecode,
			Err:   fmt.Errorf("failed to marshal openai request: %w", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return modelpkg.CompletionResponse{}, &modelpkg.CompletionError{
			Class: modelpkg.ClassTransport,
			Err:   fmt.Errorf("failed to create openai request: %w", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		class := modelpkg.ClassTransport
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			class = modelpkg.ClassTimeout
		}
		return modelpkg.CompletionResponse{}, &modelpkg.CompletionError{
			Class: class,
			Err:   fmt.Errorf("openai request failed: %w", err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return modelpkg.CompletionResponse{}, &modelpkg.CompletionError{
			Class: modelpkg.ClassTransport,
			Err:   fmt.Errorf("failed reading openai response: %w", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return modelpkg.CompletionResponse{}, &modelpkg.CompletionError{
			Class:      modelpkg.ClassStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("openai non-success body=%s", truncate(string(body), 400)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return modelpkg.CompletionResponse{}, &modelpkg.CompletionError{
			Class: modelpkg.ClassDecode,
			Err:   fmt.Errorf("failed to parse openai response: %s", truncate(string(body), 400)),
		}
	}

	result := modelpkg.CompletionResponse{}
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}

	if len(parsed.Choices) == 0 {
		return result, &modelpkg.CompletionError{Class: modelpkg.ClassEmpty, Err: errors.New("no choices in openai response")}
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return result, &modelpkg.CompletionError{Class: modelpkg.ClassEmpty, Err: errors.New("empty content in openai response")}
	}
	result.Content = content
	return result, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
