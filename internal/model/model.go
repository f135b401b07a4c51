package model

import (
	"context"
	"fmt"

	"github.com/stupiduntilnot/leadrelay/internal/prompt"
)

// Request is one chat completion call.
type Request struct {
	Messages    []prompt.Message
	Model       string
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the completion collaborator used by the relay.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (CompletionResponse, error)
}

// Error classes reported by providers.
const (
	ClassTransport = "transport"
	ClassStatus    = "status"
	ClassDecode    = "decode"
	ClassEmpty     = "empty"
	ClassTimeout   = "timeout"
	ClassCircuit   = "circuit_open"
)

// CompletionError wraps any failure of the completion collaborator.
type CompletionError struct {
	Class      string
	StatusCode int
	Err        error
}

func (e *CompletionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion failed class=%s status=%d: %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion failed class=%s: %v", e.Class, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *CompletionError) Retryable() bool {
	switch e.Class {
	case ClassTransport, ClassTimeout, ClassEmpty:
		return true
	case ClassStatus:
		return e.StatusCode == 429 || e.StatusCode >= 500
	default:
		return false
	}
}
