// Package completion defines the natural-language completion capability
// boundary. The real backend lives outside this core.
package completion

import (
	"context"
	"fmt"
)

// Client produces a completion for a system prompt and user input.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userInput string) (string, error)
}

// StubClient is the deterministic local client used for development and
// tests.
type StubClient struct{}

func (StubClient) Complete(ctx context.Context, systemPrompt, userInput string) (string, error) {
	return fmt.Sprintf("[%s] %s", systemPrompt, userInput), nil
}
