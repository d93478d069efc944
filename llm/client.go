// Package llm wraps the language-model provider behind small, testable
// interfaces for classification and draft composition.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chronicler-app/chronicler/retry"
)

// Completer issues one system+user completion and returns the text reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Client is the production Completer over the provider SDK.
type Client struct {
	api   anthropic.Client
	model string
}

var _ Completer = (*Client)(nil)

// NewClient returns a Client using |apiKey| and |model|.
func NewClient(apiKey, model string) *Client {
	return &Client{
		api:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

// Complete issues one completion. Provider status codes are surfaced as
// retry.StatusError so the retry helper can classify them.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	var msg, err = c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &retry.StatusError{Status: apiErr.StatusCode, Message: apiErr.Error()}
		}
		return "", fmt.Errorf("completing prompt: %w", err)
	}

	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}
