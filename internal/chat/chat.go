// Package chat answers conversational messages arriving over the
// synchronization channel. Replies are rendered from the model's markdown
// into HTML for the side panel.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const systemPrompt = "You are a helpful personal email assistant. Answer briefly and concretely. Use markdown for structure when it helps."

// Completer is the inference backend boundary.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

type Responder struct {
	completer Completer
	markdown  goldmark.Markdown
}

func NewResponder(completer Completer) (*Responder, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	return &Responder{
		completer: completer,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
	}, nil
}

// Reply answers text and returns the reply as HTML. Backend failures are
// recoverable chat errors for the caller, never fatal.
func (r *Responder) Reply(ctx context.Context, text string) (string, error) {
	if r == nil {
		return "", errors.New("responder is nil")
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", errors.New("chat message is empty")
	}

	completion, err := r.completer.Complete(ctx, systemPrompt, trimmed)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(completion), &buf); err != nil {
		// Unrenderable markdown still has an answer in it.
		return completion, nil
	}
	return buf.String(), nil
}
