// Package providers contains the completion backend clients. The relay
// core only sees the CompletionProvider interface; retry and backoff policy
// belong to the client, never to the orchestrator.
package providers

import (
	"context"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/conversation"
)

// CompletionProvider turns a batched question plus conversation context
// into a single answer.
type CompletionProvider interface {
	Complete(ctx context.Context, question []bus.ContentBlock, history []conversation.Turn) (string, error)
	Model() string
}
