// Package llm provides the remote text generator client.
package llm

import "context"

// Message roles as the remote generator expects them.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of an ordered completion request.
type Message struct {
	Role    string
	Content string
}

// Client produces a complete assistant reply for an ordered message list.
// Implementations must honor ctx cancellation and deadlines; a reply that
// arrives after the caller gave up is discarded by the transport.
type Client interface {
	Complete(ctx context.Context, messages []Message, model string) (string, error)
}
