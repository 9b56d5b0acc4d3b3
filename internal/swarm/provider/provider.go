// Package provider adapts concrete LLM transports (CLI subprocess, HTTP
// API) to the narrow interface the swarm core consumes. No
// provider-specific type leaks past this package, per spec.md §9's
// "dynamic dispatch / interface polymorphism" design note: providers are
// capability records (a name plus a callable), not a class hierarchy.
package provider

import "context"

// Role is a chat message's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentBlock is one piece of message content. Text is always set;
// CacheControl is an optional hint ("ephemeral") for providers that
// support prompt caching.
type ContentBlock struct {
	Type         string
	Text         string
	CacheControl string
}

// Message is one turn in a chat request.
type Message struct {
	Role    Role
	Content string         // set when the message is plain text
	Blocks  []ContentBlock // set when the message has structured content
}

// ToolDefinition is a native tool schema passed to providers that support
// function calling.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// StopReason explains why the provider stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
	StopToolUse   StopReason = "tool_use"
)

// Usage reports token/cost accounting for one chat call, consumed
// directly by economics.Manager.RecordLLMUsage.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
	Cost         float64
}

// ChatOptions configures one chat call.
type ChatOptions struct {
	Model       string
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the provider-agnostic shape every adapter normalizes
// into.
type ChatResponse struct {
	Content    string
	StopReason StopReason
	Usage      Usage
	ToolCalls  []ToolCall
}

// Provider is the single capability surface the swarm core depends on.
// CLIProvider and HTTPProvider are two concrete adapters; both are thin
// translators with no swarm-domain logic of their own.
type Provider interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (ChatResponse, error)
}
