// Package kernel wires the plugin registry, turn orchestrator, and the
// role/function/tool plugin contracts together. It is the Go counterpart of
// backend/core/protocols.py, plugin_manager.py, and
// default_message_processor.py in the original source: protocols.py's
// PROTOCOL_REGISTRY becomes the closed Role enum below, plugin_manager.py's
// CorePluginManager becomes Registry, and default_message_processor.py's
// DefaultMessageProcessor becomes Orchestrator.
package kernel

import "context"

// Role is the closed set of role-plugin slots the registry fills, mirroring
// protocols.py's PROTOCOL_REGISTRY keys.
type Role string

const (
	RoleAuth             Role = "auth"
	RoleModel            Role = "model"
	RoleThread           Role = "thread"
	RoleStore            Role = "store"
	RoleContext          Role = "context"
	RoleSystemPrompt     Role = "system_prompt"
	RoleMessageProcessor Role = "message_processor"
)

// CorePlugin is the capability every role plugin must satisfy so the
// registry can fan out shutdown uniformly (spec.md §4.2 "Conformance
// check").
type CorePlugin interface {
	Priority() int
	Shutdown(ctx context.Context) error
}

// AuthPlugin is the upstream auth contract from spec.md §6.
type AuthPlugin interface {
	CorePlugin
	VerifyToken(ctx context.Context, token string) (userID string, ok bool)
	AuthenticateUser(ctx context.Context, username, password string) (role string, ok bool)
	CreateToken(ctx context.Context, user string) (string, error)
	RequestAllowed(ctx context.Context, username, model string) bool
}

// Message is a model-facing context entry in the wire shape the model plugin
// consumes (role + content plus the optional fields spec.md §3 names for a
// Context entry).
type Message struct {
	ID              string     `json:"_id,omitempty"`
	Role            string     `json:"role"`
	Content         string     `json:"content"`
	Model           string     `json:"model,omitempty"`
	Timestamp       string     `json:"timestamp,omitempty"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	ReasoningContent *string   `json:"reasoning_content,omitempty"`
	ToolCallID      string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one model-requested function invocation, matching the
// OpenAI-compatible shape the teacher's providers already use
// (internal/providers/interface.go) and default_message_processor.py's
// accumulation logic.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name/arguments pair of a ToolCall.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ModelPlugin is the streaming contract from spec.md §4.7.
type ModelPlugin interface {
	CorePlugin
	GenerateResponse(ctx context.Context, messages []Message, model string, systemPrompt *string, tools []ToolSchema) <-chan ModelEvent
}

// ModelEventKind is the closed set of events a model plugin emits.
type ModelEventKind string

const (
	EventThinkingTokens ModelEventKind = "thinking_tokens"
	EventMessageTokens  ModelEventKind = "message_tokens"
	EventToolCalls      ModelEventKind = "tool_calls"
	EventStreamEnd      ModelEventKind = "stream_end"
	EventError          ModelEventKind = "error"
)

// ModelEvent is one chunk of a model plugin's stream.
type ModelEvent struct {
	Kind      ModelEventKind
	Content   string
	ToolCalls []ToolCall
	Metadata  map[string]any
	Message   string // for EventError
}

// ToolSchema is the aggregated JSON-schema-shaped description of one
// callable tool, as surfaced to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ThreadManagerPlugin is the role-plugin shape of the thread manager
// (spec.md §4.6), exposed as a role so an operator can replace it.
type ThreadManagerPlugin interface {
	CorePlugin
	CreateThread(ctx context.Context, userID, title, model, systemPrompt string) (string, error)
	GetThreadMessages(ctx context.Context, threadID, userID string) ([]HistoryMessage, bool)
	AddMessage(ctx context.Context, threadID, userID, role, msgType, content string, model string, auxID string) error
}

// HistoryMessage is one immutable Thread history entry (spec.md §3).
type HistoryMessage struct {
	Role      string
	Type      string
	Content   string
	Timestamp string
	Model     string
	AuxID     string
}

// SystemPromptPlugin is the upstream contract from spec.md §6, extended per
// SPEC_FULL.md §1.3 with GetAllPrompts.
type SystemPromptPlugin interface {
	CorePlugin
	GetPrompt(ctx context.Context, key string) (string, bool)
	ListPrompts(ctx context.Context) map[string]string
	GetAllPrompts(ctx context.Context) map[string]PromptInfo
}

// PromptInfo is one entry of GetAllPrompts: the prompt text plus its
// description.
type PromptInfo struct {
	Template    string
	Description string
}

// ContextPlugin is the contract behind internal/kernel/context.Manager,
// exposed as a role so a plugin can replace context persistence entirely.
// GetMutationCount is the SPEC_FULL.md §1.3 supplemented method.
type ContextPlugin interface {
	CorePlugin
	GetContext(ctx context.Context, threadID, userID string, stripExtra bool) ([]Message, bool)
	AddMessage(ctx context.Context, threadID, userID string, msg Message, messageID string) error
	GetMessage(ctx context.Context, threadID, userID, messageID string) (Message, bool)
	UpdateMessage(ctx context.Context, threadID, userID, messageID string, updates map[string]any) (bool, error)
	RemoveMessages(ctx context.Context, threadID, userID string, ids []string) (bool, error)
	UpdateContext(ctx context.Context, threadID, userID string, messages []Message) error
	RegenerateContext(ctx context.Context, threadID, userID string) error
	GetMutationCount(ctx context.Context, threadID, userID string) (int, bool)
}

// FunctionPlugin is an ordered hook invoked pre/during/post each model
// round (spec.md §4.2 "Function plugins").
type FunctionPlugin interface {
	Name() string
	Priority() int
	Shutdown(ctx context.Context) error
	PreCall(ctx context.Context, call *PreCallArgs) *UpdateStream
	FilterStream(ctx context.Context, call *FilterStreamArgs) *FilterStream
	PostCall(ctx context.Context, call *PostCallArgs) *UpdateStream
}

// TurnConfig is the "mutation-via-container" holder (spec.md Design Notes):
// a small mutable struct hooks may rewrite in place instead of the source's
// single-element-list trick.
type TurnConfig struct {
	Model        string
	SystemPrompt *string
	Tools        []ToolSchema
}

// PreCallArgs bundles the fixed fan-out arguments for PreCall.
type PreCallArgs struct {
	UserID            string
	ThreadID          string
	TurnCorrelationID string
	NewMessage        Message
	Config            *TurnConfig
}

// FilterStreamArgs bundles the fixed fan-out arguments for FilterStream.
type FilterStreamArgs struct {
	UserID            string
	ThreadID          string
	TurnCorrelationID string
	Chunk             ModelEvent
}

// PostCallArgs bundles the fixed fan-out arguments for PostCall.
type PostCallArgs struct {
	UserID            string
	ThreadID          string
	TurnCorrelationID string
	ResponseMetadata  map[string]any
	AssistantMessage  *Message
}

// ToolPlugin is a model-callable tool (spec.md §4.8).
type ToolPlugin interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, userID, threadID, turnCorrelationID string, args map[string]any) *ToolStream
}
