package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/brokerhq/chatkernel/internal/corelog"
)

// EventKind is the closed event alphabet a turn emits toward the caller
// (spec.md §4.3).
type EventKind string

const (
	EventKindThreadID        EventKind = "thread_id"
	EventKindThinkingTokens  EventKind = "thinking_tokens"
	EventKindMessageTokens   EventKind = "message_tokens"
	EventKindToolUpdate      EventKind = "tool_update"
	EventKindStreamEnd       EventKind = "stream_end"
	EventKindError           EventKind = "error"
)

// Event is one item of the stream process_message yields.
type Event struct {
	Kind      EventKind
	ThreadID  string
	Content   string
	Model     string
	CallID    string
	Message   string
	Timestamp string
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// turnState mirrors default_message_processor.py's MessageProcessingState:
// the mutable state threaded through one user turn, replacing the Python
// dataclass with a plain struct passed by pointer.
type turnState struct {
	userID  string
	content string

	model           string
	systemPromptKey string

	actualSystemPrompt *string
	toolSchemas        []ToolSchema

	threadID          string
	turnCorrelationID string
	userMessageID     string

	purgeThinkingIDs []string

	messageID        string
	totalThinking    string
	totalResponse    string
	toolCalls        []ToolCall
	responseMetadata map[string]any
}

// Orchestrator drives one user turn end to end against the resolved role
// plugins of a Registry (spec.md §4.3).
type Orchestrator struct {
	reg *Registry
	log *corelog.Logger
}

// NewOrchestrator builds an Orchestrator over an already-Resolve()d
// Registry. It does not itself verify conformance; callers should call
// Registry.Conform first.
func NewOrchestrator(reg *Registry, log *corelog.Logger) *Orchestrator {
	if log == nil {
		log = corelog.Default()
	}
	return &Orchestrator{reg: reg, log: log.With("orchestrator")}
}

func (o *Orchestrator) thread() ThreadManagerPlugin {
	return o.reg.Active(RoleThread).(ThreadManagerPlugin)
}

func (o *Orchestrator) context() ContextPlugin {
	return o.reg.Active(RoleContext).(ContextPlugin)
}

func (o *Orchestrator) model() ModelPlugin {
	return o.reg.Active(RoleModel).(ModelPlugin)
}

func (o *Orchestrator) systemPrompt() SystemPromptPlugin {
	return o.reg.Active(RoleSystemPrompt).(SystemPromptPlugin)
}

// ProcessMessage is the downstream-exposed streaming entry point (spec.md
// §6 "process_message"). The returned channel is closed once the turn ends,
// whether normally (stream_end) or on error.
func (o *Orchestrator) ProcessMessage(ctx context.Context, userID, content string, threadID, model, systemPromptKey *string) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		o.run(ctx, userID, content, threadID, model, systemPromptKey, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, userID, content string, threadIDIn, modelIn, systemPromptIn *string, out chan<- Event) {
	st := &turnState{
		userID:  userID,
		content: content,
		model:   derefOr(modelIn, "default"),
		systemPromptKey: derefOr(systemPromptIn, "default"),
	}

	// Step 1: thread creation/retrieval.
	if threadIDIn == nil || *threadIDIn == "" {
		id, err := o.thread().CreateThread(ctx, userID, truncateTitle(content), st.model, st.systemPromptKey)
		if err != nil {
			o.emitError(out, fmt.Sprintf("failed to create thread: %v", err))
			return
		}
		st.threadID = id
		o.log.Infof("created new thread %s", id)
	} else {
		st.threadID = *threadIDIn
		if _, ok := o.thread().GetThreadMessages(ctx, st.threadID, userID); !ok {
			o.emitError(out, "thread not found or access denied")
			return
		}
	}

	out <- Event{Kind: EventKindThreadID, ThreadID: st.threadID, Timestamp: nowStamp()}

	// Step 2: append the user message to immutable history.
	if err := o.thread().AddMessage(ctx, st.threadID, userID, "user", "message_text", content, "", ""); err != nil {
		o.emitError(out, fmt.Sprintf("failed to record user message: %v", err))
		return
	}

	// Step 3: turn identifiers.
	st.userMessageID = uuid.NewString()
	st.turnCorrelationID = "turn_" + st.userMessageID

	userMsg := Message{Role: "user", Content: content, Timestamp: nowStamp()}

	// Step 4: resolve system prompt and tool schemas.
	if prompt, ok := o.systemPrompt().GetPrompt(ctx, st.systemPromptKey); ok && prompt != "" {
		st.actualSystemPrompt = &prompt
	}
	st.toolSchemas = o.reg.ToolSchemas()

	// Step 5: add user message via pre_call fan-out.
	if err := o.addMessageWithPreCall(ctx, st, userMsg, st.userMessageID, out); err != nil {
		o.emitError(out, err.Error())
		return
	}

	// Step 6: main conversation loop, handling tool-call rounds.
	for {
		if err := o.runModelTurn(ctx, st, out); err != nil {
			o.emitError(out, err.Error())
			return
		}

		assistant := Message{
			ID:      st.messageID,
			Role:    "assistant",
			Content: st.totalResponse,
			Model:   st.model,
			Timestamp: nowStamp(),
		}
		if len(st.toolCalls) > 0 {
			assistant.ToolCalls = st.toolCalls
			rc := st.totalThinking
			assistant.ReasoningContent = &rc
			st.purgeThinkingIDs = append(st.purgeThinkingIDs, st.messageID)
		}

		if err := o.saveAssistantMessage(ctx, st, assistant, out); err != nil {
			o.emitError(out, err.Error())
			return
		}

		if len(st.toolCalls) == 0 {
			o.purgeThinking(ctx, st, userID)
			out <- Event{Kind: EventKindStreamEnd, Timestamp: nowStamp()}
			return
		}

		terminated, err := o.executeToolCalls(ctx, st, st.toolCalls, out)
		if err != nil {
			o.emitError(out, err.Error())
			return
		}
		if terminated {
			o.purgeThinking(ctx, st, userID)
			return
		}
	}
}

func (o *Orchestrator) purgeThinking(ctx context.Context, st *turnState, userID string) {
	for _, id := range st.purgeThinkingIDs {
		_, _ = o.context().UpdateMessage(ctx, st.threadID, userID, id, map[string]any{"reasoning_content": nil})
	}
}

func (o *Orchestrator) emitError(out chan<- Event, msg string) {
	out <- Event{Kind: EventKindError, Message: msg, Timestamp: nowStamp()}
}

func truncateTitle(content string) string {
	const max = 50
	r := []rune(content)
	if len(r) <= max {
		return content
	}
	return string(r[:max]) + "..."
}

func derefOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

// addMessageWithPreCall runs every function plugin's PreCall hook in
// priority order, surfaces any yielded updates as tool_update events, lets
// hooks mutate model/system_prompt/tools via the shared TurnConfig, then
// appends the (possibly mutated) message to the context.
func (o *Orchestrator) addMessageWithPreCall(ctx context.Context, st *turnState, msg Message, messageID string, out chan<- Event) error {
	cfg := &TurnConfig{Model: st.model, SystemPrompt: st.actualSystemPrompt, Tools: st.toolSchemas}

	for _, fn := range o.reg.Functions() {
		stream := fn.PreCall(ctx, &PreCallArgs{
			UserID: st.userID, ThreadID: st.threadID, TurnCorrelationID: st.turnCorrelationID,
			NewMessage: msg, Config: cfg,
		})
		if stream == nil {
			continue
		}
		o.drainUpdateStream(ctx, st, stream, fn.Name(), out)
	}

	st.model = cfg.Model
	st.actualSystemPrompt = cfg.SystemPrompt
	st.toolSchemas = cfg.Tools

	return o.context().AddMessage(ctx, st.threadID, st.userID, msg, messageID)
}

// drainUpdateStream ranges an UpdateStream's updates, persisting each as a
// tool message and forwarding it as a tool_update event, then waits for
// completion. A hook error is logged and does not abort remaining hooks
// (spec.md §4.2 "Fan-out").
func (o *Orchestrator) drainUpdateStream(ctx context.Context, st *turnState, stream *UpdateStream, hookName string, out chan<- Event) {
	for item := range stream.Updates() {
		callID := uuid.NewString()
		_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "tool", "tool_update", item, st.model, callID)
		out <- Event{Kind: EventKindToolUpdate, CallID: callID, Content: item, Timestamp: nowStamp()}
	}
	if r := stream.Wait(); r.Err != nil {
		o.log.Errorf("hook %s failed: %v", hookName, r.Err)
		out <- Event{Kind: EventKindToolUpdate, CallID: uuid.NewString(), Content: fmt.Sprintf("hook %s error: %v", hookName, r.Err), Timestamp: nowStamp()}
	}
}

// runModelTurn runs one round with the model plugin, filtering every event
// through filter_stream hooks (reverse priority order) and accumulating
// thinking/response/tool_calls text into st, saving segment boundaries to
// history as the content type switches (spec.md §4.3 accumulator rules).
func (o *Orchestrator) runModelTurn(ctx context.Context, st *turnState, out chan<- Event) error {
	ctxMessages, _ := o.context().GetContext(ctx, st.threadID, st.userID, false)
	o.log.Debugf("loop iteration: retrieved context with %d messages", len(ctxMessages))

	st.messageID = ""
	st.totalThinking = ""
	st.totalResponse = ""
	st.toolCalls = nil
	st.responseMetadata = nil

	var currentThinking, currentResponse string
	lastKind := ""

	events := o.model().GenerateResponse(ctx, ctxMessages, st.model, st.actualSystemPrompt, st.toolSchemas)
	for ev := range events {
		filtered, dropped, err := o.filterEvent(ctx, st, ev, out)
		if err != nil {
			return err
		}
		if dropped {
			continue
		}
		ev = filtered

		switch ev.Kind {
		case EventThinkingTokens:
			out <- Event{Kind: EventKindThinkingTokens, Content: ev.Content, Model: st.model, Timestamp: nowStamp()}
			if lastKind == "message" && currentResponse != "" {
				_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "assistant", "message_text", currentResponse, st.model, "")
				currentResponse = ""
			} else if lastKind != "thinking" && currentThinking != "" {
				_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "thinking", "message_text", currentThinking, st.model, "")
				currentThinking = ""
			}
			currentThinking += ev.Content
			st.totalThinking += ev.Content
			lastKind = "thinking"

		case EventMessageTokens:
			out <- Event{Kind: EventKindMessageTokens, Content: ev.Content, Model: st.model, Timestamp: nowStamp()}
			if lastKind == "thinking" && currentThinking != "" {
				_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "thinking", "message_text", currentThinking, st.model, "")
				currentThinking = ""
			} else if lastKind != "message" && currentResponse != "" {
				_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "assistant", "message_text", currentResponse, st.model, "")
				currentResponse = ""
			}
			currentResponse += ev.Content
			st.totalResponse += ev.Content
			lastKind = "message"

		case EventToolCalls:
			st.toolCalls = mergeToolCalls(st.toolCalls, ev.ToolCalls)

		case EventStreamEnd:
			if ev.Metadata != nil {
				st.responseMetadata = ev.Metadata
				if extra, ok := ev.Metadata["tool_calls"].([]ToolCall); ok {
					named := make(map[int]bool, len(st.toolCalls))
					for _, tc := range st.toolCalls {
						named[tc.Index] = tc.Function.Name != ""
					}
					var fresh []ToolCall
					for _, tc := range extra {
						if !named[tc.Index] {
							fresh = append(fresh, tc)
						}
					}
					st.toolCalls = mergeToolCalls(st.toolCalls, fresh)
				}
			}

		case EventError:
			out <- Event{Kind: EventKindError, Message: ev.Message, Timestamp: nowStamp()}
			return fmt.Errorf("model error: %s", ev.Message)
		}
	}

	if st.responseMetadata != nil {
		if id, ok := st.responseMetadata["id"].(string); ok && id != "" {
			st.messageID = id
		}
	}
	if st.messageID == "" {
		st.messageID = uuid.NewString()
	}
	if currentThinking != "" {
		_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "thinking", "message_text", currentThinking, st.model, "")
	}
	if currentResponse != "" {
		_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "assistant", "message_text", currentResponse, st.model, "")
	}
	return nil
}

// mergeToolCalls accumulates partial tool-call deltas by index, matching
// default_message_processor.py's merge-by-index rule and the model plugin's
// own per-round merge (orchestrator-level merging also covers a model
// plugin that does not pre-merge).
func mergeToolCalls(existing []ToolCall, incoming []ToolCall) []ToolCall {
	byIndex := make(map[int]int, len(existing))
	for i, tc := range existing {
		byIndex[tc.Index] = i
	}
	for _, tc := range incoming {
		if i, ok := byIndex[tc.Index]; ok {
			if tc.ID != "" {
				existing[i].ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing[i].Function.Name = tc.Function.Name
			}
			existing[i].Function.Arguments += tc.Function.Arguments
		} else {
			byIndex[tc.Index] = len(existing)
			existing = append(existing, tc)
		}
	}
	return existing
}

// filterEvent runs a model event through every function plugin's
// FilterStream hook in reverse priority order, surfacing yielded updates as
// tool_update events. A hook resolving to nil drops the chunk.
func (o *Orchestrator) filterEvent(ctx context.Context, st *turnState, ev ModelEvent, out chan<- Event) (ModelEvent, bool, error) {
	current := ev
	for _, fn := range o.reg.FunctionsReversed() {
		stream := fn.FilterStream(ctx, &FilterStreamArgs{
			UserID: st.userID, ThreadID: st.threadID, TurnCorrelationID: st.turnCorrelationID, Chunk: current,
		})
		if stream == nil {
			continue
		}
		for item := range stream.Updates() {
			callID := uuid.NewString()
			_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "tool", "tool_update", item, st.model, callID)
			out <- Event{Kind: EventKindToolUpdate, CallID: callID, Content: item, Timestamp: nowStamp()}
		}
		r := stream.Wait()
		if r.Err != nil {
			o.log.Errorf("filter_stream hook %s failed: %v", fn.Name(), r.Err)
			continue
		}
		if r.Value == nil {
			return ModelEvent{}, true, nil
		}
		current = *r.Value
	}
	return current, false, nil
}

// saveAssistantMessage runs post_call hooks (surfacing yielded updates),
// then appends the possibly-mutated assistant message to the context.
func (o *Orchestrator) saveAssistantMessage(ctx context.Context, st *turnState, assistant Message, out chan<- Event) error {
	for _, fn := range o.reg.Functions() {
		stream := fn.PostCall(ctx, &PostCallArgs{
			UserID: st.userID, ThreadID: st.threadID, TurnCorrelationID: st.turnCorrelationID,
			ResponseMetadata: st.responseMetadata, AssistantMessage: &assistant,
		})
		if stream == nil {
			continue
		}
		o.drainUpdateStream(ctx, st, stream, fn.Name(), out)
	}
	return o.context().AddMessage(ctx, st.threadID, st.userID, assistant, assistant.ID)
}

// executeToolCalls runs every accumulated tool call, streaming a
// tool-called / tool-result pair of tool_update events for each, and
// appending the tool result message back into the context via the same
// pre_call path a user message takes. If every call in the round is invalid
// (empty Function.Name), no model round produced any real work to act on:
// it reports terminated=true so the caller ends the turn at stream_end
// instead of looping back to the model on unchanged context (spec.md §4.3
// step 8).
func (o *Orchestrator) executeToolCalls(ctx context.Context, st *turnState, calls []ToolCall, out chan<- Event) (terminated bool, err error) {
	var valid []ToolCall
	for _, call := range calls {
		if call.Function.Name != "" {
			valid = append(valid, call)
			continue
		}
		callID := call.ID
		if callID == "" {
			callID = uuid.NewString()
		}
		o.emitToolUpdate(ctx, st, callID, "tool call missing function name", out)
	}
	if len(valid) == 0 {
		out <- Event{Kind: EventKindStreamEnd, Timestamp: nowStamp()}
		return true, nil
	}

	for _, call := range valid {
		callID := call.ID
		if callID == "" {
			callID = uuid.NewString()
		}

		o.emitToolUpdate(ctx, st, callID, fmt.Sprintf("calling %s(%s)", call.Function.Name, call.Function.Arguments), out)

		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}

		tool, ok := o.reg.Tool(call.Function.Name)
		if !ok {
			errMsg := fmt.Sprintf("unknown tool %q", call.Function.Name)
			o.emitToolUpdate(ctx, st, callID, errMsg, out)
			if err := o.appendToolResult(ctx, st, callID, errMsg, out); err != nil {
				return false, err
			}
			continue
		}

		stream := tool.Execute(ctx, st.userID, st.threadID, st.turnCorrelationID, args)
		for progress := range stream.Updates() {
			o.emitToolUpdate(ctx, st, callID, fmt.Sprintf("%s: %s", call.Function.Name, progress), out)
		}
		res := stream.Wait()

		var sanitized string
		if res.Err != nil {
			sanitized = fmt.Sprintf("error executing tool %s: %v", call.Function.Name, res.Err)
			o.log.Errorf("tool %s failed: %v", call.Function.Name, res.Err)
		} else {
			sanitized = sanitizeToolResult(res.Value)
		}

		o.emitToolUpdate(ctx, st, callID, fmt.Sprintf("%s: %s", call.Function.Name, truncateDisplay(sanitized)), out)

		if err := o.appendToolResult(ctx, st, callID, sanitized, out); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (o *Orchestrator) emitToolUpdate(ctx context.Context, st *turnState, callID, content string, out chan<- Event) {
	_ = o.thread().AddMessage(ctx, st.threadID, st.userID, "tool", "tool_update", content, st.model, callID)
	out <- Event{Kind: EventKindToolUpdate, CallID: callID, Content: content, Timestamp: nowStamp()}
}

func (o *Orchestrator) appendToolResult(ctx context.Context, st *turnState, callID, content string, out chan<- Event) error {
	msg := Message{Role: "tool", Content: content, ToolCallID: callID}
	return o.addMessageWithPreCall(ctx, st, msg, "", out)
}

// sanitizeToolResult mirrors the Python sanitizer: strings pass through
// unless they contain non-printable bytes (treated as binary and replaced
// with an error message); everything else is JSON-serialized, falling back
// to an error message on failure.
func sanitizeToolResult(v any) string {
	if s, ok := v.(string); ok {
		for _, r := range s {
			if r < 32 && r != '\t' && r != '\n' && r != '\r' {
				return fmt.Sprintf("Error: tool returned binary data (%s); binary data cannot be stored in conversation history", humanize.Bytes(uint64(len(s))))
			}
		}
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("Error: tool returned data that cannot be serialized to JSON: %v", err)
	}
	return string(b)
}

func truncateDisplay(s string) string {
	const max = 250
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
