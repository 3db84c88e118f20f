// Package stream implements the StreamProcessor: a stateful accumulator that
// assembles the server's incremental event stream (text/thought deltas, tool
// selection and results, subsessions) into stable message records.
//
// The accumulator's shape — a mutex-guarded struct holding one active
// "current" record that is replaced wholesale on a new turn, with an
// explicit phase that advances monotonically — is grounded on the teacher's
// p2p.SignalingHandler/SessionState (internal/p2p/signaling.go): there a
// session moves preparing -> gathering -> connecting -> active -> closed; here
// a message moves streaming -> complete, and a tool call's notification is
// emitted with status preparing, the call being marked complete when its
// tool_call result arrives (no executing status is emitted).
package stream

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Phase identifies where a streaming message currently stands.
type Phase string

const (
	PhaseStreaming Phase = "streaming"
	PhaseComplete  Phase = "complete"
	PhaseCancelled Phase = "cancelled"
)

// ToolCall records one tool invocation's lifecycle.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Complete  bool            `json:"complete"`
}

// Message is the accumulator's view of the currently (or most recently)
// streaming assistant message.
type Message struct {
	Text        string
	Thought     string
	ToolCalls   []*ToolCall
	Subsessions []string
	Phase       Phase
}

// Emitter is how the processor reports derived events to the rest of the SDK.
// It is satisfied by *eventbus.Bus's Emit method.
type Emitter interface {
	Emit(name string, payload any)
}

// Whitelist is the fixed set of event types StreamProcessor consumes
// exclusively; once Handle has dispatched one of these, the connection core
// must not also re-emit it raw on the bus.
//
// chat_session_changed is deliberately absent: the connection core owns that
// event directly (it must update SessionStore's authoritative current-session
// id, which this package cannot import without a cycle), so Handle is never
// asked to process it from the wired code path.
var Whitelist = map[string]bool{
	"interaction":            true,
	"text_delta":             true,
	"thought_delta":          true,
	"completion":             true,
	"tool_select_delta":      true,
	"tool_call":              true,
	"render_media":           true,
	"system_message":         true,
	"error":                  true,
	"history_delta":          true,
	"user_message":           true,
	"anthropic_user_message": true,
	"subsession_started":     true,
	"subsession_ended":       true,
	"cancelled":              true,
	"user_turn_start":        true,
}

// Processor accumulates one streaming message at a time.
type Processor struct {
	emitter Emitter

	mu      sync.Mutex
	current *Message
	pending map[string]*ToolCall // tool calls awaiting a result, keyed by id
}

// New returns a Processor that reports derived events through emitter.
func New(emitter Emitter) *Processor {
	return &Processor{
		emitter: emitter,
		current: freshMessage(),
		pending: make(map[string]*ToolCall),
	}
}

func freshMessage() *Message {
	return &Message{Phase: PhaseStreaming}
}

// Reset clears the accumulator, discarding any in-flight message and pending
// tool notifications. Called on a new session, an explicit app reset, or a
// cancellation.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = freshMessage()
	p.pending = make(map[string]*ToolCall)
}

// Current returns a snapshot of the in-flight message.
func (p *Processor) Current() Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.current
}

// Handle dispatches one whitelisted inbound event. Callers must check
// Whitelist[eventType] before calling Handle; Handle itself does not
// re-validate membership.
func (p *Processor) Handle(eventType string, payload json.RawMessage) error {
	switch eventType {
	case "text_delta":
		return p.handleTextDelta(payload)

	case "thought_delta":
		return p.handleThoughtDelta(payload)

	case "completion":
		p.handleCompletion()

	case "tool_select_delta":
		return p.handleToolSelectDelta(payload)

	case "tool_call":
		return p.handleToolCall(payload)

	case "subsession_started":
		return p.handleSubsessionStarted(payload)

	case "subsession_ended":
		p.handleSubsessionEnded()

	case "cancelled":
		p.handleCancelled()

	case "user_turn_start":
		p.clearAllToolNotifications()

	case "user_message", "anthropic_user_message":
		p.emitter.Emit(eventType, payload)

	default:
		// interaction, render_media, system_message, error, history_delta:
		// materialized by the server; forward unchanged.
		p.emitter.Emit(eventType, payload)
	}
	return nil
}

func (p *Processor) handleTextDelta(payload json.RawMessage) error {
	var delta struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &delta); err != nil {
		return fmt.Errorf("stream: unmarshalling text_delta: %w", err)
	}
	p.mu.Lock()
	p.current.Text += delta.Text
	text := p.current.Text
	p.mu.Unlock()
	p.emitter.Emit("text-updated", text)
	return nil
}

func (p *Processor) handleThoughtDelta(payload json.RawMessage) error {
	var delta struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &delta); err != nil {
		return fmt.Errorf("stream: unmarshalling thought_delta: %w", err)
	}
	p.mu.Lock()
	p.current.Thought += delta.Text
	thought := p.current.Thought
	p.mu.Unlock()
	p.emitter.Emit("thought-updated", thought)
	return nil
}

func (p *Processor) handleCompletion() {
	p.mu.Lock()
	p.current.Phase = PhaseComplete
	msg := *p.current
	p.mu.Unlock()
	p.emitter.Emit("message-complete", msg)
}

func (p *Processor) handleToolSelectDelta(payload json.RawMessage) error {
	var sel struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(payload, &sel); err != nil {
		return fmt.Errorf("stream: unmarshalling tool_select_delta: %w", err)
	}

	p.mu.Lock()
	tc, ok := p.pending[sel.ID]
	if !ok {
		tc = &ToolCall{ID: sel.ID, Name: sel.Name}
		p.pending[sel.ID] = tc
		p.current.ToolCalls = append(p.current.ToolCalls, tc)
	}
	if sel.Arguments != nil {
		tc.Arguments = sel.Arguments
	}
	p.mu.Unlock()

	p.emitter.Emit("tool-notification", map[string]any{
		"id":     sel.ID,
		"name":   sel.Name,
		"status": "preparing",
	})
	return nil
}

func (p *Processor) handleToolCall(payload json.RawMessage) error {
	var call struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &call); err != nil {
		return fmt.Errorf("stream: unmarshalling tool_call: %w", err)
	}

	p.mu.Lock()
	tc, ok := p.pending[call.ID]
	if ok {
		tc.Result = call.Result
		tc.Complete = true
		delete(p.pending, call.ID)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("stream: tool_call for unknown id %q", call.ID)
	}

	p.emitter.Emit("tool-call-complete", tc)
	p.emitter.Emit("tool-notification-removed", call.ID)
	return nil
}

func (p *Processor) handleSubsessionStarted(payload json.RawMessage) error {
	var sub struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &sub); err != nil {
		return fmt.Errorf("stream: unmarshalling subsession_started: %w", err)
	}
	p.mu.Lock()
	p.current.Subsessions = append(p.current.Subsessions, sub.ID)
	p.mu.Unlock()
	p.emitter.Emit("subsession_started", sub.ID)
	return nil
}

func (p *Processor) handleSubsessionEnded() {
	p.mu.Lock()
	if n := len(p.current.Subsessions); n > 0 {
		p.current.Subsessions = p.current.Subsessions[:n-1]
	}
	p.mu.Unlock()
	p.emitter.Emit("subsession_ended", nil)
}

func (p *Processor) handleCancelled() {
	p.mu.Lock()
	p.current.Phase = PhaseCancelled
	msg := *p.current
	p.pending = make(map[string]*ToolCall)
	p.mu.Unlock()

	p.emitter.Emit("cancelled", msg)
	p.emitter.Emit("all-notifications-cleared", nil)
	p.Reset()
}

// clearAllToolNotifications is the "nuclear clear" triggered by the start of
// a new user turn: every pending tool notification is dropped regardless of
// its lifecycle phase.
func (p *Processor) clearAllToolNotifications() {
	p.mu.Lock()
	p.pending = make(map[string]*ToolCall)
	p.mu.Unlock()
	p.emitter.Emit("all-notifications-cleared", nil)
}
