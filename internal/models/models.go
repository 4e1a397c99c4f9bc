package models

import (
	"encoding/json"
	"maps"
	"slices"
)

// Roles used by the canonical schema.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Canonical finish reasons.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// PartType discriminates the content carried by a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	// PartOpaque is a vendor block with no canonical equivalent, such as a
	// signed reasoning block. Only the format it came from re-emits it.
	PartOpaque PartType = "opaque"
)

// ContentPart is one element of a message body.
type ContentPart struct {
	Type       PartType
	Text       string
	Image      *Image
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Vendor     *VendorData
}

// VendorData is raw vendor JSON attached to a part. Raw holds the whole
// block of an opaque part; Fields holds the keys of any other part that the
// canonical schema does not model, such as cache_control.
type VendorData struct {
	Format string
	Raw    json.RawMessage
	Fields map[string]json.RawMessage
}

// For reports whether the data was captured from format.
func (v *VendorData) For(format string) bool {
	return v != nil && v.Format == format
}

// Keys returns the field paths in a stable order.
func (v *VendorData) Keys() []string {
	if v == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(v.Fields))
}

// Image is either a remote URL or inline base64 data.
type Image struct {
	URL       string
	MediaType string
	Data      string
}

// ToolCall is a function invocation requested by the assistant. Arguments is
// a JSON document kept as text.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult answers a previous ToolCall.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message represents a single conversational message in the canonical schema.
type Message struct {
	Role  string
	Name  string
	Parts []ContentPart
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var out []byte
	for _, p := range m.Parts {
		if p.Type == PartText {
			out = append(out, p.Text...)
		}
	}
	return string(out)
}

// TextPart is a shorthand constructor.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceTool     = "tool"
)

// ToolChoice constrains tool usage. Name is set only for ToolChoiceTool.
type ToolChoice struct {
	Mode string
	Name string
}

// Sampling groups generation parameters. Nil pointers mean "not set".
type Sampling struct {
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	TopK             *int
	Stop             []string
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int64
}

// Passthrough keeps vendor fields that have no canonical equivalent so that a
// round trip back to the same format is lossless. Keys are JSON paths relative
// to the request body; values are raw JSON.
type Passthrough struct {
	Format string
	Fields map[string]json.RawMessage
}

// Keys returns the stored paths in a stable order.
func (p *Passthrough) Keys() []string {
	if p == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(p.Fields))
}

// For reports whether the side-channel applies to the given format.
func (p *Passthrough) For(format string) bool {
	return p != nil && p.Format == format && len(p.Fields) > 0
}

// CanonicalRequest is the vendor-neutral representation of a chat request.
// Translators build it once; later stages treat it as read-only.
type CanonicalRequest struct {
	Model       string
	Messages    []Message
	Sampling    Sampling
	Tools       []Tool
	ToolChoice  *ToolChoice
	Stream      bool
	Passthrough *Passthrough
}

// WithModel returns a shallow copy addressed to a different model.
func (r *CanonicalRequest) WithModel(model string) *CanonicalRequest {
	clone := *r
	clone.Model = model
	return &clone
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// IsZero reports whether no counts were recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Normalized fills TotalTokens when the upstream left it empty.
func (u Usage) Normalized() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// CanonicalResponse captures a whole provider response.
type CanonicalResponse struct {
	ID           string
	Model        string
	Created      int64
	Role         string
	Parts        []ContentPart
	FinishReason string
	Usage        Usage
}

// Text concatenates the text parts of the response.
func (r *CanonicalResponse) Text() string {
	return Message{Parts: r.Parts}.Text()
}

// ToolCalls returns the tool calls of the response in order.
func (r *CanonicalResponse) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range r.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolCallDelta is an incremental piece of a tool call. The first delta for an
// index carries ID and Name.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// CanonicalChunk is one incremental streaming delta.
type CanonicalChunk struct {
	ID           string
	Model        string
	Role         string
	ContentDelta string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Usage        *Usage
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider string
}
