package models

import "strings"

// Accumulator folds an ordered chunk sequence into a whole response.
type Accumulator struct {
	resp  CanonicalResponse
	text  strings.Builder
	calls []*ToolCall
}

// Add merges one chunk into the running response.
func (a *Accumulator) Add(chunk CanonicalChunk) {
	if chunk.ID != "" && a.resp.ID == "" {
		a.resp.ID = chunk.ID
	}
	if chunk.Model != "" && a.resp.Model == "" {
		a.resp.Model = chunk.Model
	}
	if chunk.Role != "" && a.resp.Role == "" {
		a.resp.Role = chunk.Role
	}
	a.text.WriteString(chunk.ContentDelta)

	for _, delta := range chunk.ToolCalls {
		for len(a.calls) <= delta.Index {
			a.calls = append(a.calls, &ToolCall{})
		}
		call := a.calls[delta.Index]
		if delta.ID != "" {
			call.ID = delta.ID
		}
		if delta.Name != "" {
			call.Name = delta.Name
		}
		call.Arguments += delta.ArgumentsDelta
	}

	if chunk.FinishReason != "" {
		a.resp.FinishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		a.resp.Usage = *chunk.Usage
	}
}

// Response returns the accumulated response.
func (a *Accumulator) Response() *CanonicalResponse {
	resp := a.resp
	if resp.Role == "" {
		resp.Role = RoleAssistant
	}
	resp.Parts = nil
	if a.text.Len() > 0 {
		resp.Parts = append(resp.Parts, TextPart(a.text.String()))
	}
	for _, call := range a.calls {
		if call.Name == "" && call.ID == "" {
			continue
		}
		c := *call
		resp.Parts = append(resp.Parts, ContentPart{Type: PartToolCall, ToolCall: &c})
	}
	resp.Usage = resp.Usage.Normalized()
	return &resp
}

// ChunksFromResponse expresses a whole response as a chunk sequence: one
// content chunk followed by a terminal chunk with finish reason and usage.
func ChunksFromResponse(resp *CanonicalResponse) []CanonicalChunk {
	role := resp.Role
	if role == "" {
		role = RoleAssistant
	}
	first := CanonicalChunk{
		ID:           resp.ID,
		Model:        resp.Model,
		Role:         role,
		ContentDelta: resp.Text(),
	}
	for i, call := range resp.ToolCalls() {
		first.ToolCalls = append(first.ToolCalls, ToolCallDelta{
			Index:          i,
			ID:             call.ID,
			Name:           call.Name,
			ArgumentsDelta: call.Arguments,
		})
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = FinishStop
	}
	usage := resp.Usage.Normalized()
	last := CanonicalChunk{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: finish,
		Usage:        &usage,
	}
	return []CanonicalChunk{first, last}
}
