package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_MergesTextAndToolCalls(t *testing.T) {
	var acc Accumulator
	acc.Add(CanonicalChunk{ID: "r1", Model: "m", Role: RoleAssistant, ContentDelta: "Hel"})
	acc.Add(CanonicalChunk{ContentDelta: "lo"})
	acc.Add(CanonicalChunk{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_1", Name: "lookup", ArgumentsDelta: `{"q":`}}})
	acc.Add(CanonicalChunk{ToolCalls: []ToolCallDelta{{Index: 0, ArgumentsDelta: `"x"}`}}})
	acc.Add(CanonicalChunk{FinishReason: FinishToolCalls, Usage: &Usage{PromptTokens: 3, CompletionTokens: 4}})

	resp := acc.Response()
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, "Hello", resp.Text())
	require.Len(t, resp.ToolCalls(), 1)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "lookup", Arguments: `{"q":"x"}`}, resp.ToolCalls()[0])
	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestChunksFromResponse_RoundTripsThroughAccumulator(t *testing.T) {
	original := &CanonicalResponse{
		ID:    "r2",
		Model: "m",
		Role:  RoleAssistant,
		Parts: []ContentPart{
			TextPart("hi"),
			{Type: PartToolCall, ToolCall: &ToolCall{ID: "c", Name: "f", Arguments: "{}"}},
		},
		FinishReason: FinishToolCalls,
		Usage:        Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}

	var acc Accumulator
	for _, chunk := range ChunksFromResponse(original) {
		acc.Add(chunk)
	}
	assert.Equal(t, original, acc.Response())
}

func TestChunksFromResponse_DefaultsFinishReason(t *testing.T) {
	chunks := ChunksFromResponse(&CanonicalResponse{Parts: []ContentPart{TextPart("x")}})
	require.Len(t, chunks, 2)
	assert.Equal(t, RoleAssistant, chunks[0].Role)
	assert.Equal(t, FinishStop, chunks[1].FinishReason)
}

func TestCanonicalRequest_WithModelDoesNotMutate(t *testing.T) {
	req := &CanonicalRequest{Model: "alias", Messages: []Message{{Role: RoleUser, Parts: []ContentPart{TextPart("hi")}}}}
	routed := req.WithModel("upstream")
	assert.Equal(t, "alias", req.Model)
	assert.Equal(t, "upstream", routed.Model)
	assert.Equal(t, req.Messages, routed.Messages)
}
