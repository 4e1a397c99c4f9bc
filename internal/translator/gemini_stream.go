package translator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/models"
	"combo-gateway/internal/sse"
)

// geminiStreamDecoder reads streamGenerateContent?alt=sse events. A chunk
// carrying a finishReason ends the stream.
type geminiStreamDecoder struct {
	format   Format
	envelope bool
	roleSent bool
	nextTool int
	sawTool  bool
}

// NewStreamDecoder returns a decoder for streamGenerateContent events.
func (*GeminiCodec) NewStreamDecoder() StreamDecoder {
	return &geminiStreamDecoder{format: FormatGemini}
}

func (d *geminiStreamDecoder) Decode(ev sse.Event) ([]models.CanonicalChunk, bool, error) {
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		return nil, false, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, false, translationErr(d.format, fmt.Errorf("stream event: %w", errInvalidJSON))
	}
	if e := gjson.GetBytes(data, "error"); e.Exists() {
		return nil, false, &StreamError{Type: e.Get("status").String(), Message: e.Get("message").String()}
	}
	if d.envelope {
		if inner := gjson.GetBytes(data, "response"); inner.Exists() {
			data = []byte(inner.Raw)
		}
	}

	var in geminiResponse
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, false, translationErr(d.format, fmt.Errorf("decode stream chunk: %w", err))
	}

	chunk := models.CanonicalChunk{
		ID:    in.ResponseID,
		Model: in.ModelVersion,
		Usage: in.UsageMetadata.canonical(),
	}
	if !d.roleSent {
		chunk.Role = models.RoleAssistant
		d.roleSent = true
	}

	terminal := false
	if len(in.Candidates) > 0 {
		candidate := in.Candidates[0]
		for _, p := range candidate.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args := compactJSON(string(p.FunctionCall.Args))
				if args == "" {
					args = "{}"
				}
				chunk.ToolCalls = append(chunk.ToolCalls, models.ToolCallDelta{
					Index:          d.nextTool,
					ID:             orDefault(p.FunctionCall.ID, "call_"+uuid.NewString()),
					Name:           p.FunctionCall.Name,
					ArgumentsDelta: args,
				})
				d.nextTool++
				d.sawTool = true
			case p.Thought:
			default:
				chunk.ContentDelta += p.Text
			}
		}
		if candidate.FinishReason != "" {
			chunk.FinishReason = geminiFinishToCanonical(candidate.FinishReason, d.sawTool)
			terminal = true
		}
	} else if in.PromptFeedback != nil && in.PromptFeedback.BlockReason != "" {
		chunk.FinishReason = models.FinishContentFilter
		terminal = true
	}
	return []models.CanonicalChunk{chunk}, terminal, nil
}

// geminiStreamEncoder emits text as it arrives and holds tool calls, whose
// arguments may arrive in pieces, until the final chunk.
type geminiStreamEncoder struct {
	envelope bool
	id       string
	model    string
	calls    models.Accumulator
	hasCalls bool
	finish   string
	usage    models.Usage
}

// NewStreamEncoder returns an encoder producing streamGenerateContent events.
func (*GeminiCodec) NewStreamEncoder() StreamEncoder {
	return &geminiStreamEncoder{}
}

func (e *geminiStreamEncoder) Encode(chunk models.CanonicalChunk) ([]sse.Event, error) {
	if e.id == "" {
		e.id = chunk.ID
	}
	if e.model == "" {
		e.model = chunk.Model
	}
	if len(chunk.ToolCalls) > 0 {
		e.calls.Add(models.CanonicalChunk{ToolCalls: chunk.ToolCalls})
		e.hasCalls = true
	}
	if chunk.FinishReason != "" {
		e.finish = chunk.FinishReason
	}
	if chunk.Usage != nil {
		e.usage = *chunk.Usage
	}
	if chunk.ContentDelta == "" {
		return nil, nil
	}

	ev, err := e.event(geminiResponse{
		Candidates: []geminiCandidate{{
			Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: chunk.ContentDelta}}},
		}},
		ModelVersion: e.model,
		ResponseID:   e.id,
	})
	if err != nil {
		return nil, err
	}
	return []sse.Event{ev}, nil
}

func (e *geminiStreamEncoder) Finish() []sse.Event {
	parts := []geminiPart{}
	if e.hasCalls {
		parts = geminiParts(e.calls.Response().Parts)
	}
	usage := e.usage.Normalized()
	ev, err := e.event(geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: parts},
			FinishReason: canonicalToGeminiFinish(e.finish),
		}},
		UsageMetadata: &geminiUsage{
			PromptTokenCount:     usage.PromptTokens,
			CandidatesTokenCount: usage.CompletionTokens,
			TotalTokenCount:      usage.TotalTokens,
		},
		ModelVersion: e.model,
		ResponseID:   e.id,
	})
	if err != nil {
		return nil
	}
	return []sse.Event{ev}
}

func (e *geminiStreamEncoder) EncodeError(info ErrorInfo) []sse.Event {
	return []sse.Event{{Data: geminiErrorBody(info)}}
}

func (e *geminiStreamEncoder) event(resp geminiResponse) (sse.Event, error) {
	var payload any = resp
	if e.envelope {
		payload = map[string]any{"response": resp}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return sse.Event{}, fmt.Errorf("encode gemini chunk: %w", err)
	}
	return sse.Event{Data: data}, nil
}
