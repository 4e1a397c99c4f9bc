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

type claudeStreamDecoder struct {
	promptTokens int
	toolIndex    map[int]int
}

// NewStreamDecoder returns a decoder for Messages API stream events.
func (*ClaudeCodec) NewStreamDecoder() StreamDecoder {
	return &claudeStreamDecoder{toolIndex: make(map[int]int)}
}

func (d *claudeStreamDecoder) Decode(ev sse.Event) ([]models.CanonicalChunk, bool, error) {
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		return nil, false, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, false, translationErr(FormatClaude, fmt.Errorf("stream event: %w", errInvalidJSON))
	}
	root := gjson.ParseBytes(data)

	kind := root.Get("type").String()
	if kind == "" {
		kind = ev.Name
	}

	switch kind {
	case "message_start":
		msg := root.Get("message")
		d.promptTokens = int(msg.Get("usage.input_tokens").Int() +
			msg.Get("usage.cache_creation_input_tokens").Int() +
			msg.Get("usage.cache_read_input_tokens").Int())
		return []models.CanonicalChunk{{
			ID:    msg.Get("id").String(),
			Model: msg.Get("model").String(),
			Role:  models.RoleAssistant,
		}}, false, nil

	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil, false, nil
		}
		index := len(d.toolIndex)
		d.toolIndex[int(root.Get("index").Int())] = index
		return []models.CanonicalChunk{{ToolCalls: []models.ToolCallDelta{{
			Index: index,
			ID:    block.Get("id").String(),
			Name:  block.Get("name").String(),
		}}}}, false, nil

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []models.CanonicalChunk{{ContentDelta: delta.Get("text").String()}}, false, nil
		case "input_json_delta":
			index, ok := d.toolIndex[int(root.Get("index").Int())]
			if !ok {
				return nil, false, translationErr(FormatClaude, fmt.Errorf("input_json_delta for unknown block %d", root.Get("index").Int()))
			}
			return []models.CanonicalChunk{{ToolCalls: []models.ToolCallDelta{{
				Index:          index,
				ArgumentsDelta: delta.Get("partial_json").String(),
			}}}}, false, nil
		}
		return nil, false, nil

	case "message_delta":
		usage := models.Usage{
			PromptTokens:     d.promptTokens,
			CompletionTokens: int(root.Get("usage.output_tokens").Int()),
		}
		if in := root.Get("usage.input_tokens"); in.Exists() && in.Int() > 0 {
			usage.PromptTokens = int(in.Int())
		}
		usage = usage.Normalized()
		return []models.CanonicalChunk{{
			FinishReason: claudeStopToCanonical(root.Get("delta.stop_reason").String()),
			Usage:        &usage,
		}}, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, &StreamError{
			Type:    root.Get("error.type").String(),
			Message: root.Get("error.message").String(),
		}
	}
	return nil, false, nil
}

type claudeStreamEncoder struct {
	started   bool
	id        string
	model     string
	nextBlock int
	openBlock int
	textOpen  bool
	toolOpen  bool
	toolBlock map[int]int
	finish    string
	usage     models.Usage
}

// NewStreamEncoder returns an encoder producing Messages API stream events.
func (*ClaudeCodec) NewStreamEncoder() StreamEncoder {
	return &claudeStreamEncoder{toolBlock: make(map[int]int), openBlock: -1}
}

func (e *claudeStreamEncoder) Encode(chunk models.CanonicalChunk) ([]sse.Event, error) {
	var events []sse.Event
	if !e.started {
		e.id = orDefault(chunk.ID, "msg_"+uuid.NewString())
		e.model = chunk.Model
		events = append(events, e.messageStart())
		e.started = true
	}

	if chunk.ContentDelta != "" {
		if !e.textOpen {
			events = append(events, e.closeBlock()...)
			events = append(events, e.openBlockEvent(map[string]any{"type": "text", "text": ""}))
			e.textOpen = true
		}
		events = append(events, claudeEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.openBlock,
			"delta": map[string]string{"type": "text_delta", "text": chunk.ContentDelta},
		}))
	}

	for _, call := range chunk.ToolCalls {
		block, seen := e.toolBlock[call.Index]
		if !seen {
			events = append(events, e.closeBlock()...)
			events = append(events, e.openBlockEvent(map[string]any{
				"type":  "tool_use",
				"id":    orDefault(call.ID, "toolu_"+uuid.NewString()),
				"name":  call.Name,
				"input": map[string]any{},
			}))
			e.toolOpen = true
			block = e.openBlock
			e.toolBlock[call.Index] = block
		}
		if call.ArgumentsDelta != "" {
			events = append(events, claudeEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": block,
				"delta": map[string]string{"type": "input_json_delta", "partial_json": call.ArgumentsDelta},
			}))
		}
	}

	if chunk.FinishReason != "" {
		e.finish = chunk.FinishReason
	}
	if chunk.Usage != nil {
		e.usage = *chunk.Usage
	}
	return events, nil
}

func (e *claudeStreamEncoder) Finish() []sse.Event {
	var events []sse.Event
	if !e.started {
		e.id = "msg_" + uuid.NewString()
		events = append(events, e.messageStart())
		e.started = true
	}
	events = append(events, e.closeBlock()...)

	usage := e.usage.Normalized()
	events = append(events,
		claudeEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": canonicalToClaudeStop(e.finish), "stop_sequence": nil},
			"usage": map[string]int{"input_tokens": usage.PromptTokens, "output_tokens": usage.CompletionTokens},
		}),
		claudeEvent("message_stop", map[string]string{"type": "message_stop"}),
	)
	return events
}

func (e *claudeStreamEncoder) EncodeError(info ErrorInfo) []sse.Event {
	return []sse.Event{{Name: "error", Data: claudeErrorBody(info)}}
}

func (e *claudeStreamEncoder) messageStart() sse.Event {
	return claudeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.id,
			"type":          "message",
			"role":          models.RoleAssistant,
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (e *claudeStreamEncoder) openBlockEvent(block map[string]any) sse.Event {
	e.openBlock = e.nextBlock
	e.nextBlock++
	return claudeEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.openBlock,
		"content_block": block,
	})
}

func (e *claudeStreamEncoder) closeBlock() []sse.Event {
	if !e.textOpen && !e.toolOpen {
		return nil
	}
	e.textOpen, e.toolOpen = false, false
	return []sse.Event{claudeEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.openBlock,
	})}
}

func claudeEvent(name string, payload any) sse.Event {
	data, _ := json.Marshal(payload)
	return sse.Event{Name: name, Data: data}
}
