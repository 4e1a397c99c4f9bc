package translator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/models"
	"combo-gateway/internal/sse"
)

const openAIDoneMarker = "[DONE]"

type chatCompletionChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string           `json:"role"`
			Content   *string          `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamDecoder struct{}

// NewStreamDecoder returns a decoder for chat.completion.chunk events.
func (*OpenAICodec) NewStreamDecoder() StreamDecoder { return &openAIStreamDecoder{} }

func (d *openAIStreamDecoder) Decode(ev sse.Event) ([]models.CanonicalChunk, bool, error) {
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		return nil, false, nil
	}
	if string(data) == openAIDoneMarker {
		return nil, true, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, false, translationErr(FormatOpenAI, fmt.Errorf("stream event: %w", errInvalidJSON))
	}
	if e := gjson.GetBytes(data, "error"); e.Exists() {
		return nil, false, &StreamError{Type: e.Get("type").String(), Message: e.Get("message").String()}
	}

	var in chatCompletionChunk
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, false, translationErr(FormatOpenAI, fmt.Errorf("decode stream chunk: %w", err))
	}

	chunk := models.CanonicalChunk{ID: in.ID, Model: in.Model, Usage: in.Usage.canonical()}
	for _, choice := range in.Choices {
		if choice.Index != 0 {
			continue
		}
		chunk.Role = choice.Delta.Role
		if choice.Delta.Content != nil {
			chunk.ContentDelta = *choice.Delta.Content
		}
		for i, call := range choice.Delta.ToolCalls {
			index := i
			if call.Index != nil {
				index = *call.Index
			}
			chunk.ToolCalls = append(chunk.ToolCalls, models.ToolCallDelta{
				Index:          index,
				ID:             call.ID,
				Name:           call.Function.Name,
				ArgumentsDelta: call.Function.Arguments,
			})
		}
		if choice.FinishReason != nil {
			chunk.FinishReason = openAIFinishToCanonical(*choice.FinishReason)
		}
	}

	if chunk.Role == "" && chunk.ContentDelta == "" && len(chunk.ToolCalls) == 0 &&
		chunk.FinishReason == "" && chunk.Usage == nil {
		return nil, false, nil
	}
	return []models.CanonicalChunk{chunk}, false, nil
}

type openAIStreamEncoder struct {
	id       string
	model    string
	created  int64
	roleSent bool
}

// NewStreamEncoder returns an encoder producing chat.completion.chunk events.
func (*OpenAICodec) NewStreamEncoder() StreamEncoder {
	return &openAIStreamEncoder{created: time.Now().Unix()}
}

type openAIChunkDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   *string          `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIChunkChoice struct {
	Index        int              `json:"index"`
	Delta        openAIChunkDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type openAIChunkOut struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []openAIChunkChoice `json:"choices"`
	Usage   *openAIUsage        `json:"usage,omitempty"`
}

func (e *openAIStreamEncoder) Encode(chunk models.CanonicalChunk) ([]sse.Event, error) {
	if e.id == "" {
		e.id = orDefault(chunk.ID, "chatcmpl-"+uuid.NewString())
	}
	if e.model == "" {
		e.model = chunk.Model
	}

	var delta openAIChunkDelta
	if !e.roleSent {
		delta.Role = models.RoleAssistant
		e.roleSent = true
	}
	if chunk.ContentDelta != "" {
		content := chunk.ContentDelta
		delta.Content = &content
	}
	for _, call := range chunk.ToolCalls {
		index := call.Index
		tc := openAIToolCall{
			Index:    &index,
			ID:       call.ID,
			Function: openAIFunctionCall{Name: call.Name, Arguments: call.ArgumentsDelta},
		}
		if call.ID != "" {
			tc.Type = "function"
		}
		delta.ToolCalls = append(delta.ToolCalls, tc)
	}

	out := openAIChunkOut{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openAIChunkChoice{{Index: 0, Delta: delta}},
	}
	if chunk.FinishReason != "" {
		finish := chunk.FinishReason
		out.Choices[0].FinishReason = &finish
	}
	if chunk.Usage != nil {
		out.Usage = newOpenAIUsage(*chunk.Usage)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode openai chunk: %w", err)
	}
	return []sse.Event{{Data: data}}, nil
}

func (e *openAIStreamEncoder) Finish() []sse.Event {
	return []sse.Event{{Data: []byte(openAIDoneMarker)}}
}

func (e *openAIStreamEncoder) EncodeError(info ErrorInfo) []sse.Event {
	return []sse.Event{{Data: openAIErrorBody(info)}}
}
