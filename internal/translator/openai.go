package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/models"
)

var errUnsupportedStop = errors.New("unsupported stop value")

var openAIKnownKeys = knownKeys(
	"model", "messages", "stream", "stream_options", "max_tokens", "max_completion_tokens",
	"temperature", "top_p", "stop", "frequency_penalty", "presence_penalty", "seed",
	"tools", "tool_choice",
)

// OpenAICodec handles the chat/completions wire format.
type OpenAICodec struct{}

// NewOpenAI returns the OpenAI chat/completions codec.
func NewOpenAI() *OpenAICodec { return &OpenAICodec{} }

func (*OpenAICodec) Format() Format { return FormatOpenAI }

// chatCompletionRequest models the OpenAI chat/completions request payload.
type chatCompletionRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Stream              bool            `json:"stream"`
	MaxTokens           *int            `json:"max_tokens"`
	MaxCompletionTokens *int            `json:"max_completion_tokens"`
	Temperature         *float64        `json:"temperature"`
	TopP                *float64        `json:"top_p"`
	Stop                json.RawMessage `json:"stop"`
	FrequencyPenalty    *float64        `json:"frequency_penalty"`
	PresencePenalty     *float64        `json:"presence_penalty"`
	Seed                *int64          `json:"seed"`
	Tools               []openAITool    `json:"tools"`
	ToolChoice          json.RawMessage `json:"tool_choice"`
}

type chatMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content"`
	Name       string           `json:"name"`
	ToolCalls  []openAIToolCall `json:"tool_calls"`
	ToolCallID string           `json:"tool_call_id"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *openAIUsage) canonical() *models.Usage {
	if u == nil {
		return nil
	}
	usage := models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}.Normalized()
	return &usage
}

func newOpenAIUsage(u models.Usage) *openAIUsage {
	if u.IsZero() {
		return nil
	}
	u = u.Normalized()
	return &openAIUsage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

// DecodeRequest parses and validates an OpenAI chat request.
func (*OpenAICodec) DecodeRequest(raw []byte) (*models.CanonicalRequest, error) {
	var in chatCompletionRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, translationErr(FormatOpenAI, fmt.Errorf("decode chat request: %w", err))
	}

	req, err := in.toCanonical()
	if err != nil {
		return nil, translationErr(FormatOpenAI, err)
	}

	fields := make(map[string]json.RawMessage)
	captureUnknown(gjson.ParseBytes(raw), "", openAIKnownKeys, fields)
	req.Passthrough = newPassthrough(FormatOpenAI, fields)
	return req, nil
}

func (r chatCompletionRequest) toCanonical() (*models.CanonicalRequest, error) {
	model := strings.TrimSpace(r.Model)
	if model == "" {
		return nil, errEmptyModel
	}
	if len(r.Messages) == 0 {
		return nil, errEmptyMessages
	}

	stop, err := parseStop(r.Stop)
	if err != nil {
		return nil, err
	}
	choice, err := parseOpenAIToolChoice(r.ToolChoice)
	if err != nil {
		return nil, err
	}

	maxTokens := r.MaxTokens
	if maxTokens == nil {
		maxTokens = r.MaxCompletionTokens
	}

	req := &models.CanonicalRequest{
		Model:  model,
		Stream: r.Stream,
		Sampling: models.Sampling{
			MaxTokens:        maxTokens,
			Temperature:      r.Temperature,
			TopP:             r.TopP,
			Stop:             stop,
			FrequencyPenalty: r.FrequencyPenalty,
			PresencePenalty:  r.PresencePenalty,
			Seed:             r.Seed,
		},
		ToolChoice: choice,
	}

	names := make(toolNames)
	for i, m := range r.Messages {
		msg, err := m.toCanonical(names)
		if err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
		names.record(msg)
		req.Messages = append(req.Messages, msg)
	}

	for i, t := range r.Tools {
		if t.Type != "" && t.Type != "function" {
			return nil, fmt.Errorf("tools[%d]: unsupported tool type %q", i, t.Type)
		}
		if strings.TrimSpace(t.Function.Name) == "" {
			return nil, fmt.Errorf("tools[%d]: function name is required", i)
		}
		req.Tools = append(req.Tools, models.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  rawOrNil(t.Function.Parameters),
		})
	}
	return req, nil
}

func (m chatMessage) toCanonical(names toolNames) (models.Message, error) {
	role := strings.TrimSpace(m.Role)
	if role == "developer" {
		role = models.RoleSystem
	}

	switch role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant:
	case models.RoleTool:
		parts, err := parseOpenAIContent(m.Content)
		if err != nil {
			return models.Message{}, err
		}
		name := names[m.ToolCallID]
		if name == "" {
			name = m.Name
		}
		return models.Message{
			Role: models.RoleTool,
			Name: m.Name,
			Parts: []models.ContentPart{{
				Type: models.PartToolResult,
				ToolResult: &models.ToolResult{
					CallID:  m.ToolCallID,
					Name:    name,
					Content: models.Message{Parts: parts}.Text(),
				},
			}},
		}, nil
	default:
		return models.Message{}, fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}

	parts, err := parseOpenAIContent(m.Content)
	if err != nil {
		return models.Message{}, err
	}
	for _, call := range m.ToolCalls {
		parts = append(parts, models.ContentPart{
			Type: models.PartToolCall,
			ToolCall: &models.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: compactJSON(call.Function.Arguments),
			},
		})
	}
	if len(parts) == 0 && role != models.RoleAssistant {
		return models.Message{}, fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}

	return models.Message{Role: role, Name: strings.TrimSpace(m.Name), Parts: parts}, nil
}

// parseOpenAIContent supports string and array-of-parts content formats.
func parseOpenAIContent(raw json.RawMessage) ([]models.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []models.ContentPart{models.TextPart(text)}, nil
	}

	var segments []openAIContentPart
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	var parts []models.ContentPart
	for _, segment := range segments {
		switch segment.Type {
		case "text":
			if segment.Text != "" {
				parts = append(parts, models.TextPart(segment.Text))
			}
		case "image_url":
			if segment.ImageURL == nil || segment.ImageURL.URL == "" {
				return nil, fmt.Errorf("%w: image_url segment without url", errInvalidContent)
			}
			parts = append(parts, models.ContentPart{Type: models.PartImage, Image: parseImageURL(segment.ImageURL.URL)})
		default:
			return nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	return parts, nil
}

func parseImageURL(url string) *models.Image {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return &models.Image{URL: url}
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return &models.Image{URL: url}
	}
	return &models.Image{MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
}

func imageURL(img *models.Image) string {
	if img.Data != "" {
		return "data:" + img.MediaType + ";base64," + img.Data
	}
	return img.URL
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
		}
		if len(multi) == 0 {
			return nil, nil
		}
		return multi, nil
	}
	return nil, errUnsupportedStop
}

func parseOpenAIToolChoice(raw json.RawMessage) (*models.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case models.ToolChoiceAuto, models.ToolChoiceNone, models.ToolChoiceRequired:
			return &models.ToolChoice{Mode: mode}, nil
		}
		return nil, fmt.Errorf("unsupported tool_choice %q", mode)
	}

	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return nil, errors.New("unsupported tool_choice structure")
	}
	return &models.ToolChoice{Mode: models.ToolChoiceTool, Name: named.Function.Name}, nil
}

type chatCompletionRequestOut struct {
	Model            string             `json:"model"`
	Messages         []chatMessageOut   `json:"messages"`
	Stream           bool               `json:"stream,omitempty"`
	StreamOptions    *openAIStreamOpts  `json:"stream_options,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	Seed             *int64             `json:"seed,omitempty"`
	Tools            []openAITool       `json:"tools,omitempty"`
	ToolChoice       any                `json:"tool_choice,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessageOut struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// EncodeRequest renders a canonical request as an OpenAI chat request body.
func (*OpenAICodec) EncodeRequest(req *models.CanonicalRequest) ([]byte, error) {
	out := chatCompletionRequestOut{
		Model:            req.Model,
		Messages:         openAIMessages(req.Messages),
		Stream:           req.Stream,
		MaxTokens:        req.Sampling.MaxTokens,
		Temperature:      req.Sampling.Temperature,
		TopP:             req.Sampling.TopP,
		Stop:             req.Sampling.Stop,
		FrequencyPenalty: req.Sampling.FrequencyPenalty,
		PresencePenalty:  req.Sampling.PresencePenalty,
		Seed:             req.Sampling.Seed,
	}
	if req.Stream {
		out.StreamOptions = &openAIStreamOpts{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.ToolChoice != nil {
		if req.ToolChoice.Mode == models.ToolChoiceTool {
			out.ToolChoice = map[string]any{"type": "function", "function": map[string]string{"name": req.ToolChoice.Name}}
		} else {
			out.ToolChoice = req.ToolChoice.Mode
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode openai request: %w", err)
	}
	return applyPassthrough(body, FormatOpenAI, req.Passthrough)
}

func openAIMessages(msgs []models.Message) []chatMessageOut {
	out := make([]chatMessageOut, 0, len(msgs))
	for _, m := range msgs {
		var (
			rest    []models.ContentPart
			calls   []openAIToolCall
			results int
		)
		for _, p := range m.Parts {
			switch p.Type {
			case models.PartToolResult:
				results++
				msg := chatMessageOut{Role: models.RoleTool, Content: p.ToolResult.Content, ToolCallID: p.ToolResult.CallID}
				if m.Role == models.RoleTool {
					msg.Name = m.Name
				}
				out = append(out, msg)
			case models.PartOpaque:
			case models.PartToolCall:
				calls = append(calls, openAIToolCall{
					ID:       p.ToolCall.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: p.ToolCall.Name, Arguments: p.ToolCall.Arguments},
				})
			default:
				rest = append(rest, p)
			}
		}
		if m.Role == models.RoleTool || (results > 0 && len(rest) == 0 && len(calls) == 0) {
			continue
		}
		out = append(out, chatMessageOut{
			Role:      m.Role,
			Content:   openAIContent(rest, len(calls) > 0),
			Name:      m.Name,
			ToolCalls: calls,
		})
	}
	return out
}

func openAIContent(parts []models.ContentPart, hasCalls bool) any {
	if len(parts) == 0 {
		if hasCalls {
			return nil
		}
		return ""
	}
	if len(parts) == 1 && parts[0].Type == models.PartText {
		return parts[0].Text
	}
	segments := make([]openAIContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case models.PartText:
			segments = append(segments, openAIContentPart{Type: "text", Text: p.Text})
		case models.PartImage:
			segments = append(segments, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: imageURL(p.Image)}})
		}
	}
	return segments
}

// chatCompletionResponse models the OpenAI chat response as received.
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

// DecodeResponse parses a whole chat/completions response.
func (*OpenAICodec) DecodeResponse(raw []byte) (*models.CanonicalResponse, error) {
	var in chatCompletionResponse
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, translationErr(FormatOpenAI, fmt.Errorf("decode chat response: %w", err))
	}
	if len(in.Choices) == 0 {
		return nil, translationErr(FormatOpenAI, errors.New("response has no choices"))
	}

	choice := in.Choices[0]
	parts, err := parseOpenAIContent(choice.Message.Content)
	if err != nil {
		return nil, translationErr(FormatOpenAI, err)
	}
	for _, call := range choice.Message.ToolCalls {
		parts = append(parts, models.ContentPart{
			Type:     models.PartToolCall,
			ToolCall: &models.ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments},
		})
	}

	resp := &models.CanonicalResponse{
		ID:           in.ID,
		Model:        in.Model,
		Created:      in.Created,
		Role:         models.RoleAssistant,
		Parts:        parts,
		FinishReason: openAIFinishToCanonical(choice.FinishReason),
	}
	if u := in.Usage.canonical(); u != nil {
		resp.Usage = *u
	}
	return resp, nil
}

type chatCompletionResponseOut struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []chatChoiceOut `json:"choices"`
	Usage   *openAIUsage    `json:"usage,omitempty"`
}

type chatChoiceOut struct {
	Index        int            `json:"index"`
	Message      chatMessageOut `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

// EncodeResponse renders a canonical response in the OpenAI shape.
func (*OpenAICodec) EncodeResponse(resp *models.CanonicalResponse) ([]byte, error) {
	var (
		text  []models.ContentPart
		calls []openAIToolCall
	)
	for _, p := range resp.Parts {
		switch p.Type {
		case models.PartText:
			text = append(text, p)
		case models.PartToolCall:
			calls = append(calls, openAIToolCall{
				ID:       p.ToolCall.ID,
				Type:     "function",
				Function: openAIFunctionCall{Name: p.ToolCall.Name, Arguments: string(argumentsObject(p.ToolCall.Arguments))},
			})
		}
	}

	var content any = resp.Text()
	if len(text) == 0 && len(calls) > 0 {
		content = nil
	}

	out := chatCompletionResponseOut{
		ID:      orDefault(resp.ID, "chatcmpl-"+uuid.NewString()),
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chatChoiceOut{{
			Index:        0,
			Message:      chatMessageOut{Role: models.RoleAssistant, Content: content, ToolCalls: calls},
			FinishReason: orDefault(resp.FinishReason, models.FinishStop),
		}},
		Usage: newOpenAIUsage(resp.Usage),
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode openai response: %w", err)
	}
	return body, nil
}

// EncodeError renders the OpenAI error envelope.
func (*OpenAICodec) EncodeError(info ErrorInfo) []byte {
	return openAIErrorBody(info)
}

func openAIErrorBody(info ErrorInfo) []byte {
	payload := map[string]any{
		"message": info.Message,
		"type":    info.Type,
	}
	if info.Code != "" {
		payload["code"] = info.Code
	}
	body, _ := json.Marshal(map[string]any{"error": payload})
	return body
}

func openAIFinishToCanonical(reason string) string {
	switch reason {
	case "function_call":
		return models.FinishToolCalls
	default:
		return reason
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
