package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/models"
)

var (
	errClaudeMaxTokens       = errors.New("max_tokens is required")
	errClaudeInvalidSystem   = errors.New("invalid system prompt")
	errClaudeUnsupportedStop = errors.New("unsupported stop sequences")
)

// claudeDefaultMaxTokens is used when the canonical request leaves the limit
// open; the Messages API requires one.
const claudeDefaultMaxTokens = 4096

var claudeKnownKeys = knownKeys(
	"model", "max_tokens", "messages", "system", "stream", "temperature", "top_p", "top_k",
	"stop_sequences", "tools", "tool_choice",
)

var claudeBlockKnownKeys = knownKeys(
	"type", "text", "source", "id", "name", "input", "tool_use_id", "content", "is_error",
)

// ClaudeCodec handles the Anthropic /v1/messages wire format.
type ClaudeCodec struct{}

// NewClaude returns the Anthropic Messages codec.
func NewClaude() *ClaudeCodec { return &ClaudeCodec{} }

func (*ClaudeCodec) Format() Format { return FormatClaude }

// claudeMessageRequest models the Anthropic Claude /v1/messages payload.
type claudeMessageRequest struct {
	Model         string          `json:"model"`
	MaxTokens     *int            `json:"max_tokens"`
	Messages      []claudeMessage `json:"messages"`
	System        json.RawMessage `json:"system"`
	Stream        bool            `json:"stream"`
	Temperature   *float64        `json:"temperature"`
	TopP          *float64        `json:"top_p"`
	TopK          *int            `json:"top_k"`
	StopSequences json.RawMessage `json:"stop_sequences"`
	Tools         []claudeTool    `json:"tools"`
	ToolChoice    json.RawMessage `json:"tool_choice"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string             `json:"type"`
	Text      string             `json:"text,omitempty"`
	Source    *claudeImageSource `json:"source,omitempty"`
	ID        string             `json:"id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Input     json.RawMessage    `json:"input,omitempty"`
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   json.RawMessage    `json:"content,omitempty"`
	IsError   bool               `json:"is_error,omitempty"`

	// raw replaces the whole block; extra is merged into it.
	raw   json.RawMessage
	extra map[string]json.RawMessage
}

func (b claudeBlock) MarshalJSON() ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	type plain claudeBlock
	body, err := json.Marshal(plain(b))
	if err != nil {
		return nil, err
	}
	return mergeFields(body, b.extra)
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

func (u claudeUsage) canonical() models.Usage {
	return models.Usage{
		PromptTokens:     u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens,
		CompletionTokens: u.OutputTokens,
	}.Normalized()
}

// DecodeRequest parses and validates a Messages API request.
func (*ClaudeCodec) DecodeRequest(raw []byte) (*models.CanonicalRequest, error) {
	var in claudeMessageRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, translationErr(FormatClaude, fmt.Errorf("decode claude request: %w", err))
	}

	req, err := in.toCanonical()
	if err != nil {
		return nil, translationErr(FormatClaude, err)
	}

	fields := make(map[string]json.RawMessage)
	captureUnknown(gjson.ParseBytes(raw), "", claudeKnownKeys, fields)
	req.Passthrough = newPassthrough(FormatClaude, fields)
	return req, nil
}

func (r claudeMessageRequest) toCanonical() (*models.CanonicalRequest, error) {
	model := strings.TrimSpace(r.Model)
	if model == "" {
		return nil, errEmptyModel
	}
	if r.MaxTokens == nil {
		return nil, errClaudeMaxTokens
	}
	if len(r.Messages) == 0 {
		return nil, errEmptyMessages
	}

	systemPrompts, err := parseClaudeSystem(r.System)
	if err != nil {
		return nil, err
	}
	stops, err := parseClaudeStops(r.StopSequences)
	if err != nil {
		return nil, err
	}
	choice, err := parseClaudeToolChoice(r.ToolChoice)
	if err != nil {
		return nil, err
	}

	req := &models.CanonicalRequest{
		Model:  model,
		Stream: r.Stream,
		Sampling: models.Sampling{
			MaxTokens:   r.MaxTokens,
			Temperature: r.Temperature,
			TopP:        r.TopP,
			TopK:        r.TopK,
			Stop:        stops,
		},
		ToolChoice: choice,
	}

	for _, part := range systemPrompts {
		req.Messages = append(req.Messages, models.Message{
			Role:  models.RoleSystem,
			Parts: []models.ContentPart{part},
		})
	}

	names := make(toolNames)
	for i, m := range r.Messages {
		msg, err := m.toCanonical(names)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		names.record(msg)
		req.Messages = append(req.Messages, msg)
	}

	for i, t := range r.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("tools[%d]: name is required", i)
		}
		req.Tools = append(req.Tools, models.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  rawOrNil(t.InputSchema),
		})
	}
	return req, nil
}

func (m claudeMessage) toCanonical(names toolNames) (models.Message, error) {
	role := strings.TrimSpace(m.Role)
	switch role {
	case models.RoleUser, models.RoleAssistant:
	default:
		return models.Message{}, fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}

	blocks, err := parseClaudeContent(m.Content)
	if err != nil {
		return models.Message{}, err
	}

	var (
		parts   []models.ContentPart
		results int
		raws    = rawElements(m.Content)
	)
	for i, block := range blocks {
		src := elementAt(raws, i)
		var part models.ContentPart
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			part = models.TextPart(block.Text)
		case "image":
			img, err := claudeImage(block.Source)
			if err != nil {
				return models.Message{}, err
			}
			part = models.ContentPart{Type: models.PartImage, Image: img}
		case "tool_use":
			args := compactJSON(string(block.Input))
			if args == "" {
				args = "{}"
			}
			part = models.ContentPart{
				Type:     models.PartToolCall,
				ToolCall: &models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args},
			}
		case "tool_result":
			results++
			part = models.ContentPart{
				Type: models.PartToolResult,
				ToolResult: &models.ToolResult{
					CallID:  block.ToolUseID,
					Name:    names[block.ToolUseID],
					Content: claudeToolResultText(block.Content),
					IsError: block.IsError,
				},
			}
		case "thinking", "redacted_thinking":
			if src.Exists() {
				parts = append(parts, opaquePart(FormatClaude, src))
			}
			continue
		default:
			return models.Message{}, fmt.Errorf("%w: unsupported block type %q", errInvalidContent, block.Type)
		}
		part.Vendor = partVendor(FormatClaude, src, claudeBlockKnownKeys)
		if block.Type == "tool_result" && src.Get("content").IsArray() {
			part.Vendor = withField(part.Vendor, FormatClaude, "content", src.Get("content"))
		}
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		return models.Message{}, errInvalidContent
	}
	if results == len(parts) {
		role = models.RoleTool
	}
	return models.Message{Role: role, Parts: parts}, nil
}

func parseClaudeContent(raw json.RawMessage) ([]claudeBlock, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []claudeBlock{{Type: "text", Text: text}}, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}
	return blocks, nil
}

func claudeImage(src *claudeImageSource) (*models.Image, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: image block without source", errInvalidContent)
	}
	switch src.Type {
	case "base64":
		return &models.Image{MediaType: src.MediaType, Data: src.Data}, nil
	case "url":
		return &models.Image{URL: src.URL}, nil
	default:
		return nil, fmt.Errorf("%w: image source type %q not supported", errInvalidContent, src.Type)
	}
}

func claudeToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return compactJSON(string(raw))
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// parseClaudeSystem returns one text part per system block. Text is kept as
// sent; blank blocks are dropped.
func parseClaudeSystem(raw json.RawMessage) ([]models.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, nil
		}
		return []models.ContentPart{models.TextPart(single)}, nil
	}

	var multiple []string
	if err := json.Unmarshal(raw, &multiple); err == nil {
		out := make([]models.ContentPart, 0, len(multiple))
		for _, item := range multiple {
			if strings.TrimSpace(item) != "" {
				out = append(out, models.TextPart(item))
			}
		}
		return out, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		raws := rawElements(raw)
		out := make([]models.ContentPart, 0, len(blocks))
		for i, block := range blocks {
			if block.Type != "" && block.Type != "text" {
				return nil, fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidSystem, block.Type)
			}
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			part := models.TextPart(block.Text)
			part.Vendor = partVendor(FormatClaude, elementAt(raws, i), claudeBlockKnownKeys)
			out = append(out, part)
		}
		return out, nil
	}

	return nil, errClaudeInvalidSystem
}

func parseClaudeStops(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var stops []string
	if err := json.Unmarshal(raw, &stops); err != nil {
		return nil, errClaudeUnsupportedStop
	}
	for _, stop := range stops {
		if strings.TrimSpace(stop) == "" {
			return nil, errClaudeUnsupportedStop
		}
	}
	if len(stops) == 0 {
		return nil, nil
	}
	return stops, nil
}

func parseClaudeToolChoice(raw json.RawMessage) (*models.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil, errors.New("unsupported tool_choice structure")
	}
	switch choice.Type {
	case "auto":
		return &models.ToolChoice{Mode: models.ToolChoiceAuto}, nil
	case "any":
		return &models.ToolChoice{Mode: models.ToolChoiceRequired}, nil
	case "none":
		return &models.ToolChoice{Mode: models.ToolChoiceNone}, nil
	case "tool":
		if choice.Name == "" {
			return nil, errors.New("tool_choice of type tool requires a name")
		}
		return &models.ToolChoice{Mode: models.ToolChoiceTool, Name: choice.Name}, nil
	default:
		return nil, fmt.Errorf("unsupported tool_choice %q", choice.Type)
	}
}

type claudeRequestOut struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        any                `json:"system,omitempty"`
	Messages      []claudeMessageOut `json:"messages"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []claudeTool       `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
}

type claudeMessageOut struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// EncodeRequest renders a canonical request as a Messages API body.
func (*ClaudeCodec) EncodeRequest(req *models.CanonicalRequest) ([]byte, error) {
	out := claudeRequestOut{
		Model:         req.Model,
		MaxTokens:     claudeDefaultMaxTokens,
		Stream:        req.Stream,
		Temperature:   req.Sampling.Temperature,
		TopP:          req.Sampling.TopP,
		TopK:          req.Sampling.TopK,
		StopSequences: req.Sampling.Stop,
	}
	if req.Sampling.MaxTokens != nil {
		out.MaxTokens = *req.Sampling.MaxTokens
	}

	var system []claudeBlock
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			block := claudeBlock{Type: "text", Text: m.Text()}
			if len(m.Parts) == 1 {
				block.extra = vendorFields(FormatClaude, m.Parts[0])
			}
			system = append(system, block)
			continue
		}
		blocks := claudeBlocks(m.Parts)
		role := m.Role
		if role == models.RoleTool {
			role = models.RoleUser
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == models.RoleUser {
				if prev, ok := out.Messages[n-1].Content.([]claudeBlock); ok && onlyToolResults(prev) {
					out.Messages[n-1].Content = append(prev, blocks...)
					continue
				}
			}
		}
		out.Messages = append(out.Messages, claudeMessageOut{Role: role, Content: claudeContent(m.Role, blocks)})
	}

	switch {
	case len(system) == 0:
	case len(system) == 1 && len(system[0].extra) == 0:
		out.System = system[0].Text
	default:
		out.System = system
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = claudeToolChoice(req.ToolChoice)
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode claude request: %w", err)
	}
	return applyPassthrough(body, FormatClaude, req.Passthrough)
}

func claudeBlocks(parts []models.ContentPart) []claudeBlock {
	blocks := make([]claudeBlock, 0, len(parts))
	for _, p := range parts {
		var block claudeBlock
		switch p.Type {
		case models.PartText:
			block = claudeBlock{Type: "text", Text: p.Text}
		case models.PartImage:
			src := &claudeImageSource{Type: "url", URL: p.Image.URL}
			if p.Image.Data != "" {
				src = &claudeImageSource{Type: "base64", MediaType: p.Image.MediaType, Data: p.Image.Data}
			}
			block = claudeBlock{Type: "image", Source: src}
		case models.PartToolCall:
			block = claudeBlock{
				Type:  "tool_use",
				ID:    p.ToolCall.ID,
				Name:  p.ToolCall.Name,
				Input: argumentsObject(p.ToolCall.Arguments),
			}
		case models.PartToolResult:
			content, _ := json.Marshal(p.ToolResult.Content)
			block = claudeBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolResult.CallID,
				Content:   content,
				IsError:   p.ToolResult.IsError,
			}
		case models.PartOpaque:
			if !p.Vendor.For(string(FormatClaude)) {
				continue
			}
			block = claudeBlock{Type: gjson.GetBytes(p.Vendor.Raw, "type").String(), raw: p.Vendor.Raw}
		default:
			continue
		}
		block.extra = vendorFields(FormatClaude, p)
		blocks = append(blocks, block)
	}
	return blocks
}

func claudeContent(role string, blocks []claudeBlock) any {
	if role != models.RoleTool && len(blocks) == 1 && blocks[0].Type == "text" && len(blocks[0].extra) == 0 {
		return blocks[0].Text
	}
	return blocks
}

func onlyToolResults(blocks []claudeBlock) bool {
	for _, b := range blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(blocks) > 0
}

func claudeToolChoice(choice *models.ToolChoice) map[string]string {
	switch choice.Mode {
	case models.ToolChoiceRequired:
		return map[string]string{"type": "any"}
	case models.ToolChoiceNone:
		return map[string]string{"type": "none"}
	case models.ToolChoiceTool:
		return map[string]string{"type": "tool", "name": choice.Name}
	default:
		return map[string]string{"type": "auto"}
	}
}

// claudeMessageResponse models the Anthropic response payload.
type claudeMessageResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []claudeBlock `json:"content"`
	StopReason   string        `json:"stop_reason"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        claudeUsage   `json:"usage"`
}

// DecodeResponse parses a whole Messages API response.
func (*ClaudeCodec) DecodeResponse(raw []byte) (*models.CanonicalResponse, error) {
	var in claudeMessageResponse
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, translationErr(FormatClaude, fmt.Errorf("decode claude response: %w", err))
	}
	if in.Type == "error" {
		return nil, &StreamError{Type: gjson.GetBytes(raw, "error.type").String(), Message: gjson.GetBytes(raw, "error.message").String()}
	}

	resp := &models.CanonicalResponse{
		ID:           in.ID,
		Model:        in.Model,
		Role:         models.RoleAssistant,
		FinishReason: claudeStopToCanonical(in.StopReason),
		Usage:        in.Usage.canonical(),
	}
	for _, block := range in.Content {
		switch block.Type {
		case "text":
			resp.Parts = append(resp.Parts, models.TextPart(block.Text))
		case "tool_use":
			args := compactJSON(string(block.Input))
			if args == "" {
				args = "{}"
			}
			resp.Parts = append(resp.Parts, models.ContentPart{
				Type:     models.PartToolCall,
				ToolCall: &models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args},
			})
		}
	}
	return resp, nil
}

// EncodeResponse renders a canonical response in the Anthropic shape.
func (*ClaudeCodec) EncodeResponse(resp *models.CanonicalResponse) ([]byte, error) {
	calls := resp.ToolCalls()
	content := make([]claudeBlock, 0, 1+len(calls))
	if text := resp.Text(); text != "" || len(calls) == 0 {
		content = append(content, claudeBlock{Type: "text", Text: text})
	}
	for _, call := range calls {
		content = append(content, claudeBlock{
			Type:  "tool_use",
			ID:    orDefault(call.ID, "toolu_"+uuid.NewString()),
			Name:  call.Name,
			Input: argumentsObject(call.Arguments),
		})
	}

	usage := resp.Usage.Normalized()
	out := claudeMessageResponse{
		ID:         orDefault(resp.ID, "msg_"+uuid.NewString()),
		Type:       "message",
		Role:       models.RoleAssistant,
		Model:      resp.Model,
		Content:    content,
		StopReason: canonicalToClaudeStop(resp.FinishReason),
		Usage:      claudeUsage{InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens},
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode claude response: %w", err)
	}
	return body, nil
}

// EncodeError renders the Anthropic error envelope.
func (*ClaudeCodec) EncodeError(info ErrorInfo) []byte {
	return claudeErrorBody(info)
}

func claudeErrorBody(info ErrorInfo) []byte {
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    claudeErrorType(info),
			"message": info.Message,
		},
	})
	return body
}

func claudeErrorType(info ErrorInfo) string {
	switch info.Status {
	case 400, 404, 413:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 429:
		return "rate_limit_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func claudeStopToCanonical(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return models.FinishStop
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return models.FinishToolCalls
	case "refusal":
		return models.FinishContentFilter
	default:
		return reason
	}
}

func canonicalToClaudeStop(reason string) string {
	switch reason {
	case models.FinishLength:
		return "max_tokens"
	case models.FinishToolCalls:
		return "tool_use"
	case models.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}
