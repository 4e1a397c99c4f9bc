package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/models"
)

var (
	geminiKnownKeys = knownKeys(
		"contents", "systemInstruction", "system_instruction", "generationConfig", "tools", "toolConfig",
	)
	geminiGenerationKnownKeys = knownKeys(
		"maxOutputTokens", "temperature", "topP", "topK", "stopSequences",
		"frequencyPenalty", "presencePenalty", "seed",
	)
	geminiPartKnownKeys = knownKeys(
		"text", "thought", "inlineData", "fileData", "functionCall", "functionResponse",
	)
)

// GeminiCodec handles the generateContent wire format. The model and the
// stream flag travel in the URL, so they are not part of the body.
type GeminiCodec struct{}

// NewGemini returns the Gemini generateContent codec.
func NewGemini() *GeminiCodec { return &GeminiCodec{} }

func (*GeminiCodec) Format() Format { return FormatGemini }

type geminiRequest struct {
	Contents               []geminiContent         `json:"contents"`
	SystemInstruction      *geminiContent          `json:"systemInstruction,omitempty"`
	SystemInstructionSnake *geminiContent          `json:"system_instruction,omitempty"`
	GenerationConfig       *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools                  []geminiTool            `json:"tools,omitempty"`
	ToolConfig             *geminiToolConfig       `json:"toolConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`

	// raw replaces the whole part; extra is merged into it.
	raw   json.RawMessage
	extra map[string]json.RawMessage
}

func (p geminiPart) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	type plain geminiPart
	body, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	return mergeFields(body, p.extra)
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *geminiFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
}

func (u *geminiUsage) canonical() *models.Usage {
	if u == nil {
		return nil
	}
	usage := models.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount + u.ThoughtsTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}.Normalized()
	return &usage
}

// DecodeRequest parses a generateContent request body.
func (*GeminiCodec) DecodeRequest(raw []byte) (*models.CanonicalRequest, error) {
	fields := make(map[string]json.RawMessage)
	req, err := decodeGeminiRequest(raw, "", fields)
	if err != nil {
		return nil, translationErr(FormatGemini, err)
	}
	req.Passthrough = newPassthrough(FormatGemini, fields)
	return req, nil
}

func decodeGeminiRequest(raw []byte, prefix string, fields map[string]json.RawMessage) (*models.CanonicalRequest, error) {
	var in geminiRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode gemini request: %w", err)
	}
	if len(in.Contents) == 0 {
		return nil, errEmptyMessages
	}

	req := &models.CanonicalRequest{}

	system := in.SystemInstruction
	if system == nil {
		system = in.SystemInstructionSnake
	}
	if system != nil {
		for _, p := range system.Parts {
			if p.Text != "" {
				req.Messages = append(req.Messages, models.Message{
					Role:  models.RoleSystem,
					Parts: []models.ContentPart{models.TextPart(p.Text)},
				})
			}
		}
	}

	root := gjson.ParseBytes(raw)
	rawContents := root.Get("contents").Array()
	ids := &geminiCallIDs{pending: make(map[string][]string)}
	for i, c := range in.Contents {
		msg, err := c.toCanonical(ids, elementAt(rawContents, i))
		if err != nil {
			return nil, fmt.Errorf("contents[%d]: %w", i, err)
		}
		req.Messages = append(req.Messages, msg)
	}

	if cfg := in.GenerationConfig; cfg != nil {
		req.Sampling = models.Sampling{
			MaxTokens:        cfg.MaxOutputTokens,
			Temperature:      cfg.Temperature,
			TopP:             cfg.TopP,
			TopK:             cfg.TopK,
			Stop:             cfg.StopSequences,
			FrequencyPenalty: cfg.FrequencyPenalty,
			PresencePenalty:  cfg.PresencePenalty,
			Seed:             cfg.Seed,
		}
		if len(req.Sampling.Stop) == 0 {
			req.Sampling.Stop = nil
		}
	}

	for _, tool := range in.Tools {
		for _, decl := range tool.FunctionDeclarations {
			req.Tools = append(req.Tools, models.Tool{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  rawOrNil(decl.Parameters),
			})
		}
	}
	if in.ToolConfig != nil && in.ToolConfig.FunctionCallingConfig != nil {
		req.ToolChoice = geminiToolChoice(in.ToolConfig.FunctionCallingConfig)
	}

	captureUnknown(root, prefix, geminiKnownKeys, fields)
	captureUnknown(root.Get("generationConfig"), prefix+"generationConfig.", geminiGenerationKnownKeys, fields)
	return req, nil
}

// geminiCallIDs assigns stable ids to function calls that carry none and
// pairs function responses with the oldest pending call of the same name.
type geminiCallIDs struct {
	next    int
	pending map[string][]string
}

func (g *geminiCallIDs) call(id, name string) string {
	if id == "" {
		id = fmt.Sprintf("call_%d", g.next)
		g.next++
	}
	g.pending[name] = append(g.pending[name], id)
	return id
}

func (g *geminiCallIDs) response(id, name string) string {
	queue := g.pending[name]
	if id != "" {
		for i, pending := range queue {
			if pending == id {
				g.pending[name] = append(queue[:i:i], queue[i+1:]...)
				break
			}
		}
		return id
	}
	if len(queue) == 0 {
		return ""
	}
	g.pending[name] = queue[1:]
	return queue[0]
}

// toCanonical converts one content entry; src is its raw JSON, used to keep
// part fields the canonical schema does not model.
func (c geminiContent) toCanonical(ids *geminiCallIDs, src gjson.Result) (models.Message, error) {
	var role string
	switch c.Role {
	case "", "user":
		role = models.RoleUser
	case "model":
		role = models.RoleAssistant
	case "function", "tool":
		role = models.RoleTool
	default:
		return models.Message{}, fmt.Errorf("%w: %s", errInvalidRole, c.Role)
	}

	var (
		parts    []models.ContentPart
		results  int
		rawParts = src.Get("parts").Array()
	)
	for i, p := range c.Parts {
		raw := elementAt(rawParts, i)
		var part models.ContentPart
		switch {
		case p.FunctionCall != nil:
			args := compactJSON(string(p.FunctionCall.Args))
			if args == "" {
				args = "{}"
			}
			part = models.ContentPart{
				Type: models.PartToolCall,
				ToolCall: &models.ToolCall{
					ID:        ids.call(p.FunctionCall.ID, p.FunctionCall.Name),
					Name:      p.FunctionCall.Name,
					Arguments: args,
				},
			}
		case p.FunctionResponse != nil:
			results++
			part = models.ContentPart{
				Type: models.PartToolResult,
				ToolResult: &models.ToolResult{
					CallID:  ids.response(p.FunctionResponse.ID, p.FunctionResponse.Name),
					Name:    p.FunctionResponse.Name,
					Content: compactJSON(string(p.FunctionResponse.Response)),
				},
			}
		case p.InlineData != nil:
			part = models.ContentPart{
				Type:  models.PartImage,
				Image: &models.Image{MediaType: p.InlineData.MimeType, Data: p.InlineData.Data},
			}
		case p.FileData != nil:
			part = models.ContentPart{
				Type:  models.PartImage,
				Image: &models.Image{URL: p.FileData.FileURI, MediaType: p.FileData.MimeType},
			}
		case p.Thought:
			if raw.Exists() {
				parts = append(parts, opaquePart(FormatGemini, raw))
			}
			continue
		case p.Text != "":
			part = models.TextPart(p.Text)
		default:
			// A part carrying only vendor keys, such as a bare thoughtSignature.
			if partVendor(FormatGemini, raw, geminiPartKnownKeys) != nil {
				parts = append(parts, opaquePart(FormatGemini, raw))
			}
			continue
		}
		part.Vendor = partVendor(FormatGemini, raw, geminiPartKnownKeys)
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		return models.Message{}, fmt.Errorf("%w: content has no parts", errInvalidContent)
	}
	if results == len(parts) {
		role = models.RoleTool
	}
	return models.Message{Role: role, Parts: parts}, nil
}

func geminiToolChoice(cfg *geminiFunctionCallingConfig) *models.ToolChoice {
	switch strings.ToUpper(cfg.Mode) {
	case "NONE":
		return &models.ToolChoice{Mode: models.ToolChoiceNone}
	case "ANY":
		if len(cfg.AllowedFunctionNames) == 1 {
			return &models.ToolChoice{Mode: models.ToolChoiceTool, Name: cfg.AllowedFunctionNames[0]}
		}
		return &models.ToolChoice{Mode: models.ToolChoiceRequired}
	default:
		return &models.ToolChoice{Mode: models.ToolChoiceAuto}
	}
}

// EncodeRequest renders a canonical request as a generateContent body.
func (*GeminiCodec) EncodeRequest(req *models.CanonicalRequest) ([]byte, error) {
	body, err := geminiRequestBody(req)
	if err != nil {
		return nil, err
	}
	return applyPassthrough(body, FormatGemini, req.Passthrough)
}

func geminiRequestBody(req *models.CanonicalRequest) ([]byte, error) {
	var out geminiRequest
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: m.Text()})
			continue
		}

		parts := geminiParts(m.Parts)
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		if m.Role == models.RoleTool {
			if n := len(out.Contents); n > 0 && onlyFunctionResponses(out.Contents[n-1].Parts) {
				out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, parts...)
				continue
			}
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
	}

	s := req.Sampling
	if s.MaxTokens != nil || s.Temperature != nil || s.TopP != nil || s.TopK != nil || len(s.Stop) > 0 ||
		s.FrequencyPenalty != nil || s.PresencePenalty != nil || s.Seed != nil {
		out.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens:  s.MaxTokens,
			Temperature:      s.Temperature,
			TopP:             s.TopP,
			TopK:             s.TopK,
			StopSequences:    s.Stop,
			FrequencyPenalty: s.FrequencyPenalty,
			PresencePenalty:  s.PresencePenalty,
			Seed:             s.Seed,
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  cleanGeminiSchema(t.Parameters),
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		cfg := &geminiFunctionCallingConfig{}
		switch req.ToolChoice.Mode {
		case models.ToolChoiceNone:
			cfg.Mode = "NONE"
		case models.ToolChoiceRequired:
			cfg.Mode = "ANY"
		case models.ToolChoiceTool:
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{req.ToolChoice.Name}
		default:
			cfg.Mode = "AUTO"
		}
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: cfg}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}
	return body, nil
}

func geminiParts(parts []models.ContentPart) []geminiPart {
	out := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		var part geminiPart
		switch p.Type {
		case models.PartText:
			part = geminiPart{Text: p.Text}
		case models.PartImage:
			if p.Image.Data != "" {
				part = geminiPart{InlineData: &geminiBlob{MimeType: p.Image.MediaType, Data: p.Image.Data}}
			} else {
				part = geminiPart{FileData: &geminiFileData{MimeType: p.Image.MediaType, FileURI: p.Image.URL}}
			}
		case models.PartToolCall:
			part = geminiPart{FunctionCall: &geminiFunctionCall{
				ID:   p.ToolCall.ID,
				Name: p.ToolCall.Name,
				Args: argumentsObject(p.ToolCall.Arguments),
			}}
		case models.PartToolResult:
			part = geminiPart{FunctionResponse: &geminiFunctionResponse{
				ID:       p.ToolResult.CallID,
				Name:     orDefault(p.ToolResult.Name, p.ToolResult.CallID),
				Response: responseObject(p.ToolResult.Content),
			}}
		case models.PartOpaque:
			if !p.Vendor.For(string(FormatGemini)) {
				continue
			}
			part = geminiPart{raw: p.Vendor.Raw}
		default:
			continue
		}
		part.extra = vendorFields(FormatGemini, p)
		out = append(out, part)
	}
	return out
}

func onlyFunctionResponses(parts []geminiPart) bool {
	for _, p := range parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(parts) > 0
}

// responseObject wraps tool output into the object functionResponse expects.
func responseObject(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if gjson.Valid(trimmed) && gjson.Parse(trimmed).IsObject() {
		return json.RawMessage(compactJSON(trimmed))
	}
	wrapped, _ := json.Marshal(map[string]string{"content": content})
	return wrapped
}

// cleanGeminiSchema strips JSON-schema keywords the Gemini schema dialect
// rejects. Schemas without them are returned untouched.
func cleanGeminiSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return nil
	}
	s := string(schema)
	if !strings.Contains(s, `"$schema"`) && !strings.Contains(s, `"additionalProperties"`) {
		return schema
	}
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return schema
	}
	stripSchemaKeys(doc)
	cleaned, err := json.Marshal(doc)
	if err != nil {
		return schema
	}
	return cleaned
}

func stripSchemaKeys(node any) {
	switch v := node.(type) {
	case map[string]any:
		delete(v, "$schema")
		delete(v, "additionalProperties")
		for _, child := range v {
			stripSchemaKeys(child)
		}
	case []any:
		for _, child := range v {
			stripSchemaKeys(child)
		}
	}
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	UsageMetadata  *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion   string            `json:"modelVersion,omitempty"`
	ResponseID     string            `json:"responseId,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// DecodeResponse parses a whole generateContent response.
func (*GeminiCodec) DecodeResponse(raw []byte) (*models.CanonicalResponse, error) {
	resp, err := decodeGeminiResponse(raw)
	if err != nil {
		return nil, translationErr(FormatGemini, err)
	}
	return resp, nil
}

func decodeGeminiResponse(raw []byte) (*models.CanonicalResponse, error) {
	var in geminiResponse
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}

	resp := &models.CanonicalResponse{
		ID:    in.ResponseID,
		Model: in.ModelVersion,
		Role:  models.RoleAssistant,
	}
	if u := in.UsageMetadata.canonical(); u != nil {
		resp.Usage = *u
	}
	if len(in.Candidates) == 0 {
		if in.PromptFeedback != nil && in.PromptFeedback.BlockReason != "" {
			resp.FinishReason = models.FinishContentFilter
		}
		return resp, nil
	}

	candidate := in.Candidates[0]
	for _, p := range candidate.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args := compactJSON(string(p.FunctionCall.Args))
			if args == "" {
				args = "{}"
			}
			resp.Parts = append(resp.Parts, models.ContentPart{
				Type: models.PartToolCall,
				ToolCall: &models.ToolCall{
					ID:        orDefault(p.FunctionCall.ID, "call_"+uuid.NewString()),
					Name:      p.FunctionCall.Name,
					Arguments: args,
				},
			})
		case p.Thought:
		case p.Text != "":
			resp.Parts = append(resp.Parts, models.TextPart(p.Text))
		}
	}
	resp.FinishReason = geminiFinishToCanonical(candidate.FinishReason, len(resp.ToolCalls()) > 0)
	return resp, nil
}

// EncodeResponse renders a canonical response in the generateContent shape.
func (*GeminiCodec) EncodeResponse(resp *models.CanonicalResponse) ([]byte, error) {
	body, err := json.Marshal(geminiResponseFrom(resp))
	if err != nil {
		return nil, fmt.Errorf("encode gemini response: %w", err)
	}
	return body, nil
}

func geminiResponseFrom(resp *models.CanonicalResponse) geminiResponse {
	parts := geminiParts(resp.Parts)
	usage := resp.Usage.Normalized()
	return geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: parts},
			FinishReason: canonicalToGeminiFinish(resp.FinishReason),
		}},
		UsageMetadata: &geminiUsage{
			PromptTokenCount:     usage.PromptTokens,
			CandidatesTokenCount: usage.CompletionTokens,
			TotalTokenCount:      usage.TotalTokens,
		},
		ModelVersion: resp.Model,
		ResponseID:   resp.ID,
	}
}

// EncodeError renders the Google API error envelope.
func (*GeminiCodec) EncodeError(info ErrorInfo) []byte {
	return geminiErrorBody(info)
}

func geminiErrorBody(info ErrorInfo) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    info.Status,
			"message": info.Message,
			"status":  googleStatus(info.Status),
		},
	})
	return body
}

func googleStatus(status int) string {
	switch status {
	case 400, 413:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 403:
		return "PERMISSION_DENIED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 499:
		return "CANCELLED"
	case 502, 503:
		return "UNAVAILABLE"
	case 504:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}

func geminiFinishToCanonical(reason string, sawToolCall bool) string {
	switch strings.ToUpper(reason) {
	case "":
		return ""
	case "STOP":
		if sawToolCall {
			return models.FinishToolCalls
		}
		return models.FinishStop
	case "MAX_TOKENS":
		return models.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return models.FinishContentFilter
	default:
		return models.FinishError
	}
}

func canonicalToGeminiFinish(reason string) string {
	switch reason {
	case models.FinishLength:
		return "MAX_TOKENS"
	case models.FinishContentFilter:
		return "SAFETY"
	case models.FinishError:
		return "OTHER"
	default:
		return "STOP"
	}
}
