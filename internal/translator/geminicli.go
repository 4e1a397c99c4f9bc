package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"combo-gateway/internal/models"
)

var geminiCLIKnownKeys = knownKeys("model", "request")

// GeminiCLICodec handles the Cloud Code Assist envelope around Gemini
// requests: {"model", "project", "request": {...}} and {"response": {...}}.
type GeminiCLICodec struct{}

// NewGeminiCLI returns the Cloud Code Assist codec.
func NewGeminiCLI() *GeminiCLICodec { return &GeminiCLICodec{} }

func (*GeminiCLICodec) Format() Format { return FormatGeminiCLI }

// DecodeRequest unwraps the envelope and decodes the inner Gemini request.
func (*GeminiCLICodec) DecodeRequest(raw []byte) (*models.CanonicalRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, translationErr(FormatGeminiCLI, errInvalidJSON)
	}
	root := gjson.ParseBytes(raw)

	model := strings.TrimSpace(root.Get("model").String())
	if model == "" {
		return nil, translationErr(FormatGeminiCLI, errEmptyModel)
	}
	inner := root.Get("request")
	if !inner.IsObject() {
		return nil, translationErr(FormatGeminiCLI, errors.New("request envelope is missing"))
	}

	fields := make(map[string]json.RawMessage)
	req, err := decodeGeminiRequest([]byte(inner.Raw), "request.", fields)
	if err != nil {
		return nil, translationErr(FormatGeminiCLI, err)
	}
	captureUnknown(root, "", geminiCLIKnownKeys, fields)

	req.Model = model
	req.Passthrough = newPassthrough(FormatGeminiCLI, fields)
	return req, nil
}

// EncodeRequest wraps a Gemini request body in the envelope.
func (*GeminiCLICodec) EncodeRequest(req *models.CanonicalRequest) ([]byte, error) {
	inner, err := geminiRequestBody(req)
	if err != nil {
		return nil, err
	}
	body, err := sjson.SetBytes([]byte(`{}`), "model", req.Model)
	if err != nil {
		return nil, fmt.Errorf("encode gemini-cli envelope: %w", err)
	}
	body, err = sjson.SetRawBytes(body, "request", inner)
	if err != nil {
		return nil, fmt.Errorf("encode gemini-cli envelope: %w", err)
	}
	return applyPassthrough(body, FormatGeminiCLI, req.Passthrough)
}

// DecodeResponse unwraps {"response": ...} when present.
func (*GeminiCLICodec) DecodeResponse(raw []byte) (*models.CanonicalResponse, error) {
	if inner := gjson.GetBytes(raw, "response"); inner.IsObject() {
		raw = []byte(inner.Raw)
	}
	resp, err := decodeGeminiResponse(raw)
	if err != nil {
		return nil, translationErr(FormatGeminiCLI, err)
	}
	return resp, nil
}

// EncodeResponse renders the Gemini response inside the envelope.
func (*GeminiCLICodec) EncodeResponse(resp *models.CanonicalResponse) ([]byte, error) {
	body, err := json.Marshal(map[string]any{"response": geminiResponseFrom(resp)})
	if err != nil {
		return nil, fmt.Errorf("encode gemini-cli response: %w", err)
	}
	return body, nil
}

func (*GeminiCLICodec) NewStreamDecoder() StreamDecoder {
	return &geminiStreamDecoder{format: FormatGeminiCLI, envelope: true}
}

func (*GeminiCLICodec) NewStreamEncoder() StreamEncoder {
	return &geminiStreamEncoder{envelope: true}
}

func (*GeminiCLICodec) EncodeError(info ErrorInfo) []byte {
	return geminiErrorBody(info)
}
