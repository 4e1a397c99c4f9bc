package translator

import (
	"github.com/tidwall/gjson"
)

// Detect resolves the format of a request body. A non-empty hint, usually
// derived from the endpoint, wins over sniffing the body.
func (r *Registry) Detect(hint Format, body []byte) (Format, error) {
	if hint != "" {
		if _, err := r.Lookup(hint); err != nil {
			return "", err
		}
		return hint, nil
	}
	if !gjson.ValidBytes(body) {
		return "", &TranslationError{Err: errInvalidJSON}
	}

	root := gjson.ParseBytes(body)
	var detected Format
	switch {
	case root.Get("request.contents").IsArray():
		detected = FormatGeminiCLI
	case root.Get("contents").IsArray():
		detected = FormatGemini
	case root.Get("messages").IsArray():
		detected = FormatOpenAI
		if looksLikeClaude(root) {
			detected = FormatClaude
		}
	default:
		return "", &UnsupportedFormatError{}
	}

	if _, err := r.Lookup(detected); err != nil {
		return "", err
	}
	return detected, nil
}

func looksLikeClaude(root gjson.Result) bool {
	for _, key := range []string{"system", "anthropic_version", "stop_sequences", "top_k"} {
		if root.Get(key).Exists() {
			return true
		}
	}

	claude := false
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "tool_use", "tool_result":
				claude = true
			case "image":
				claude = block.Get("source").Exists()
			}
			return !claude
		})
		return !claude
	})
	return claude
}
