package translator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"combo-gateway/internal/models"
)

// captureUnknown records every key of obj not listed in known, under
// prefix+key. The raw values are compacted so that re-encoding is stable.
func captureUnknown(obj gjson.Result, prefix string, known map[string]struct{}, into map[string]json.RawMessage) {
	if !obj.IsObject() {
		return
	}
	obj.ForEach(func(key, value gjson.Result) bool {
		if _, ok := known[key.String()]; ok {
			return true
		}
		into[prefix+escapePathKey(key.String())] = json.RawMessage(compactJSON(value.Raw))
		return true
	})
}

// partVendor captures the keys of one raw block that the canonical part does
// not model. It returns nil when there are none.
func partVendor(f Format, block gjson.Result, known map[string]struct{}) *models.VendorData {
	fields := make(map[string]json.RawMessage)
	captureUnknown(block, "", known, fields)
	if len(fields) == 0 {
		return nil
	}
	return &models.VendorData{Format: string(f), Fields: fields}
}

// withField adds one raw field to v, allocating it when nil.
func withField(v *models.VendorData, f Format, key string, value gjson.Result) *models.VendorData {
	if v == nil {
		v = &models.VendorData{Format: string(f), Fields: make(map[string]json.RawMessage)}
	}
	v.Fields[escapePathKey(key)] = json.RawMessage(compactJSON(value.Raw))
	return v
}

// opaquePart keeps a whole raw block for re-emission in the same format.
func opaquePart(f Format, block gjson.Result) models.ContentPart {
	return models.ContentPart{
		Type:   models.PartOpaque,
		Vendor: &models.VendorData{Format: string(f), Raw: json.RawMessage(compactJSON(block.Raw))},
	}
}

// vendorFields returns the captured fields of p that apply to f.
func vendorFields(f Format, p models.ContentPart) map[string]json.RawMessage {
	if !p.Vendor.For(string(f)) {
		return nil
	}
	return p.Vendor.Fields
}

// mergeFields sets each field onto the encoded object body.
func mergeFields(body []byte, fields map[string]json.RawMessage) ([]byte, error) {
	var err error
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		body, err = sjson.SetRawBytes(body, key, fields[key])
		if err != nil {
			return nil, fmt.Errorf("apply vendor field %q: %w", key, err)
		}
	}
	return body, nil
}

// rawElements returns the elements of a JSON array, or nil for any other
// value.
func rawElements(raw []byte) []gjson.Result {
	r := gjson.ParseBytes(raw)
	if !r.IsArray() {
		return nil
	}
	return r.Array()
}

func elementAt(elems []gjson.Result, i int) gjson.Result {
	if i < len(elems) {
		return elems[i]
	}
	return gjson.Result{}
}

func newPassthrough(f Format, fields map[string]json.RawMessage) *models.Passthrough {
	if len(fields) == 0 {
		return nil
	}
	return &models.Passthrough{Format: string(f), Fields: fields}
}

// applyPassthrough merges side-channel fields into body when they were
// captured from the same format.
func applyPassthrough(body []byte, f Format, p *models.Passthrough) ([]byte, error) {
	if !p.For(string(f)) {
		return body, nil
	}
	var err error
	for _, key := range p.Keys() {
		body, err = sjson.SetRawBytes(body, key, p.Fields[key])
		if err != nil {
			return nil, fmt.Errorf("apply passthrough field %q: %w", key, err)
		}
	}
	return body, nil
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func escapePathKey(key string) string {
	return pathEscaper.Replace(key)
}

func compactJSON(raw string) string {
	if raw == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return strings.TrimSpace(raw)
	}
	return buf.String()
}

// argumentsObject returns tool arguments as a JSON object, wrapping text that
// is not a valid document.
func argumentsObject(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(compactJSON(trimmed))
	}
	wrapped, _ := json.Marshal(map[string]string{"arguments": args})
	return wrapped
}

func rawOrNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.RawMessage(compactJSON(string(raw)))
}

func knownKeys(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// toolNames maps call ids to tool names from the assistant turns seen so far.
type toolNames map[string]string

func (t toolNames) record(msg models.Message) {
	for _, p := range msg.Parts {
		if p.Type == models.PartToolCall && p.ToolCall != nil {
			t[p.ToolCall.ID] = p.ToolCall.Name
		}
	}
}
