package cursor

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"combo-gateway/internal/models"
)

type field struct {
	num   protowire.Number
	value string
}

func fields(t *testing.T, msg []byte) []field {
	t.Helper()
	var out []field
	require.NoError(t, walkFields(msg, func(num protowire.Number, typ protowire.Type, value []byte) error {
		out = append(out, field{num: num, value: string(value)})
		return nil
	}))
	return out
}

func TestEncodeRequest_FieldLayout(t *testing.T) {
	req := &models.CanonicalRequest{
		Model: "claude-4-sonnet",
		Messages: []models.Message{
			{Role: models.RoleSystem, Parts: []models.ContentPart{models.TextPart("be brief")}},
			{Role: models.RoleUser, Parts: []models.ContentPart{models.TextPart("hi")}},
			{Role: models.RoleAssistant, Parts: []models.ContentPart{models.TextPart("hello")}},
		},
	}
	n := 0
	payload := encodeRequest(req, "conv-1", func() string {
		n++
		return fmt.Sprintf("bubble-%d", n)
	})

	outer := fields(t, payload)
	require.Len(t, outer, 1)
	assert.Equal(t, protowire.Number(fieldChatRequest), outer[0].num)

	inner := fields(t, []byte(outer[0].value))
	var nums []protowire.Number
	for _, f := range inner {
		nums = append(nums, f.num)
	}
	assert.Equal(t, []protowire.Number{
		fieldConversation, fieldConversation, fieldExplicitContext, fieldModelDetails, fieldConversationID,
	}, nums)
	assert.Equal(t, "conv-1", inner[4].value)

	first := fields(t, []byte(inner[0].value))
	require.Len(t, first, 3)
	assert.Equal(t, "hi", first[0].value)
	assert.Equal(t, protowire.Number(fieldMessageType), first[1].num)
	assert.Equal(t, "bubble-1", first[2].value)

	second := fields(t, []byte(inner[1].value))
	assert.Equal(t, "hello", second[0].value)
	assert.Equal(t, "bubble-2", second[2].value)

	ctx := fields(t, []byte(inner[2].value))
	assert.Equal(t, "be brief", ctx[0].value)
	model := fields(t, []byte(inner[3].value))
	assert.Equal(t, "claude-4-sonnet", model[0].value)
}

func varintField(t *testing.T, msg []byte, want protowire.Number) uint64 {
	t.Helper()
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		require.Positive(t, n)
		msg = msg[n:]
		if num == want && typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(msg)
			require.Positive(t, m)
			return v
		}
		m := protowire.ConsumeFieldValue(num, typ, msg)
		require.Positive(t, m)
		msg = msg[m:]
	}
	t.Fatalf("field %d not found", want)
	return 0
}

func TestEncodeRequest_MessageTypes(t *testing.T) {
	req := &models.CanonicalRequest{
		Model: "m",
		Messages: []models.Message{
			{Role: models.RoleUser, Parts: []models.ContentPart{models.TextPart("q")}},
			{Role: models.RoleAssistant, Parts: []models.ContentPart{models.TextPart("a")}},
			{Role: models.RoleTool, Parts: []models.ContentPart{{Type: models.PartToolResult, ToolResult: &models.ToolResult{CallID: "c1", Name: "weather", Content: "sunny"}}}},
		},
	}
	payload := encodeRequest(req, "c", func() string { return "b" })
	inner := fields(t, []byte(fields(t, payload)[0].value))

	assert.Equal(t, uint64(messageTypeHuman), varintField(t, []byte(inner[0].value), fieldMessageType))
	assert.Equal(t, uint64(messageTypeAI), varintField(t, []byte(inner[1].value), fieldMessageType))
	assert.Equal(t, uint64(messageTypeHuman), varintField(t, []byte(inner[2].value), fieldMessageType))
	assert.Equal(t, "[tool result weather]\nsunny", fields(t, []byte(inner[2].value))[0].value)
}

func TestMessageText_FlattensToolTraffic(t *testing.T) {
	msg := models.Message{
		Role: models.RoleAssistant,
		Parts: []models.ContentPart{
			models.TextPart("checking"),
			{Type: models.PartToolCall, ToolCall: &models.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}},
		},
	}
	assert.Equal(t, "checking\n[tool call weather({\"city\":\"Oslo\"})]", messageText(msg))
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestEnvelopeReader(t *testing.T) {
	var frames bytes.Buffer
	frames.Write(encodeEnvelope(0, []byte("plain")))
	frames.Write(encodeEnvelope(flagCompressed, gzipped(t, []byte("packed"))))
	frames.Write(encodeEnvelope(flagEndStream, []byte("{}")))

	r := envelopeReader{r: &frames}
	flags, payload, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, byte(0), flags)
	assert.Equal(t, "plain", string(payload))

	flags, payload, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, byte(flagCompressed), flags)
	assert.Equal(t, "packed", string(payload))

	flags, _, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, byte(flagEndStream), flags)

	_, _, err = r.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEnvelopeReader_PartialFrame(t *testing.T) {
	frame := encodeEnvelope(0, []byte("complete payload"))
	r := envelopeReader{r: bytes.NewReader(frame[:len(frame)-3])}
	_, _, err := r.next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeResponseText(t *testing.T) {
	assert.Equal(t, "Hello", mustDecode(t, responseFrame("Hello")))

	empty := appendString(nil, 7, "ignored")
	assert.Equal(t, "", mustDecode(t, empty))

	_, err := decodeResponseText([]byte{0x0a, 0x05, 'a'})
	assert.Error(t, err)
}

func mustDecode(t *testing.T, msg []byte) string {
	t.Helper()
	text, err := decodeResponseText(msg)
	require.NoError(t, err)
	return text
}

func responseFrame(text string) []byte {
	return appendMessage(nil, fieldChatResponse, appendString(nil, fieldResponseText, text))
}
