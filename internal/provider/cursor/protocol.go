package cursor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protowire"

	"combo-gateway/internal/models"
)

// Connect envelope flags.
const (
	flagCompressed = 0x01
	flagEndStream  = 0x02

	envelopeHeader = 5
	maxFrame       = 16 << 20
)

// Field numbers of aiserver.v1.StreamUnifiedChatWithToolsRequest and the
// messages nested in it.
const (
	fieldChatRequest = 1

	fieldConversation    = 1
	fieldExplicitContext = 3
	fieldModelDetails    = 5
	fieldConversationID  = 23

	fieldMessageText     = 1
	fieldMessageType     = 2
	fieldMessageBubbleID = 13

	fieldContextText = 1
	fieldModelName   = 1

	fieldChatResponse = 2
	fieldResponseText = 1
)

const (
	messageTypeHuman = 1
	messageTypeAI    = 2
)

// encodeRequest renders req as a StreamUnifiedChatWithToolsRequest. Fields are
// written in ascending field order; system prompts become the explicit
// context and tool traffic is flattened into text.
func encodeRequest(req *models.CanonicalRequest, conversationID string, newBubbleID func() string) []byte {
	var (
		inner  []byte
		system []string
	)
	for _, msg := range req.Messages {
		typ := messageTypeHuman
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Text())
			continue
		case models.RoleAssistant:
			typ = messageTypeAI
		}

		var m []byte
		m = appendString(m, fieldMessageText, messageText(msg))
		m = protowire.AppendTag(m, fieldMessageType, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(typ))
		m = appendString(m, fieldMessageBubbleID, newBubbleID())
		inner = appendMessage(inner, fieldConversation, m)
	}
	if len(system) > 0 {
		inner = appendMessage(inner, fieldExplicitContext, appendString(nil, fieldContextText, strings.Join(system, "\n\n")))
	}
	inner = appendMessage(inner, fieldModelDetails, appendString(nil, fieldModelName, req.Model))
	inner = appendString(inner, fieldConversationID, conversationID)

	return appendMessage(nil, fieldChatRequest, inner)
}

func messageText(msg models.Message) string {
	var b strings.Builder
	for _, part := range msg.Parts {
		var text string
		switch part.Type {
		case models.PartText:
			text = part.Text
		case models.PartToolCall:
			text = fmt.Sprintf("[tool call %s(%s)]", part.ToolCall.Name, part.ToolCall.Arguments)
		case models.PartToolResult:
			text = fmt.Sprintf("[tool result %s]\n%s", part.ToolResult.Name, part.ToolResult.Content)
		default:
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}
	return b.String()
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// encodeEnvelope prefixes payload with the flag byte and big-endian length.
func encodeEnvelope(flags byte, payload []byte) []byte {
	buf := make([]byte, envelopeHeader+len(payload))
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:envelopeHeader], uint32(len(payload)))
	copy(buf[envelopeHeader:], payload)
	return buf
}

// envelopeReader splits a Connect stream into frames.
type envelopeReader struct {
	r io.Reader
}

// next returns the flags and decompressed payload of the next frame. It
// returns io.EOF when the stream ends on a frame boundary and
// io.ErrUnexpectedEOF inside a frame.
func (r *envelopeReader) next() (byte, []byte, error) {
	var hdr [envelopeHeader]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return 0, nil, err
	}
	flags := hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrame {
		return 0, nil, fmt.Errorf("cursor frame of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	if flags&flagCompressed != 0 {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return 0, nil, fmt.Errorf("open compressed cursor frame: %w", err)
		}
		defer zr.Close()
		payload, err = io.ReadAll(zr)
		if err != nil {
			return 0, nil, fmt.Errorf("decompress cursor frame: %w", err)
		}
	}
	return flags, payload, nil
}

// decodeResponseText extracts the text delta of a
// StreamUnifiedChatResponseWithTools message.
func decodeResponseText(msg []byte) (string, error) {
	var text strings.Builder
	err := walkFields(msg, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != fieldChatResponse || typ != protowire.BytesType {
			return nil
		}
		return walkFields(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
			if num == fieldResponseText && typ == protowire.BytesType {
				text.Write(value)
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return text.String(), nil
}

// walkFields visits every field of a protobuf message. value holds the
// payload of length-delimited fields and is nil otherwise.
func walkFields(msg []byte, visit func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return fmt.Errorf("decode cursor message: %w", protowire.ParseError(n))
		}
		msg = msg[n:]

		var value []byte
		if typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(msg)
			if m < 0 {
				return fmt.Errorf("decode cursor message: %w", protowire.ParseError(m))
			}
			value, n = v, m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return fmt.Errorf("decode cursor message: %w", protowire.ParseError(n))
			}
		}
		if err := visit(num, typ, value); err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}
