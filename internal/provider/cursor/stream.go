package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/sse"
	"combo-gateway/internal/translator"
)

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// frameSource turns Connect frames into OpenAI chunk events followed by
// [DONE]. A body that ends without the end-of-stream frame reports io.EOF
// before [DONE], which the stream controller treats as a truncation.
type frameSource struct {
	body    io.ReadCloser
	frames  envelopeReader
	id      string
	model   string
	created int64

	pending  []sse.Event
	roleSent bool
	done     bool

	once     sync.Once
	closeErr error
}

func newFrameSource(body io.ReadCloser, model string, now time.Time) *frameSource {
	return &frameSource{
		body:    body,
		frames:  envelopeReader{r: body},
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: now.Unix(),
	}
}

func (s *frameSource) Next(ctx context.Context) (sse.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return sse.Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return sse.Event{}, err
		}

		flags, payload, err := s.frames.next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return sse.Event{}, io.EOF
			}
			return sse.Event{}, err
		}

		if flags&flagEndStream != 0 {
			if err := trailerError(payload); err != nil {
				return sse.Event{}, err
			}
			s.done = true
			stop := "stop"
			s.pending = append(s.pending, s.event(chunkDelta{}, &stop), sse.Event{Data: []byte("[DONE]")})
			continue
		}

		text, err := decodeResponseText(payload)
		if err != nil {
			return sse.Event{}, err
		}
		if text == "" {
			continue
		}
		delta := chunkDelta{Content: text}
		if !s.roleSent {
			delta.Role = "assistant"
			s.roleSent = true
		}
		s.pending = append(s.pending, s.event(delta, nil))
	}
}

func (s *frameSource) event(delta chunkDelta, finish *string) sse.Event {
	data, _ := json.Marshal(chunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	return sse.Event{Data: data}
}

func (s *frameSource) Close() error {
	s.once.Do(func() { s.closeErr = s.body.Close() })
	return s.closeErr
}

// trailerError extracts the error carried by an end-of-stream frame.
func trailerError(payload []byte) error {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return nil
	}
	errObj := gjson.GetBytes(payload, "error")
	if !errObj.Exists() {
		return nil
	}
	msg := errObj.Get("message").String()
	if detail := errObj.Get("details.0.debug.details.detail").String(); detail != "" {
		msg = detail
	}
	if msg == "" {
		msg = errObj.Raw
	}
	return &translator.StreamError{Type: errObj.Get("code").String(), Message: msg}
}
