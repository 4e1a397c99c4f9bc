// Package sse reads and writes text/event-stream frames.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

const maxLineBytes = 4 << 20 // 4 MiB

// Event is a single server-sent event. Name is empty for unnamed events.
type Event struct {
	Name string
	Data []byte
}

// Reader pulls events from an event-stream body.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps the body in a line-oriented event reader.
func NewReader(body io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(body, 64*1024)}
}

// Next returns the next event. It returns io.EOF once the body is exhausted;
// a partially read event at EOF is returned before io.EOF.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		hasData bool
	)
	for {
		line, err := r.readLine()
		if err != nil {
			if err == io.EOF && hasData {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			return Event{}, err
		}

		if len(line) == 0 {
			if hasData {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			ev = Event{}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			ev.Name = string(value)
		case "data":
			data = append(data, bytes.Clone(value))
			hasData = true
		}
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.r.ReadLine()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, fmt.Errorf("sse line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return bytes.TrimRight(buf, "\r"), nil
		}
	}
}

// Write serialises one event onto w. Each line of Data gets its own data
// field so that readers rejoin it unchanged.
func Write(w io.Writer, ev Event) error {
	var buf bytes.Buffer
	if ev.Name != "" {
		buf.WriteString("event: ")
		buf.WriteString(ev.Name)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write SSE event: %w", err)
	}
	return nil
}

// Encode returns the wire bytes of an event.
func Encode(ev Event) []byte {
	var buf bytes.Buffer
	_ = Write(&buf, ev)
	return buf.Bytes()
}
