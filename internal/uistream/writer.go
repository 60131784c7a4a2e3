// Package uistream frames assistant output as a UI message stream: one
// JSON event per Server-Sent-Events data line, terminated by [DONE].
package uistream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Headers are set on every stream response.
var Headers = map[string]string{
	"Content-Type":                  "text/event-stream",
	"Cache-Control":                 "no-cache",
	"Connection":                    "keep-alive",
	"X-Accel-Buffering":             "no",
	"X-Vercel-Ai-Ui-Message-Stream": "v1",
}

// Event types.
const (
	EventStart      = "start"
	EventStartStep  = "start-step"
	EventTextStart  = "text-start"
	EventTextDelta  = "text-delta"
	EventTextEnd    = "text-end"
	EventFinishStep = "finish-step"
	EventFinish     = "finish"
	EventError      = "error"
)

// Event is one frame. Unused fields are omitted on the wire.
type Event struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	ID        string `json:"id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// Flusher pushes buffered bytes to the client. http.Flusher satisfies it.
type Flusher interface {
	Flush()
}

// textPartID names the single text part of an assistant message.
const textPartID = "0"

// Writer emits one assistant message. Call Start, then Delta for each
// token, then Finish or Fail exactly once.
type Writer struct {
	w       io.Writer
	flusher Flusher
	started bool
	text    bool
	closed  bool
}

// NewWriter wraps w. When w implements Flusher it is flushed after every
// event.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(Flusher)
	return &Writer{w: w, flusher: f}
}

func (sw *Writer) Start(messageID string) error {
	if sw.started {
		return errors.New("uistream: already started")
	}
	sw.started = true
	if err := sw.write(Event{Type: EventStart, MessageID: messageID}); err != nil {
		return err
	}
	return sw.write(Event{Type: EventStartStep})
}

// Delta emits a text chunk. The text part is opened lazily on the first
// non-empty chunk.
func (sw *Writer) Delta(text string) error {
	if err := sw.checkOpen(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	if !sw.text {
		sw.text = true
		if err := sw.write(Event{Type: EventTextStart, ID: textPartID}); err != nil {
			return err
		}
	}
	return sw.write(Event{Type: EventTextDelta, ID: textPartID, Delta: text})
}

// Finish closes the text part and the message and writes the terminator.
func (sw *Writer) Finish() error {
	if err := sw.checkOpen(); err != nil {
		return err
	}
	sw.closed = true
	if sw.text {
		if err := sw.write(Event{Type: EventTextEnd, ID: textPartID}); err != nil {
			return err
		}
	}
	if err := sw.write(Event{Type: EventFinishStep}); err != nil {
		return err
	}
	if err := sw.write(Event{Type: EventFinish}); err != nil {
		return err
	}
	return sw.done()
}

// Fail reports errorText to the client and terminates the stream without a
// finish event.
func (sw *Writer) Fail(errorText string) error {
	if err := sw.checkOpen(); err != nil {
		return err
	}
	sw.closed = true
	if err := sw.write(Event{Type: EventError, ErrorText: errorText}); err != nil {
		return err
	}
	return sw.done()
}

func (sw *Writer) checkOpen() error {
	if !sw.started {
		return errors.New("uistream: not started")
	}
	if sw.closed {
		return errors.New("uistream: already closed")
	}
	return nil
}

func (sw *Writer) write(ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("uistream: encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", raw); err != nil {
		return fmt.Errorf("uistream: write %s event: %w", ev.Type, err)
	}
	sw.flush()
	return nil
}

func (sw *Writer) done() error {
	if _, err := io.WriteString(sw.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("uistream: write terminator: %w", err)
	}
	sw.flush()
	return nil
}

func (sw *Writer) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}
