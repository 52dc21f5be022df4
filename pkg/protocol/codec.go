package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxLineSize bounds one message line. Events may carry image buffers.
const MaxLineSize = 64 << 20

var (
	// ErrEmptyLine is returned for a blank line.
	ErrEmptyLine = errors.New("empty message line")
	// ErrMalformed marks a line that is not a protocol message. The decoder
	// can keep reading after either error.
	ErrMalformed = errors.New("malformed message")
)

// Encoder writes one JSON message per line. It is safe for concurrent use;
// each message is written and flushed as a unit.
type Encoder struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Encoder{buf: buf, enc: enc}
}

// Encode wraps data in a message of type t stamped with the current time.
func (e *Encoder) Encode(t MessageType, data any) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s data: %w", t, err)
		}
		msg.Data = raw
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// json.Encoder terminates each value with a newline.
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", t, err)
	}
	if err := e.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", t, err)
	}
	return nil
}

func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeAction refuses actions without a name.
func (e *Encoder) EncodeAction(action Action) error {
	if err := action.Validate(); err != nil {
		return fmt.Errorf("invalid action: %w", err)
	}
	return e.Encode(MessageTypeAction, action)
}

// EncodeEvent sends an event payload; nil is refused.
func (e *Encoder) EncodeEvent(payload map[string]any) error {
	if payload == nil {
		return fmt.Errorf("invalid event: payload is required")
	}
	return e.Encode(MessageTypeEvent, payload)
}

func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads messages written by an Encoder. It is not safe for
// concurrent use.
type Decoder struct {
	scan *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64<<10), MaxLineSize)
	return &Decoder{scan: scan}
}

// Decode returns the next message, or io.EOF when the stream ends cleanly.
func (d *Decoder) Decode() (*Message, error) {
	if !d.scan.Scan() {
		if err := d.scan.Err(); err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		return nil, io.EOF
	}

	line := d.scan.Bytes()
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &msg, nil
}

// expect decodes the next message and checks its type.
func (d *Decoder) expect(t MessageType) (*Message, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != t {
		return nil, fmt.Errorf("expected %s message, got %s", t, msg.Type)
	}
	return msg, nil
}

// DecodeAction reads the next message, which must be an ACTION.
func (d *Decoder) DecodeAction() (Action, error) {
	msg, err := d.expect(MessageTypeAction)
	if err != nil {
		return nil, err
	}
	return ParseAction(msg.Data)
}

// DecodeEvent reads the next message, which must be an EVENT.
func (d *Decoder) DecodeEvent() (*Event, error) {
	msg, err := d.expect(MessageTypeEvent)
	if err != nil {
		return nil, err
	}
	return ParseEvent(msg.Data)
}

// ParseAction decodes ACTION data and checks that it names an action.
func ParseAction(data json.RawMessage) (Action, error) {
	var action Action
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}
	return action, nil
}

// ParseReady decodes READY data. An empty payload is a zero ReadyMessage.
func ParseReady(data json.RawMessage) (*ReadyMessage, error) {
	ready := &ReadyMessage{}
	if len(data) == 0 {
		return ready, nil
	}
	if err := json.Unmarshal(data, ready); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ready: %w", err)
	}
	return ready, nil
}
