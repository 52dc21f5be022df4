package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Metadata keys the controller reads.
const (
	KeyLastActionSuccess = "lastActionSuccess"
	KeyErrorCode         = "errorCode"
	KeyErrorMessage      = "errorMessage"
	KeyMetadata          = "metadata"
)

//go:embed schema/event.schema.json
var eventSchemaJSON []byte

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("event.schema.json", bytes.NewReader(eventSchemaJSON)); err != nil {
			eventSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile("event.schema.json")
	})
	return eventSchema, eventSchemaErr
}

// Summary is the typed view of the fields every event carries.
type Summary struct {
	ScreenWidth       int    `mapstructure:"screenWidth"`
	ScreenHeight      int    `mapstructure:"screenHeight"`
	Colors            []any  `mapstructure:"colors"`
	LastAction        string `mapstructure:"lastAction"`
	LastActionSuccess bool   `mapstructure:"lastActionSuccess"`
	ErrorCode         string `mapstructure:"errorCode"`
	ErrorMessage      string `mapstructure:"errorMessage"`
}

// Event is the engine's response to one action.
type Event struct {
	// Metadata is the flattened event payload. Fields of a nested
	// "metadata" object are merged in and take precedence.
	Metadata map[string]any

	summary Summary
}

// NewEvent builds an event from a decoded payload.
func NewEvent(payload map[string]any) (*Event, error) {
	metadata := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == KeyMetadata {
			continue
		}
		metadata[k] = v
	}
	if nested, ok := payload[KeyMetadata].(map[string]any); ok {
		for k, v := range nested {
			metadata[k] = v
		}
	}
	if _, ok := metadata[KeyLastActionSuccess]; !ok {
		metadata[KeyLastActionSuccess] = false
	}

	var summary Summary
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &summary,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(metadata); err != nil {
		return nil, fmt.Errorf("failed to decode event metadata: %w", err)
	}

	return &Event{Metadata: metadata, summary: summary}, nil
}

// ParseEvent validates raw event data against the event schema and builds
// the event.
func ParseEvent(data []byte) (*Event, error) {
	schema, err := compiledEventSchema()
	if err != nil {
		return nil, fmt.Errorf("event schema unavailable: %w", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid event: expected object, got %T", raw)
	}
	return NewEvent(payload)
}

// Summary returns the typed view of the event.
func (e *Event) Summary() Summary {
	return e.summary
}

// Success reports whether the action that produced the event succeeded.
func (e *Event) Success() bool {
	return e.summary.LastActionSuccess
}

// ErrorCode returns the engine's error code, if any.
func (e *Event) ErrorCode() string {
	return e.summary.ErrorCode
}

// ErrorMessage returns the engine's error message, if any.
func (e *Event) ErrorMessage() string {
	return e.summary.ErrorMessage
}

// Get returns a metadata value.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.Metadata[key]
	return v, ok
}

// MarshalJSON encodes the event as its flattened metadata.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Metadata)
}
