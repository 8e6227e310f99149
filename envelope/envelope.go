// Package envelope defines the wire envelope exchanged over every broker
// transport: JSON headers plus an opaque payload.
//
// The encoding must be preserved exactly for interoperability with other
// runtimes - field names and the header layout are part of the protocol,
// not an implementation detail.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/capmesh/errors"
	"github.com/c360/capmesh/pkg/timestamp"
)

// DataHandler signals where a payload's data lives.
type DataHandler int

const (
	// DataInline means the payload bytes are carried in the envelope.
	DataInline DataHandler = 0
	// DataExternal means the payload is a key resolved through the
	// external blob store.
	DataExternal DataHandler = 1
)

// String returns the string representation of DataHandler
func (d DataHandler) String() string {
	switch d {
	case DataInline:
		return "inline"
	case DataExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ContentTypeJSON is the default payload content type.
const ContentTypeJSON = "application/json"

// ContentTypeText is used for plain-text payloads, including error
// descriptions in error replies.
const ContentTypeText = "text/plain"

// Headers is the envelope header block shared by requests, responses and
// events.
type Headers struct {
	// Source of the message; hierarchical dotted identifier.
	Source string `json:"source"`
	// Destination of the message; absent for broadcast events.
	Destination string `json:"destination,omitempty"`
	// CreatedAt is the UTC timestamp of message creation, RFC3339.
	CreatedAt string `json:"created_at"`
	// ProtocolVersion is the semver of the sending runtime, checked for
	// compatibility on receipt.
	ProtocolVersion string `json:"protocol_version"`
	// DataHandler signals inline vs external payload storage.
	DataHandler DataHandler `json:"data_handler"`
	// HasError marks a response whose payload carries an error description.
	HasError bool `json:"has_error,omitempty"`
	// EventName is set on event envelopes only.
	EventName string `json:"event_name,omitempty"`
}

// Envelope is the header+payload unit exchanged over any transport.
type Envelope struct {
	// MessageID is a unique identifier for this envelope, and the
	// correlation key matching a response to its request.
	MessageID string `json:"messageId"`
	// Operation is the `<capability>.<operation>` address of the target
	// operation. Empty for event envelopes.
	Operation string `json:"operationId,omitempty"`
	// Headers carries routing and compatibility metadata.
	Headers Headers `json:"headers"`
	// ContentType describes the payload encoding. Defaults to
	// application/json when empty.
	ContentType string `json:"contentType,omitempty"`
	// Payload carries the raw payload bytes (or the blob-store key when
	// DataHandler is DataExternal).
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Option is a functional option for envelope construction.
type Option func(*Envelope)

// WithContentType overrides the default application/json content type.
func WithContentType(ct string) Option {
	return func(e *Envelope) {
		e.ContentType = ct
	}
}

// WithDataHandler marks the payload as externally stored.
func WithDataHandler(dh DataHandler) Option {
	return func(e *Envelope) {
		e.Headers.DataHandler = dh
	}
}

// WithMessageID overrides the generated message id. Used by tests and by
// replies that must echo correlation state.
func WithMessageID(id string) Option {
	return func(e *Envelope) {
		e.MessageID = id
	}
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(wire string) Option {
	return func(e *Envelope) {
		e.Headers.CreatedAt = wire
	}
}

// NewRequest builds a direct request envelope addressed to
// `<capability>.<operation>` on the destination runtime.
func NewRequest(source, destination, operation string, payload []byte, opts ...Option) *Envelope {
	e := &Envelope{
		MessageID:   uuid.New().String(),
		Operation:   operation,
		ContentType: ContentTypeJSON,
		Payload:     payload,
		Headers: Headers{
			Source:          source,
			Destination:     destination,
			CreatedAt:       timestamp.NowWire(),
			ProtocolVersion: ProtocolVersion,
			DataHandler:     DataInline,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewResponse builds the reply to a request, swapping source and
// destination and echoing the request's message id so the caller's
// correlation manager can match it.
func NewResponse(req *Envelope, payload []byte, hasError bool, opts ...Option) *Envelope {
	e := &Envelope{
		MessageID:   req.MessageID,
		Operation:   req.Operation,
		ContentType: ContentTypeJSON,
		Payload:     payload,
		Headers: Headers{
			Source:          req.Headers.Destination,
			Destination:     req.Headers.Source,
			CreatedAt:       timestamp.NowWire(),
			ProtocolVersion: ProtocolVersion,
			DataHandler:     DataInline,
			HasError:        hasError,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEvent builds a broadcast event envelope. Events carry no destination;
// delivery is at-least-once to all current subscribers.
func NewEvent(source, eventName string, payload []byte, opts ...Option) *Envelope {
	e := &Envelope{
		MessageID:   uuid.New().String(),
		ContentType: ContentTypeJSON,
		Payload:     payload,
		Headers: Headers{
			Source:          source,
			CreatedAt:       timestamp.NowWire(),
			ProtocolVersion: ProtocolVersion,
			DataHandler:     DataInline,
			EventName:       eventName,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ErrorPayload is the payload of an error-flagged response envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorResponse builds an error reply to a request. The payload carries
// the stable wire error code plus a descriptive message.
func NewErrorResponse(req *Envelope, err error) *Envelope {
	payload, _ := json.Marshal(ErrorPayload{
		Code:    errors.WireCode(err),
		Message: err.Error(),
	})
	return NewResponse(req, payload, true)
}

// IsEvent reports whether the envelope is a one-way broadcast event.
func (e *Envelope) IsEvent() bool {
	return e.Headers.EventName != "" || (e.Headers.Destination == "" && e.Operation == "")
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "marshal envelope")
	}
	return data, nil
}

// Decode parses and validates a raw wire envelope. All failures wrap
// errors.ErrMalformedEnvelope.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMalformedEnvelope, err),
			"Envelope", "Decode", "unmarshal envelope")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the structural envelope invariants. It does not check
// protocol version compatibility; receivers do that separately so they can
// answer with a descriptive error reply.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return malformed("missing messageId")
	}
	if err := ValidateHierarchy(e.Headers.Source); err != nil {
		return malformed(fmt.Sprintf("invalid source %q", e.Headers.Source))
	}
	if e.Headers.Destination != "" {
		if err := ValidateHierarchy(e.Headers.Destination); err != nil {
			return malformed(fmt.Sprintf("invalid destination %q", e.Headers.Destination))
		}
	}
	if e.Headers.CreatedAt != "" && timestamp.ParseWire(e.Headers.CreatedAt).IsZero() {
		return malformed(fmt.Sprintf("invalid created_at %q", e.Headers.CreatedAt))
	}
	if e.Headers.ProtocolVersion == "" {
		return malformed("missing protocol_version")
	}
	if e.Headers.DataHandler != DataInline && e.Headers.DataHandler != DataExternal {
		return malformed(fmt.Sprintf("unknown data_handler code %d", e.Headers.DataHandler))
	}
	if !e.IsEvent() && e.Operation == "" {
		return malformed("missing operationId on direct message")
	}
	return nil
}

func malformed(detail string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrMalformedEnvelope, detail),
		"Envelope", "Validate", "envelope validation")
}
