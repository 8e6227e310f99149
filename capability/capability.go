// Package capability defines the schema and registry layer: capabilities
// group named operations behind typed handlers, and a built Registry is the
// immutable routing table the dispatch engine resolves against.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/c360/capmesh/errors"
)

// Handler is the untyped invocation form every operation is reduced to at
// registration. Typed handlers are wrapped by NewOperation; the dispatch
// engine only ever sees this signature.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Operation binds a named entry point to its handler and payload schemas.
type Operation struct {
	// Name of the operation within its capability; alphanumeric plus
	// hyphen and underscore.
	Name string
	// Description for the exported schema document.
	Description string
	// Handler is the wrapped typed handler.
	Handler Handler
	// Input and Output schemas, derived from the handler's Go types.
	Input  *Schema
	Output *Schema
	// ContentType of the response payload. Defaults to application/json.
	ContentType string
	// StrictValidation rejects payloads whose field types mismatch the
	// input schema. When false, unambiguous primitives are coerced.
	StrictValidation bool
	// Events this operation may emit while executing. Each must be
	// declared in the owning capability's Events map.
	Events []string

	buildErr error
}

// OperationOption customizes an operation at registration.
type OperationOption func(*Operation)

// WithDescription sets the operation's schema-document description.
func WithDescription(desc string) OperationOption {
	return func(op *Operation) { op.Description = desc }
}

// WithStrictValidation rejects coercible payloads instead of normalizing
// them.
func WithStrictValidation() OperationOption {
	return func(op *Operation) { op.StrictValidation = true }
}

// WithEvents declares the events this operation may emit.
func WithEvents(names ...string) OperationOption {
	return func(op *Operation) { op.Events = names }
}

// WithResponseContentType overrides the application/json default.
func WithResponseContentType(ct string) OperationOption {
	return func(op *Operation) { op.ContentType = ct }
}

// NewOperation registers a typed request/response handler. The input and
// output schemas are derived from Req and Resp here, once; schema
// derivation failures are carried on the operation and surface as
// registration errors at Build.
func NewOperation[Req, Resp any](name string, fn func(ctx context.Context, req Req) (Resp, error), opts ...OperationOption) Operation {
	op := Operation{Name: name}

	input, err := SchemaOf(reflect.TypeOf((*Req)(nil)).Elem())
	if err != nil {
		op.buildErr = err
	}
	output, err := SchemaOf(reflect.TypeOf((*Resp)(nil)).Elem())
	if err != nil && op.buildErr == nil {
		op.buildErr = err
	}
	op.Input = input
	op.Output = output

	op.Handler = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: %w", errors.ErrPayloadValidation, err),
					"Operation", name, "request decoding")
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, errors.Wrap(err, "Operation", name, "response encoding")
		}
		return out, nil
	}

	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// NewQuery registers a zero-argument handler, used for status operations
// and other parameterless queries. The request payload is ignored.
func NewQuery[Resp any](name string, fn func(ctx context.Context) (Resp, error), opts ...OperationOption) Operation {
	op := Operation{Name: name}

	output, err := SchemaOf(reflect.TypeOf((*Resp)(nil)).Elem())
	if err != nil {
		op.buildErr = err
	}
	op.Output = output

	op.Handler = func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		resp, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return nil, errors.Wrap(err, "Operation", name, "response encoding")
		}
		return out, nil
	}

	for _, opt := range opts {
		opt(&op)
	}
	return op
}

// Capability groups operations under a unique name. The Events map declares
// every event the capability may emit; emitting an undeclared event fails
// at the event manager.
type Capability struct {
	// Name of the capability; alphanumeric plus hyphen and underscore,
	// case-sensitive.
	Name string
	// Description for the exported schema document.
	Description string
	// Version of the capability implementation, independent of the
	// protocol version.
	Version string
	// Operations in registration order.
	Operations []Operation
	// Events maps declared event names to their payload schemas.
	Events map[string]*Schema
}

// EventSchema declares an event payload type for a capability's Events map.
// Derivation failures surface at Build, like operation schema failures.
func EventSchema[T any]() *Schema {
	s, err := SchemaOf(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return &Schema{Description: err.Error(), Type: "invalid"}
	}
	return s
}
