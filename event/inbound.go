package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
)

// Inbound is a decoded event received from another runtime's events
// channel.
type Inbound struct {
	// Source is the emitting runtime's hierarchy.
	Source string
	// Name is the event name from the envelope header.
	Name string
	// Record carries the capability, sequence number and payload.
	Record Record
}

// Handler consumes inbound events. Handlers run on the dispatch worker
// pool, never on a broker I/O goroutine.
type Handler func(ctx context.Context, ev Inbound)

// DecodeInbound parses a raw frame from an events channel into an Inbound
// event. Frames that are not well-formed event envelopes, come from an
// incompatible protocol version, or carry an undecodable record are
// rejected.
func DecodeInbound(raw []byte) (Inbound, error) {
	env, err := envelope.Decode(raw)
	if err != nil {
		return Inbound{}, err
	}
	if env.Headers.EventName == "" {
		return Inbound{}, errors.WrapInvalid(
			fmt.Errorf("%w: not an event envelope", errors.ErrMalformedEnvelope),
			"Event", "DecodeInbound", "envelope discrimination")
	}
	if err := envelope.CompatibleVersion(env.Headers.ProtocolVersion); err != nil {
		return Inbound{}, err
	}

	var rec Record
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return Inbound{}, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrMalformedEnvelope, err),
			"Event", "DecodeInbound", "record decoding")
	}
	if rec.Capability == "" {
		return Inbound{}, errors.WrapInvalid(
			fmt.Errorf("%w: event record missing capability", errors.ErrMalformedEnvelope),
			"Event", "DecodeInbound", "record decoding")
	}

	return Inbound{
		Source: env.Headers.Source,
		Name:   env.Headers.EventName,
		Record: rec,
	}, nil
}
