// Package capmesh is a broker-mediated capability messaging runtime:
// services declare typed capabilities, a broker carries the envelopes, and
// the runtime handles dispatch, correlation and event fan-out.
//
// # Architecture
//
// A runtime is assembled from independent layers:
//
//	┌─────────────────────────────────────┐
//	│          service.Runtime            │  lifecycle, status,
//	│   (start, stop, call, emit, block)  │  operation gating
//	└─────────────────────────────────────┘
//	           ↓ orchestrates
//	┌──────────────┬──────────────┬───────┐
//	│   dispatch   │ correlation  │ event │  request pipeline,
//	│    Engine    │   Manager    │  Mgr  │  reply matching, events
//	└──────────────┴──────────────┴───────┘
//	           ↓ resolves against          ↓ publishes through
//	┌──────────────────┐      ┌────────────────────────┐
//	│ capability.      │      │ broker.Adapter         │
//	│ Registry         │      │ (natsbroker, wsbroker) │
//	└──────────────────┘      └────────────────────────┘
//
// Capabilities group named operations behind typed handlers; schemas are
// derived from the handler types once, at registration, and exported as a
// schema document in the lifecycle startup message. Every message travels
// as an envelope (package envelope) whose wire form is fixed by the
// protocol.
//
// Requests address `<capability>.<operation>` on a destination hierarchy
// and arrive on the destination's requests channel. Replies echo the
// request's message id and are matched by the correlation manager with
// exactly-once completion. Events broadcast on the emitter's events
// channel with per-capability sequence numbers, buffered while the broker
// is away and replayed in order on reconnect.
//
// See cmd/capmesh-counter for a complete runtime serving the demo Counter
// capability, and cmd/capmesh-schema for offline schema export.
package capmesh
