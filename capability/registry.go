package capability

import (
	"fmt"
	"sort"

	"github.com/c360/capmesh/envelope"
	"github.com/c360/capmesh/errors"
)

// Registry is the immutable routing table produced by Build. Lookups are
// plain map reads with no locking; the registry never changes after build.
type Registry struct {
	capabilities map[string]*Capability
	operations   map[string]*Operation // keyed by "<capability>.<operation>"
	document     Document
}

// Document is the exported schema for a built registry: everything a remote
// caller or tooling needs to address the runtime's operations.
type Document struct {
	ProtocolVersion string                       `json:"protocol_version"`
	Capabilities    map[string]CapabilityDetails `json:"capabilities"`
}

// CapabilityDetails describes one capability in the schema document.
type CapabilityDetails struct {
	Description string                      `json:"description,omitempty"`
	Version     string                      `json:"version,omitempty"`
	Operations  map[string]OperationDetails `json:"operations"`
	Events      map[string]*Schema          `json:"events,omitempty"`
}

// OperationDetails describes one operation in the schema document.
type OperationDetails struct {
	Description string   `json:"description,omitempty"`
	Input       *Schema  `json:"input,omitempty"`
	Output      *Schema  `json:"output,omitempty"`
	ContentType string   `json:"contentType,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// Build validates a set of capabilities and produces the registry. Build is
// synchronous and free of side effects: it performs no I/O and registers
// nothing globally, so a failed build leaves nothing to unwind. All
// failures are fatal registration errors.
func Build(caps ...*Capability) (*Registry, error) {
	r := &Registry{
		capabilities: make(map[string]*Capability, len(caps)),
		operations:   map[string]*Operation{},
		document: Document{
			ProtocolVersion: envelope.ProtocolVersion,
			Capabilities:    map[string]CapabilityDetails{},
		},
	}

	for _, c := range caps {
		if err := r.addCapability(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) addCapability(c *Capability) error {
	if c == nil {
		return registrationErr("nil capability")
	}
	if err := envelope.ValidateCapabilityName(c.Name); err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrRegistration, err),
			"Registry", "Build", "capability name validation")
	}
	if _, exists := r.capabilities[c.Name]; exists {
		return errors.WrapFatal(
			fmt.Errorf("%w: %w: %q", errors.ErrRegistration, errors.ErrDuplicateCapability, c.Name),
			"Registry", "Build", "duplicate capability check")
	}
	if len(c.Operations) == 0 {
		return registrationErr(fmt.Sprintf("capability %q declares no operations", c.Name))
	}

	for name, schema := range c.Events {
		if err := envelope.ValidateCapabilityName(name); err != nil {
			return registrationErr(fmt.Sprintf("capability %q: invalid event name %q", c.Name, name))
		}
		if schema != nil && schema.Type == "invalid" {
			return registrationErr(fmt.Sprintf(
				"capability %q: event %q schema: %s", c.Name, name, schema.Description))
		}
	}

	details := CapabilityDetails{
		Description: c.Description,
		Version:     c.Version,
		Operations:  map[string]OperationDetails{},
		Events:      c.Events,
	}

	for i := range c.Operations {
		op := &c.Operations[i]
		if err := r.addOperation(c, op); err != nil {
			return err
		}
		details.Operations[op.Name] = OperationDetails{
			Description: op.Description,
			Input:       op.Input,
			Output:      op.Output,
			ContentType: op.ContentType,
			Events:      op.Events,
		}
	}

	r.capabilities[c.Name] = c
	r.document.Capabilities[c.Name] = details
	return nil
}

func (r *Registry) addOperation(c *Capability, op *Operation) error {
	if err := envelope.ValidateCapabilityName(op.Name); err != nil {
		return registrationErr(fmt.Sprintf("capability %q: invalid operation name %q", c.Name, op.Name))
	}
	if op.Handler == nil {
		return registrationErr(fmt.Sprintf("operation %s.%s has no handler", c.Name, op.Name))
	}
	if op.buildErr != nil {
		return errors.WrapFatal(
			fmt.Errorf("operation %s.%s: %w", c.Name, op.Name, op.buildErr),
			"Registry", "Build", "operation schema derivation")
	}
	for _, event := range op.Events {
		if _, declared := c.Events[event]; !declared {
			return registrationErr(fmt.Sprintf(
				"operation %s.%s emits undeclared event %q", c.Name, op.Name, event))
		}
	}
	if op.ContentType == "" {
		op.ContentType = envelope.ContentTypeJSON
	}

	address := c.Name + "." + op.Name
	if _, exists := r.operations[address]; exists {
		return registrationErr(fmt.Sprintf("duplicate operation %q", address))
	}
	r.operations[address] = op
	return nil
}

func registrationErr(detail string) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: %s", errors.ErrRegistration, detail),
		"Registry", "Build", "capability validation")
}

// Lookup resolves a `<capability>.<operation>` address.
func (r *Registry) Lookup(address string) (*Operation, error) {
	op, exists := r.operations[address]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownOperation, address),
			"Registry", "Lookup", "operation resolution")
	}
	return op, nil
}

// EventSchemaFor returns the declared schema for a capability event, or an
// undeclared-event error. A declared event may have a nil schema, meaning
// any payload is accepted.
func (r *Registry) EventSchemaFor(capabilityName, eventName string) (*Schema, error) {
	c, exists := r.capabilities[capabilityName]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown capability %q", errors.ErrUndeclaredEvent, capabilityName),
			"Registry", "EventSchemaFor", "capability resolution")
	}
	schema, declared := c.Events[eventName]
	if !declared {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q is not declared by capability %q",
				errors.ErrUndeclaredEvent, eventName, capabilityName),
			"Registry", "EventSchemaFor", "event resolution")
	}
	return schema, nil
}

// Capabilities returns the registered capability names, sorted.
func (r *Registry) Capabilities() []string {
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operations returns the registered operation addresses, sorted.
func (r *Registry) Operations() []string {
	addresses := make([]string, 0, len(r.operations))
	for address := range r.operations {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// Schema returns the exported schema document for the whole registry.
func (r *Registry) Schema() Document {
	return r.document
}
