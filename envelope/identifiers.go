package envelope

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/capmesh/errors"
)

// hierarchyPattern is the restricted hierarchical-identifier form used for
// source and destination headers. The number of dot-separated parts is
// deliberately unconstrained for forward compatibility.
var hierarchyPattern = regexp.MustCompile(`^([-a-z0-9]+\.)*[-a-z0-9]+$`)

// capabilityPattern constrains capability, operation and event names.
// Names are case-sensitive: "HDF" and "hdf" are different capabilities.
var capabilityPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateHierarchy checks a source/destination identifier against the
// restricted hierarchical pattern.
func ValidateHierarchy(id string) error {
	if id == "" || !hierarchyPattern.MatchString(id) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: hierarchical id %q does not match %s",
				errors.ErrMalformedEnvelope, id, hierarchyPattern.String()),
			"Envelope", "ValidateHierarchy", "identifier validation")
	}
	return nil
}

// ValidateCapabilityName checks a capability, operation or event name:
// alphanumeric plus hyphen and underscore, non-empty.
func ValidateCapabilityName(name string) error {
	if name == "" || !capabilityPattern.MatchString(name) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrInvalidCapabilityName, name),
			"Envelope", "ValidateCapabilityName", "name validation")
	}
	return nil
}

// SplitOperation splits a `<capability>.<operation>` address. The
// capability part may not itself contain a dot; the operation is everything
// after the first dot.
func SplitOperation(address string) (capability, operation string, err error) {
	idx := strings.Index(address, ".")
	if idx <= 0 || idx == len(address)-1 {
		return "", "", errors.WrapInvalid(
			fmt.Errorf("%w: operation address %q is not <capability>.<operation>",
				errors.ErrUnknownOperation, address),
			"Envelope", "SplitOperation", "address parsing")
	}
	return address[:idx], address[idx+1:], nil
}

// Topic construction. Topics use '/' separators so hierarchical ids map
// onto broker subject hierarchies; the NATS adapter translates to '.'
// subjects internally.

// RequestTopic is the channel a runtime consumes direct requests from.
func RequestTopic(hierarchy string) string {
	return strings.ReplaceAll(hierarchy, ".", "/") + "/requests"
}

// EventTopic is the broadcast channel a runtime publishes events on.
func EventTopic(hierarchy string) string {
	return strings.ReplaceAll(hierarchy, ".", "/") + "/events"
}

// LifecycleTopic is the channel a runtime publishes lifecycle and status
// messages on.
func LifecycleTopic(hierarchy string) string {
	return strings.ReplaceAll(hierarchy, ".", "/") + "/lifecycle"
}

// ReplyTopic derives the reply channel for a request from its source
// header: replies are requests addressed back at the caller.
func ReplyTopic(source string) string {
	return RequestTopic(source)
}
