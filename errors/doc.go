// Package errors defines the CapMesh error taxonomy and classification
// helpers.
//
// Two layers coexist here:
//
//  1. The messaging taxonomy - sentinel errors such as ErrUnknownOperation
//     or ErrTimeout which correspond 1:1 to wire error codes sent back to
//     remote callers (see WireCode).
//  2. The classification layer - every error is Transient, Invalid or Fatal,
//     which drives retry and shutdown decisions in infrastructure code.
//
// Components wrap errors with WrapTransient/WrapInvalid/WrapFatal so that
// both the human-readable context chain ("component.method: action failed")
// and the classification survive errors.Is / errors.As traversal.
package errors
