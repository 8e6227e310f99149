package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"malformed", ErrMalformedEnvelope, CodeMalformedEnvelope},
		{"unknown operation", ErrUnknownOperation, CodeUnknownOperation},
		{"validation", ErrPayloadValidation, CodePayloadValidation},
		{"handler", ErrHandlerFailure, CodeHandlerError},
		{"undeclared event", ErrUndeclaredEvent, CodeUndeclaredEvent},
		{"timeout", ErrTimeout, CodeTimeout},
		{"not connected", ErrNotConnected, CodeNotConnected},
		{"wrapped", fmt.Errorf("dispatch: %w", ErrUnknownOperation), CodeUnknownOperation},
		{"unknown error", stderrors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WireCode(tt.err))
		})
	}
}

func TestClassification(t *testing.T) {
	assert.True(t, IsFatal(ErrDuplicateCapability))
	assert.True(t, IsFatal(ErrInvalidCapabilityName))
	assert.False(t, IsFatal(ErrUnknownOperation))

	assert.True(t, IsInvalid(ErrPayloadValidation))
	assert.True(t, IsInvalid(ErrMalformedEnvelope))
	assert.False(t, IsInvalid(ErrTimeout))

	assert.True(t, IsTransient(ErrTimeout))
	assert.True(t, IsTransient(ErrNotConnected))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrRegistration))
	assert.Equal(t, ErrorInvalid, Classify(ErrUndeclaredEvent))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("socket closed: connection reset")))
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := WrapInvalid(ErrUnknownOperation, "Engine", "route", "operation lookup")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrUnknownOperation))
	assert.True(t, IsInvalid(err))
	assert.Contains(t, err.Error(), "Engine.route: operation lookup failed")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Engine", ce.Component)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "m", "a"))
}
