package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestWrapFormatsContext(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "SchemeManager", "processManifest", "document build")
	require.Error(t, err)
	assert.Equal(t, "SchemeManager.processManifest: document build failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		invalid   bool
		fatal     bool
	}{
		{"wrapped transient", WrapTransient(stderrors.New("x"), "c", "m", "a"), true, false, false},
		{"wrapped invalid", WrapInvalid(stderrors.New("x"), "c", "m", "a"), false, true, false},
		{"wrapped fatal", WrapFatal(stderrors.New("x"), "c", "m", "a"), false, false, true},
		{"device removed sentinel", fmt.Errorf("recv: %w", ErrDeviceRemoved), false, false, true},
		{"network down sentinel", fmt.Errorf("recv: %w", ErrNetworkDown), true, false, false},
		{"document invalid sentinel", fmt.Errorf("build: %w", ErrDocumentInvalid), false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.invalid, IsInvalid(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestClassifyPrecedence(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrDeviceRemoved))
	assert.Equal(t, ErrorInvalid, Classify(ErrDocumentInvalid))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("anything else")))
}

func TestUnwrapPreservesChain(t *testing.T) {
	err := WrapTransient(ErrStorageUnavailable, "Store", "Write", "kv put")
	assert.True(t, stderrors.Is(err, ErrStorageUnavailable))
	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Store", ce.Component)
	assert.Equal(t, "Write", ce.Operation)
}
