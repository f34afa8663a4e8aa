package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_Format(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Engine", "Run", "serve execution")

	require.Error(t, err)
	assert.Equal(t, "Engine.Run: serve execution failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Engine", "Run", "anything"))
	assert.NoError(t, WrapTransient(nil, "Engine", "Run", "anything"))
	assert.NoError(t, WrapInvalid(nil, "Engine", "Run", "anything"))
	assert.NoError(t, WrapFatal(nil, "Engine", "Run", "anything"))
}

func TestClassification(t *testing.T) {
	transient := WrapTransient(ErrStoreUnavailable, "store", "LoadState", "kv get")
	invalid := WrapInvalid(ErrUnknownFlow, "Engine", "Run", "route lookup")
	fatal := WrapFatal(ErrMissingConfig, "config", "Load", "validation")

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(invalid))
	assert.True(t, IsInvalid(invalid))
	assert.True(t, IsFatal(fatal))

	assert.Equal(t, ErrorTransient, Classify(transient))
	assert.Equal(t, ErrorInvalid, Classify(invalid))
	assert.Equal(t, ErrorFatal, Classify(fatal))
}

func TestClassification_Sentinels(t *testing.T) {
	// Unwrapped sentinels classify without ClassifiedError in the chain.
	assert.True(t, IsTransient(ErrVersionMismatch))
	assert.True(t, IsTransient(ErrLockHeld))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsInvalid(ErrDuplicateRoute))
	assert.True(t, IsInvalid(ErrUnknownParam))
}

func TestClassification_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(stderrors.New("no such flow")))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := stderrors.New("inner")
	err := WrapTransient(base, "store", "SaveState", "cas")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "store", ce.Component)
	assert.Equal(t, "SaveState", ce.Operation)
	assert.True(t, stderrors.Is(err, base))
}

func TestServeError(t *testing.T) {
	user := stderrors.New("division by zero")
	err := &ServeError{Component: "ZScore", Instance: "abc", FlowKey: "number", Err: user}

	assert.Contains(t, err.Error(), `flow "number"`)
	assert.True(t, stderrors.Is(err, user))

	wrapped := fmt.Errorf("run failed: %w", err)
	se, ok := AsServeError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "number", se.FlowKey)
}

func TestUpdateError(t *testing.T) {
	user := stderrors.New("model diverged")
	err := &UpdateError{Component: "ZScore", Instance: "abc", FlowKey: "number", Seq: 42, Err: user}

	assert.Contains(t, err.Error(), "seq 42")
	assert.True(t, stderrors.Is(err, user))

	ue, ok := AsUpdateError(err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), ue.Seq)
}

func TestMigrationError(t *testing.T) {
	user := stderrors.New("bad state shape")
	err := &MigrationError{Component: "ZScore", Instance: "i50", Err: user}
	assert.Contains(t, err.Error(), "migrate ZScore/i50")
	assert.True(t, stderrors.Is(err, user))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
