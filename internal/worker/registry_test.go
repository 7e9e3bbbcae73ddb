package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distjob/dispatch/internal/argid"
)

func TestRegisterLookup_Func(t *testing.T) {
	Register("test-square", Func(func(arg, constArg []byte) (any, error) {
		var n int
		require.NoError(t, argid.Decode(arg, &n))
		return n * n, nil
	}))

	fn, ok := Lookup("test-square")
	require.True(t, ok)
	f, ok := fn.(Func)
	require.True(t, ok)

	argBlob, err := argid.Encode(4)
	require.NoError(t, err)
	result, err := f(argBlob, nil)
	require.NoError(t, err)
	assert.Equal(t, 16, result)
}

func TestRegisterLookup_CountedFunc(t *testing.T) {
	Register("test-counted", CountedFunc(func(arg, constArg []byte, c *Counters) (any, error) {
		return c.Count, nil
	}))

	fn, ok := Lookup("test-counted")
	require.True(t, ok)
	_, ok = fn.(CountedFunc)
	assert.True(t, ok)
}

func TestLookup_UnknownNameNotFound(t *testing.T) {
	_, ok := Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestRegister_RejectsWrongType(t *testing.T) {
	assert.Panics(t, func() {
		Register("bad", func(a, b any) any { return nil })
	})
}
