package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distjob/dispatch/internal/argid"
)

func mustEncodeArg(t *testing.T, v any) []byte {
	t.Helper()
	b, err := argid.Encode(v)
	require.NoError(t, err)
	return b
}

func TestInvoke_FuncSuccess(t *testing.T) {
	fn := Func(func(arg, constArg []byte) (any, error) {
		var a, c int
		require.NoError(t, argid.Decode(arg, &a))
		require.NoError(t, argid.Decode(constArg, &c))
		return a + c, nil
	})
	outcome := invoke(fn, mustEncodeArg(t, 2), mustEncodeArg(t, 3), &Counters{})
	require.NoError(t, outcome.err)
	assert.Equal(t, 5, outcome.result)
}

func TestInvoke_FuncError(t *testing.T) {
	wantErr := errors.New("boom")
	fn := Func(func(arg, constArg []byte) (any, error) {
		return nil, wantErr
	})
	outcome := invoke(fn, mustEncodeArg(t, 1), nil, &Counters{})
	assert.ErrorIs(t, outcome.err, wantErr)
	assert.Equal(t, "Error", outcome.kind)
}

func TestInvoke_CountedFuncSeesCounters(t *testing.T) {
	fn := CountedFunc(func(arg, constArg []byte, c *Counters) (any, error) {
		return c.Count, nil
	})
	counters := &Counters{Count: 7, Max: 10}
	outcome := invoke(fn, nil, nil, counters)
	require.NoError(t, outcome.err)
	assert.Equal(t, int64(7), outcome.result)
}

func TestInvoke_RecoversPanic(t *testing.T) {
	fn := Func(func(arg, constArg []byte) (any, error) {
		panic("kaboom")
	})
	outcome := invoke(fn, nil, nil, &Counters{})
	require.Error(t, outcome.err)
	assert.Contains(t, outcome.err.Error(), "kaboom")
	assert.Equal(t, "Panic", outcome.kind)
	assert.NotEmpty(t, outcome.trace)
}
