package worker

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNproc_Positive(t *testing.T) {
	c := New(Config{Nproc: 3})
	n, err := c.resolveNproc()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestResolveNproc_ZeroIsAllCores(t *testing.T) {
	c := New(Config{Nproc: 0})
	n, err := c.resolveNproc()
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), n)
}

func TestResolveNproc_NegativeSubtractsFromCores(t *testing.T) {
	c := New(Config{Nproc: -1})
	n, err := c.resolveNproc()
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU()-1, n)
}

func TestResolveNproc_NegativeExhaustingCoresErrors(t *testing.T) {
	c := New(Config{Nproc: -runtime.NumCPU()})
	_, err := c.resolveNproc()
	assert.Error(t, err)
}
