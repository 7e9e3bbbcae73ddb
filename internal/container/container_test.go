package container

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distjob/dispatch/internal/argid"
	"github.com/distjob/dispatch/internal/wireerr"
)

func TestPutGetMark_RoundTrip(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	id, err := c.Put("hello")
	require.NoError(t, err)
	assert.Equal(t, 1, c.QSize())

	gotID, b, err := c.Get(context.Background(), false, 0)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	var arg string
	require.NoError(t, argid.Decode(b, &arg))
	assert.Equal(t, "hello", arg)
	assert.Equal(t, 0, c.QSize())

	require.NoError(t, c.Mark(id))
	assert.Contains(t, c.MarkedItems(), id)
	assert.Equal(t, 0, c.QSize())
}

func TestPut_DuplicateAfterMarkFails(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	id, err := c.Put(42)
	require.NoError(t, err)
	_, _, err = c.Get(context.Background(), false, 0)
	require.NoError(t, err)
	require.NoError(t, c.Mark(id))

	_, err = c.Put(42)
	assert.ErrorIs(t, err, wireerr.AlreadyMarked)
}

func TestMark_NotGotten(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	_, err = c.Put(1)
	require.NoError(t, err)

	err = c.Mark("deadbeef")
	assert.ErrorIs(t, err, wireerr.NotGotten)
}

func TestMark_RemarkIsWarningNotError(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	id, err := c.Put(1)
	require.NoError(t, err)
	_, _, err = c.Get(context.Background(), false, 0)
	require.NoError(t, err)
	require.NoError(t, c.Mark(id))

	err = c.Mark(id)
	assert.ErrorIs(t, err, wireerr.Remark)
	assert.Contains(t, c.MarkedItems(), id)
}

func TestPut_RequeueGotten(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	id, err := c.Put("x")
	require.NoError(t, err)
	_, _, err = c.Get(context.Background(), false, 0)
	require.NoError(t, err)
	assert.Equal(t, []argid.ID{id}, c.GottenItems())

	id2, err := c.Put("x")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, c.QSize())
}

func TestGet_EmptyNonBlocking(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	_, _, err = c.Get(context.Background(), false, 0)
	assert.ErrorIs(t, err, wireerr.Empty)
}

func TestGet_BlockingWakesOnPut(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, _, gotErr = c.Get(context.Background(), true, time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = c.Put("late")
	require.NoError(t, err)

	select {
	case <-done:
		require.NoError(t, gotErr)
	case <-time.After(time.Second):
		t.Fatal("blocking Get did not wake on Put")
	}
}

func TestGet_BlockingTimesOut(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)

	_, _, err = c.Get(context.Background(), true, 30*time.Millisecond)
	assert.ErrorIs(t, err, wireerr.Empty)
}

func TestPartition_Invariant(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := c.Put(i)
		require.NoError(t, err)
	}
	_, _, err = c.Get(context.Background(), false, 0)
	require.NoError(t, err)
	_, _, err = c.Get(context.Background(), false, 0)
	require.NoError(t, err)

	assert.Equal(t, 5, c.NumInserted())
	assert.Equal(t, c.QSize()+len(c.GottenItems())+len(c.MarkedItems()), c.NumInserted())
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := c.Put(i)
		require.NoError(t, err)
	}
	id0, _, err := c.Get(context.Background(), false, 0)
	require.NoError(t, err)
	require.NoError(t, c.Mark(id0))

	var buf bytes.Buffer
	require.NoError(t, c.Snapshot(&buf))

	restored, err := Restore(bytes.NewReader(buf.Bytes()), Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, restored.NumInserted())
	assert.Equal(t, 3, restored.QSize())
	assert.Contains(t, restored.MarkedItems(), id0)
}

func TestSnapshotRestore_WithSpill(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Options{SpillDir: filepath.Join(dir, "a")})
	require.NoError(t, err)
	_, err = c.Put("spilled")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Snapshot(&buf))
	require.NoError(t, c.Close())

	restored, err := Restore(bytes.NewReader(buf.Bytes()), Options{SpillDir: filepath.Join(dir, "b")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.QSize())
}

func TestForceMark_AccountsFailedIDs(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	id, err := c.Put("x")
	require.NoError(t, err)

	c.ForceMark(id)
	assert.Equal(t, 0, c.QSize())
	assert.Contains(t, c.MarkedItems(), id)
}
