package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distjob/dispatch/internal/wireerr"
)

func TestPutGet_FIFO(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Put(1))
	require.NoError(t, q.Put(2))
	require.NoError(t, q.Put(3))

	for _, want := range []int{1, 2, 3} {
		v, err := q.Get()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestTryGet_EmptyReturnsEmpty(t *testing.T) {
	q := New(0)
	_, err := q.TryGet()
	assert.ErrorIs(t, err, wireerr.Empty)
}

func TestClose_DrainsThenClosed(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Put("a"))
	q.Close()

	v, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	_, err = q.Get()
	assert.ErrorIs(t, err, wireerr.Closed)
}

func TestPut_AfterCloseFails(t *testing.T) {
	q := New(0)
	q.Close()
	err := q.Put("x")
	assert.ErrorIs(t, err, wireerr.Closed)
}

func TestBoundedPut_BlocksUntilRoom(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(1))

	done := make(chan struct{})
	go func() {
		require.NoError(t, q.Put(2))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Put should have blocked while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Get()
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock after room freed")
	}
}

func TestBlockingGet_UnblocksOnClose(t *testing.T) {
	q := New(0)
	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	go func() {
		defer wg.Done()
		_, gotErr = q.Get()
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	assert.ErrorIs(t, gotErr, wireerr.Closed)
}

func TestGetTimeout_ReturnsEmptyOnExpiry(t *testing.T) {
	q := New(0)
	start := time.Now()
	_, err := q.GetTimeout(30 * time.Millisecond)
	assert.ErrorIs(t, err, wireerr.Empty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestGetTimeout_ReturnsValuePutBeforeExpiry(t *testing.T) {
	q := New(0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, q.Put("a"))
	}()

	v, err := q.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestPutTimeout_ReturnsEmptyWhenQueueStaysFull(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(1))

	start := time.Now()
	err := q.PutTimeout(2, 30*time.Millisecond)
	assert.ErrorIs(t, err, wireerr.Empty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPutTimeout_SucceedsOnceRoomFrees(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(1))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = q.Get()
	}()

	require.NoError(t, q.PutTimeout(2, time.Second))
}
