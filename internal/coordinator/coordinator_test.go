package coordinator

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distjob/dispatch/internal/argid"
	"github.com/distjob/dispatch/internal/rpcmsg"
	"github.com/distjob/dispatch/internal/wire"
	"github.com/distjob/dispatch/internal/wireerr"
)

// simulatedWorker is a minimal test stand-in for the real worker
// controller: it pulls arguments from job_q until drained and reports
// each one's value back as its own result.
type simulatedWorker struct{ proxy *wire.Proxy }

func (w simulatedWorker) drain(ctx context.Context) error {
	for {
		out, err := w.proxy.Invoke(ctx, "job_q", "get", mustEncode(rpcmsg.GetRequest{Block: false}))
		if err != nil {
			if errors.Is(err, wireerr.Empty) {
				return nil
			}
			return err
		}
		var env rpcmsg.ArgEnvelope
		if err := argid.Decode(out, &env); err != nil {
			return err
		}
		var arg int
		if err := argid.Decode(env.Arg, &arg); err != nil {
			return err
		}
		resultBytes, err := argid.Encode(int64(arg))
		if err != nil {
			return err
		}
		payload, err := argid.Encode(rpcmsg.ResultMsg{ID: env.ID, Arg: env.Arg, Result: resultBytes})
		if err != nil {
			return err
		}
		if _, err := w.proxy.Invoke(ctx, "result_q", "put", payload); err != nil {
			return err
		}
	}
}

func mustEncode(v any) []byte {
	b, err := argid.Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestPutArg_RejectsDuplicate(t *testing.T) {
	c, err := New(Config{ListenAddr: freeAddr(t), Authkey: []byte("k")})
	require.NoError(t, err)

	require.NoError(t, c.PutArg(1))
	err = c.PutArg(1)
	assert.ErrorIs(t, err, wireerr.Duplicate)
}

func TestPutArgs_ReportsDuplicatesJoined(t *testing.T) {
	c, err := New(Config{ListenAddr: freeAddr(t), Authkey: []byte("k")})
	require.NoError(t, err)

	err = c.PutArgs([]any{1, 2, 1})
	require.Error(t, err)
}

func TestHappyPath_WorkerLoopOverWire(t *testing.T) {
	addr := freeAddr(t)
	authkey := []byte("sharedkey")

	var mu sync.Mutex
	var seen []int

	c, err := New(Config{
		ListenAddr:  addr,
		Authkey:     authkey,
		MsgInterval: 20 * time.Millisecond,
		ProcessNewResult: func(arg, result any) {
			mu.Lock()
			defer mu.Unlock()
			if n, ok := result.(uint64); ok {
				seen = append(seen, int(n))
			} else if n, ok := result.(int64); ok {
				seen = append(seen, int(n))
			}
		},
	})
	require.NoError(t, err)

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, c.PutArg(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- c.Start(ctx) }()

	time.Sleep(50 * time.Millisecond) // let the listener bind

	p := wire.NewProxy(wire.ProxyConfig{
		Addr:           addr,
		Authkey:        authkey,
		PingRetry:      2,
		PingTimeout:    500 * time.Millisecond,
		ReconnectTries: 3,
		ReconnectWait:  20 * time.Millisecond,
	})
	defer p.Close()

	worker := simulatedWorker{proxy: p}
	require.NoError(t, worker.drain(context.Background()))

	select {
	case err := <-startErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not shut down")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
}

func TestReadOldState_RestoresAndValidates(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snap.cbor")

	c, err := New(Config{ListenAddr: freeAddr(t), Authkey: []byte("k"), SnapshotPath: snapPath})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.PutArg(i))
	}
	require.NoError(t, c.writeSnapshot(snapPath))

	c2, err := New(Config{ListenAddr: freeAddr(t), Authkey: []byte("k"), SpillDir: ""})
	require.NoError(t, err)
	require.NoError(t, c2.ReadOldState(snapPath))
	assert.Equal(t, 3, c2.args.NumInserted())
	assert.Equal(t, 3, c2.args.QSize())
}
