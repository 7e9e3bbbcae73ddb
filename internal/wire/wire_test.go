package wire

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distjob/dispatch/clog"
	"github.com/distjob/dispatch/internal/wireerr"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello world")))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestHandshake_Succeeds(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	authkey := []byte("secret")
	errCh := make(chan error, 1)
	go func() { errCh <- ServerHandshake(c1, authkey) }()

	require.NoError(t, ClientHandshake(c2, authkey))
	require.NoError(t, <-errCh)
}

func TestHandshake_WrongKeyFails(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- ServerHandshake(c1, []byte("right")) }()

	err := ClientHandshake(c2, []byte("wrong"))
	assert.Error(t, err)
	<-errCh
}

type echoService struct{}

func (echoService) Call(method string, argsBlob []byte) ([]byte, error) {
	switch method {
	case "echo":
		return argsBlob, nil
	case "fail_empty":
		return nil, wireerr.Empty
	default:
		return nil, wireerr.RemoteKey
	}
}

func TestServerProxy_Invoke(t *testing.T) {
	authkey := []byte("topsecret")
	srv := NewServer(authkey, clog.New("test "))
	srv.Register("svc", echoService{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.serveListener(ln)
	defer srv.Close()

	p := NewProxy(ProxyConfig{
		Addr:           ln.Addr().String(),
		Authkey:        authkey,
		PingRetry:      1,
		PingTimeout:    200 * time.Millisecond,
		ReconnectTries: 1,
		ReconnectWait:  10 * time.Millisecond,
	})
	defer p.Close()

	out, err := p.Invoke(context.Background(), "svc", "echo", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(out))
}

func TestServerProxy_RemoteErrorMapped(t *testing.T) {
	authkey := []byte("topsecret")
	srv := NewServer(authkey, clog.New("test "))
	srv.Register("svc", echoService{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.serveListener(ln)
	defer srv.Close()

	p := NewProxy(ProxyConfig{
		Addr:           ln.Addr().String(),
		Authkey:        authkey,
		PingRetry:      1,
		PingTimeout:    200 * time.Millisecond,
		ReconnectTries: 1,
		ReconnectWait:  10 * time.Millisecond,
	})
	defer p.Close()

	_, err = p.Invoke(context.Background(), "svc", "fail_empty", nil)
	assert.ErrorIs(t, err, wireerr.Empty)
}

func TestProxy_AuthFailureIsFatal(t *testing.T) {
	srv := NewServer([]byte("real-key"), clog.New("test "))
	srv.Register("svc", echoService{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.serveListener(ln)
	defer srv.Close()

	p := NewProxy(ProxyConfig{
		Addr:           ln.Addr().String(),
		Authkey:        []byte("wrong-key"),
		PingRetry:      1,
		PingTimeout:    200 * time.Millisecond,
		ReconnectTries: 2,
		ReconnectWait:  10 * time.Millisecond,
	})
	defer p.Close()

	_, err = p.Invoke(context.Background(), "svc", "echo", nil)
	assert.ErrorIs(t, err, wireerr.AuthFailed)
}
