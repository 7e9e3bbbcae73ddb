// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/distjob/dispatch/internal/wireerr"
)

// ProxyConfig governs the reachability probe and the connect/invoke
// retry budget: ping retries/timeout and reconnect tries/wait.
type ProxyConfig struct {
	Addr string
	Authkey []byte

	PingRetry      int
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectTries int
	ReconnectWait  time.Duration
	CallTimeout    time.Duration
}

func (c *ProxyConfig) setDefaults() {
	if c.PingRetry <= 0 {
		c.PingRetry = 3
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReconnectTries <= 0 {
		c.ReconnectTries = 5
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Proxy is WireProxy: the worker-side handle used to call job_q,
// result_q, fail_q, and const_arg on a remote coordinator.
type Proxy struct {
	cfg ProxyConfig

	mu   sync.Mutex
	conn net.Conn
}

// NewProxy creates a Proxy targeting cfg.Addr. The connection is opened
// lazily on first Invoke.
func NewProxy(cfg ProxyConfig) *Proxy {
	cfg.setDefaults()
	return &Proxy{cfg: cfg}
}

// Close releases any open connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// ping performs the reachability probe: a bounded number of TCP-connect
// attempts, used as a portable substitute for an ICMP echo (which
// requires raw-socket privilege this process should not need).
func (p *Proxy) ping(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		conn, err := net.DialTimeout("tcp", p.cfg.Addr, p.cfg.PingTimeout)
		if err != nil {
			if attempt >= p.cfg.PingRetry {
				return backoff.Permanent(wireerr.HostUnreachable)
			}
			return err
		}
		conn.Close()
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.PingTimeout/2+time.Millisecond), uint64(p.cfg.PingRetry)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if perr, ok := err.(*backoff.PermanentError); ok {
			return perr.Err
		}
		return wireerr.HostUnreachable
	}
	return nil
}

// connect dials and authenticates a fresh connection, replacing any
// existing one. ConnectionRefused fails fast since a refused dial means
// nothing is listening yet, not a transient network blip; other dial
// failures are retried by the caller's backoff budget.
func (p *Proxy) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return classifyDial(err)
	}
	if err := ClientHandshake(conn, p.cfg.Authkey); err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	p.mu.Unlock()
	return nil
}

// Invoke performs proxy_operation: probe, connect, send the request,
// await the response, retrying connect/invoke up to ReconnectTries
// times on a reset or broken connection. AuthFailed, Closed, and
// RemoteKey are fatal and returned immediately.
func (p *Proxy) Invoke(ctx context.Context, target, method string, argsBlob []byte) ([]byte, error) {
	if err := p.ping(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for tries := 0; tries <= p.cfg.ReconnectTries; tries++ {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()

		if conn == nil {
			if err := p.connect(ctx); err != nil {
				if errors.Is(err, wireerr.ConnectionRefused) || errors.Is(err, wireerr.AuthFailed) {
					return nil, err
				}
				lastErr = err
				time.Sleep(p.cfg.ReconnectWait)
				continue
			}
			p.mu.Lock()
			conn = p.conn
			p.mu.Unlock()
		}

		out, err := p.invokeOnce(conn, target, method, argsBlob)
		if err == nil {
			return out, nil
		}
		if isFatal(err) {
			return nil, err
		}

		lastErr = err
		p.mu.Lock()
		if p.conn == conn {
			p.conn.Close()
			p.conn = nil
		}
		p.mu.Unlock()
		time.Sleep(p.cfg.ReconnectWait)
	}
	return nil, errors.Join(wireerr.ConnectionError, lastErr)
}

func (p *Proxy) invokeOnce(conn net.Conn, target, method string, argsBlob []byte) ([]byte, error) {
	if p.cfg.CallTimeout > 0 {
		conn.SetDeadline(time.Now().Add(p.cfg.CallTimeout))
		defer conn.SetDeadline(time.Time{})
	}

	reqBytes, err := encodeRequest(Request{Target: target, Method: method, Args: argsBlob})
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, reqBytes); err != nil {
		return nil, classifyIO(err)
	}

	frame, err := ReadFrame(conn)
	if err != nil {
		return nil, classifyIO(err)
	}
	resp, err := decodeResponse(frame)
	if err != nil {
		return nil, wireerr.RemoteValue
	}
	if !resp.OK {
		return nil, errFor(resp.ErrKind, resp.ErrMsg)
	}
	return resp.Payload, nil
}

// isFatal reports whether err should abort Invoke's retry loop
// immediately rather than reconnecting: these are identity/version or
// state-machine mismatches that a fresh connection cannot fix.
func isFatal(err error) bool {
	return errors.Is(err, wireerr.AuthFailed) ||
		errors.Is(err, wireerr.Closed) ||
		errors.Is(err, wireerr.RemoteKey) ||
		errors.Is(err, wireerr.RemoteValue) ||
		errors.Is(err, wireerr.AlreadyMarked) ||
		errors.Is(err, wireerr.NotGotten) ||
		errors.Is(err, wireerr.Duplicate) ||
		errors.Is(err, wireerr.Empty)
}
