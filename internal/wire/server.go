// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import (
	"errors"
	"net"
	"sync"

	"github.com/distjob/dispatch/clog"
	"github.com/distjob/dispatch/internal/wireerr"
)

// Service is a single remote-callable object — job_q, result_q, fail_q,
// or const_arg — exposed by a Server under a fixed target id. A method
// dispatches by name within one service; there is no general attribute
// path resolution, so the set of callable operations is fixed and
// statically typed per service.
type Service interface {
	// Call invokes method with the CBOR-encoded argsBlob and returns a
	// CBOR-encoded result, or an error from the wireerr taxonomy.
	Call(method string, argsBlob []byte) (resultBlob []byte, err error)
}

// Server accepts authenticated connections and dispatches requests to
// registered Services by target id.
type Server struct {
	authkey []byte
	log     *clog.CLogger

	mu       sync.RWMutex
	services map[string]Service

	listener net.Listener
	closed   bool
}

// NewServer creates a Server authenticating peers with authkey.
func NewServer(authkey []byte, log *clog.CLogger) *Server {
	return &Server{authkey: authkey, log: log, services: make(map[string]Service)}
}

// Register exposes svc under target, replacing any prior registration.
// Used once at startup for job_q/result_q/fail_q/const_arg; calling it
// again after a snapshot reload installs a fresh backing service under
// the same target id workers already know.
func (s *Server) Register(target string, svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[target] = svc
}

// Serve accepts connections on addr until the listener is closed by
// Close. Each connection is handled in its own goroutine and outlives
// individual request errors; only connection-level I/O failure ends a
// connection's goroutine.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serveListener(ln)
}

// serveListener runs the accept loop over an already-bound listener,
// letting callers (notably tests) construct the listener themselves to
// pin an ephemeral port before Serve's caller can observe it.
func (s *Server) serveListener(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the bound listener address, valid after Serve has
// started listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections. A Serve that has not bound its
// listener yet closes it as soon as it does.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := ServerHandshake(conn, s.authkey); err != nil {
		s.log.Warnf("handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}
		req, err := decodeRequest(frame)
		if err != nil {
			s.log.Warnf("malformed request from %s: %v", conn.RemoteAddr(), err)
			return
		}

		resp := s.dispatch(req)
		out, err := encodeResponse(resp)
		if err != nil {
			s.log.Errorf("encoding response for %s.%s: %v", req.Target, req.Method, err)
			return
		}
		if err := WriteFrame(conn, out); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	s.mu.RLock()
	svc, ok := s.services[req.Target]
	s.mu.RUnlock()

	if !ok {
		return Response{ErrKind: ErrKindKey, ErrMsg: "unknown target: " + req.Target}
	}

	payload, err := svc.Call(req.Method, req.Args)
	if err != nil {
		if errors.Is(err, wireerr.Remark) {
			// Warning, not a failure: report success with no payload.
			return Response{OK: true}
		}
		return Response{ErrKind: errKindFor(err), ErrMsg: err.Error()}
	}
	return Response{OK: true, Payload: payload}
}
