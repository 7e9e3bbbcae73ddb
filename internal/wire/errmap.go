// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/distjob/dispatch/internal/wireerr"
)

// classifyDial maps a dial-time error to a wireerr sentinel so callers
// can branch with errors.Is instead of string/errno matching.
func classifyDial(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return wireerr.ConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return wireerr.ConnectionReset
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wireerr.ConnectionReset
	}
	return err
}

// classifyIO maps an error observed during an established call to a
// wireerr sentinel: BrokenPipe/EOF/ConnectionReset are all treated as
// reconnect-and-retry conditions by the proxy.
func classifyIO(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return wireerr.BrokenPipe
	case errors.Is(err, syscall.EPIPE):
		return wireerr.BrokenPipe
	case errors.Is(err, syscall.ECONNRESET):
		return wireerr.ConnectionReset
	default:
		return err
	}
}

// errKindFor maps a local wireerr sentinel to its wire ErrKind tag.
func errKindFor(err error) ErrKind {
	switch {
	case errors.Is(err, wireerr.RemoteKey):
		return ErrKindKey
	case errors.Is(err, wireerr.RemoteValue):
		return ErrKindValue
	case errors.Is(err, wireerr.Empty):
		return ErrKindEmpty
	case errors.Is(err, wireerr.Closed):
		return ErrKindClosed
	case errors.Is(err, wireerr.AlreadyMarked):
		return ErrKindAlreadyMarked
	case errors.Is(err, wireerr.NotGotten):
		return ErrKindNotGotten
	case errors.Is(err, wireerr.Duplicate):
		return ErrKindDuplicate
	case errors.Is(err, wireerr.AuthFailed):
		return ErrKindAuth
	default:
		return ErrKindOther
	}
}

// errFor maps a wire ErrKind tag back to the local wireerr sentinel.
func errFor(kind ErrKind, msg string) error {
	var base error
	switch kind {
	case ErrKindKey:
		base = wireerr.RemoteKey
	case ErrKindValue:
		base = wireerr.RemoteValue
	case ErrKindEmpty:
		base = wireerr.Empty
	case ErrKindClosed:
		base = wireerr.Closed
	case ErrKindAlreadyMarked:
		base = wireerr.AlreadyMarked
	case ErrKindNotGotten:
		base = wireerr.NotGotten
	case ErrKindDuplicate:
		base = wireerr.Duplicate
	case ErrKindAuth:
		base = wireerr.AuthFailed
	default:
		base = wireerr.RemoteOther
	}
	if msg == "" {
		return base
	}
	return &remoteError{kind: base, msg: msg}
}

// remoteError wraps a local sentinel with the remote's human message,
// so errors.Is(err, wireerr.RemoteKey) still works while %v prints the
// peer's description.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }
