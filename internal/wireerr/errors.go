// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package wireerr defines the typed error taxonomy shared by the container,
// queue, and wire layers so that callers can branch on failure kind with
// errors.Is instead of string matching, the Go analogue of the Python
// original's JMConnectionError/RemoteError exception hierarchy.
package wireerr

import "errors"

// Sentinel errors. Wrap with fmt.Errorf("...: %w", Err) to add context while
// keeping errors.Is matching intact.
var (
	// Empty is returned by a container or queue get when nothing is
	// available and the caller did not block, or the block timed out.
	Empty = errors.New("wireerr: empty")

	// Closed is returned by any operation on a closed container or queue.
	Closed = errors.New("wireerr: closed")

	// Duplicate is returned by Coordinator.PutArg when the argument id is
	// already known to the container (pending, gotten, or marked).
	Duplicate = errors.New("wireerr: duplicate argument")

	// AlreadyMarked is returned by Put when the id has already been
	// marked; re-queuing a finished argument is rejected.
	AlreadyMarked = errors.New("wireerr: already marked")

	// NotGotten is returned by Mark when the id is not currently gotten.
	NotGotten = errors.New("wireerr: not gotten")

	// Remark is a non-fatal warning signaled (not returned as a state
	// change) when Mark is called twice on the same id.
	Remark = errors.New("wireerr: remark")

	// AuthFailed is returned by the wire handshake on a digest mismatch.
	AuthFailed = errors.New("wireerr: authentication failed")

	// HostUnreachable is returned when the bounded reachability probe
	// exhausts its retries.
	HostUnreachable = errors.New("wireerr: host unreachable")

	// ConnectionRefused maps to a fail-fast TCP connection refusal: no
	// server is listening at the destination.
	ConnectionRefused = errors.New("wireerr: connection refused")

	// ConnectionReset maps to a mid-call reset, retried up to
	// reconnect_tries before surfacing as ConnectionError.
	ConnectionReset = errors.New("wireerr: connection reset")

	// ConnectionError is returned once reconnect/retry budget is
	// exhausted; the caller should treat it as "server gone".
	ConnectionError = errors.New("wireerr: connection error")

	// BrokenPipe maps to a write to an already-closed peer connection.
	BrokenPipe = errors.New("wireerr: broken pipe")

	// RemoteKey indicates the remote object id is unknown to the peer,
	// usually because the coordinator restarted with a fresh registry.
	RemoteKey = errors.New("wireerr: remote key error")

	// RemoteValue indicates a decode/encode mismatch between peers,
	// usually a version skew in the wire codec.
	RemoteValue = errors.New("wireerr: remote value error")

	// RemoteOther is any other error reported by the remote side that
	// does not map to a more specific kind.
	RemoteOther = errors.New("wireerr: remote error")

	// Unexpected wraps any error not otherwise classified.
	Unexpected = errors.New("wireerr: unexpected error")
)
