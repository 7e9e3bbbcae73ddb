// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package rpcmsg defines the CBOR payload shapes shared by the
// coordinator's wire.Service adapters and the worker's proxy calls.
// Keeping them in one package (rather than duplicating equivalent
// structs on each side) is the one place that must stay in sync for
// the two to decode each other's frames correctly.
package rpcmsg

import "github.com/distjob/dispatch/internal/argid"

// GetRequest is job_q.get's request payload.
type GetRequest struct {
	Block     bool
	TimeoutMS int64
}

// ArgEnvelope carries an id alongside its canonical CBOR-encoded
// argument. It is job_q.get's response and job_q.put's request, so a
// worker re-queuing an in-flight argument never needs to decode it
// into a concrete Go type.
type ArgEnvelope struct {
	ID  argid.ID
	Arg []byte
}

// ResultMsg is result_q.put's request payload: a completed (arg,
// result) pair.
type ResultMsg struct {
	ID     argid.ID
	Arg    []byte
	Result []byte
}

// FailMsg is fail_q.put's request payload: an argument a worker could
// not complete, tagged with the failure kind and the worker's hostname.
type FailMsg struct {
	ID       argid.ID
	Arg      []byte
	Kind     string
	Hostname string
}
