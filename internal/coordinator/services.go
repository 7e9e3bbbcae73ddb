// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"time"

	"github.com/distjob/dispatch/internal/argid"
	"github.com/distjob/dispatch/internal/rpcmsg"
	"github.com/distjob/dispatch/internal/wireerr"
)

// jobQService exposes ArgsContainer.Get/PutBytes as the job_q remote
// object workers pull arguments from and re-queue an in-flight
// argument to on abort.
type jobQService struct{ c *Coordinator }

func (s jobQService) Call(method string, argsBlob []byte) ([]byte, error) {
	switch method {
	case "get":
		var req rpcmsg.GetRequest
		if len(argsBlob) > 0 {
			if err := argid.Decode(argsBlob, &req); err != nil {
				return nil, wireerr.RemoteValue
			}
		}
		id, b, err := s.c.args.Get(context.Background(), req.Block, time.Duration(req.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return argid.Encode(rpcmsg.ArgEnvelope{ID: id, Arg: b})

	case "put":
		var req rpcmsg.ArgEnvelope
		if err := argid.Decode(argsBlob, &req); err != nil {
			return nil, wireerr.RemoteValue
		}
		return nil, s.c.args.PutBytes(req.ID, req.Arg)

	default:
		return nil, wireerr.RemoteKey
	}
}

// resultQService exposes result_q.put: a worker reports a successfully
// completed (arg, result) pair.
type resultQService struct{ c *Coordinator }

func (s resultQService) Call(method string, argsBlob []byte) ([]byte, error) {
	if method != "put" {
		return nil, wireerr.RemoteKey
	}
	var msg rpcmsg.ResultMsg
	if err := argid.Decode(argsBlob, &msg); err != nil {
		return nil, wireerr.RemoteValue
	}
	return nil, s.c.resultQ.Put(msg)
}

// failQService exposes fail_q.put: a worker reports a user-function
// exception for an argument it could not complete.
type failQService struct{ c *Coordinator }

func (s failQService) Call(method string, argsBlob []byte) ([]byte, error) {
	if method != "put" {
		return nil, wireerr.RemoteKey
	}
	var msg rpcmsg.FailMsg
	if err := argid.Decode(argsBlob, &msg); err != nil {
		return nil, wireerr.RemoteValue
	}
	return nil, s.c.failQ.Put(msg)
}

// constArgService exposes const_arg.get: the immutable value broadcast
// read-only to every worker.
type constArgService struct{ c *Coordinator }

func (s constArgService) Call(method string, _ []byte) ([]byte, error) {
	if method != "get" {
		return nil, wireerr.RemoteKey
	}
	return argid.Encode(s.c.cfg.ConstArg)
}
