// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import "github.com/fxamacker/cbor/v2"

// Request is the wire form of a single remote call: the target service
// (job_q, result_q, fail_q, const_arg), the method name, and a
// canonical CBOR encoding of the call arguments.
type Request struct {
	Target string `cbor:"target"`
	Method string `cbor:"method"`
	Args   []byte `cbor:"args"`
}

// ErrKind tags the kind of failure carried by a Response so the caller
// can map it back to a wireerr sentinel without parsing a message.
type ErrKind string

const (
	ErrKindNone              ErrKind = ""
	ErrKindKey               ErrKind = "KeyError"
	ErrKindValue             ErrKind = "ValueError"
	ErrKindEmpty             ErrKind = "Empty"
	ErrKindClosed            ErrKind = "Closed"
	ErrKindAlreadyMarked     ErrKind = "AlreadyMarked"
	ErrKindNotGotten         ErrKind = "NotGotten"
	ErrKindDuplicate         ErrKind = "Duplicate"
	ErrKindAuth              ErrKind = "Auth"
	ErrKindOther             ErrKind = "RemoteOther"
)

// Response is the wire form of a call's result: either a successful
// payload or a tagged error.
type Response struct {
	OK      bool    `cbor:"ok"`
	Payload []byte  `cbor:"payload,omitempty"`
	ErrKind ErrKind `cbor:"err_kind,omitempty"`
	ErrMsg  string  `cbor:"err_msg,omitempty"`
}

func encodeRequest(req Request) ([]byte, error)  { return cbor.Marshal(req) }
func decodeRequest(b []byte) (Request, error) {
	var req Request
	err := cbor.Unmarshal(b, &req)
	return req, err
}

func encodeResponse(resp Response) ([]byte, error) { return cbor.Marshal(resp) }
func decodeResponse(b []byte) (Response, error) {
	var resp Response
	err := cbor.Unmarshal(b, &resp)
	return resp, err
}
