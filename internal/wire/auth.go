// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package wire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/distjob/dispatch/internal/wireerr"
)

const challengeSize = 32

func digest(authkey, challenge []byte) []byte {
	mac := hmac.New(sha256.New, authkey)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// ServerHandshake authenticates an inbound connection: it sends a
// random challenge, verifies the peer's HMAC digest over it, and sends
// its own digest back so the client can confirm the server also holds
// authkey (mutual confirmation, not just one-way auth).
func ServerHandshake(rw io.ReadWriter, authkey []byte) error {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	if err := WriteFrame(rw, challenge); err != nil {
		return err
	}

	clientDigest, err := ReadFrame(rw)
	if err != nil {
		return err
	}
	want := digest(authkey, challenge)
	if !hmac.Equal(clientDigest, want) {
		// A one-byte frame can never equal a digest, so the client fails
		// with AuthFailed instead of waiting for a digest that never comes.
		_ = WriteFrame(rw, []byte{0})
		return wireerr.AuthFailed
	}

	return WriteFrame(rw, want)
}

// ClientHandshake authenticates an outbound connection: it reads the
// server's challenge, responds with its HMAC digest, and verifies the
// server's returned digest matches, confirming both sides hold the same
// authkey before any request is sent.
func ClientHandshake(rw io.ReadWriter, authkey []byte) error {
	challenge, err := ReadFrame(rw)
	if err != nil {
		return err
	}
	mine := digest(authkey, challenge)
	if err := WriteFrame(rw, mine); err != nil {
		return err
	}

	serverDigest, err := ReadFrame(rw)
	if err != nil {
		return err
	}
	if !hmac.Equal(serverDigest, mine) {
		return wireerr.AuthFailed
	}
	return nil
}
