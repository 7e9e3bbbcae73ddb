// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package argid computes the stable identifier used to deduplicate and
// index arguments throughout the container, wire, and snapshot layers.
package argid

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
)

// ID is a hex-encoded SHA-256 digest over an argument's canonical CBOR
// encoding. Two arguments that encode identically produce the same ID
// regardless of map key order or process.
type ID string

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Of computes the ID of an arbitrary CBOR-encodable argument.
func Of(arg any) (ID, error) {
	b, err := encMode.Marshal(arg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return ID(hex.EncodeToString(sum[:])), nil
}

// Encode returns the canonical CBOR encoding of arg, the same bytes Of
// hashes. Used by the container and snapshot layers to store the
// argument payload alongside its ID without re-encoding.
func Encode(arg any) ([]byte, error) {
	return encMode.Marshal(arg)
}

// Decode unmarshals canonical CBOR bytes produced by Encode into out.
func Decode(b []byte, out any) error {
	return cbor.Unmarshal(b, out)
}
