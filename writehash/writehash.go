// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package writehash provides a set of utility functions to feed
// keystream inputs into hashes. Integers are encoded big-endian,
// matching the block-index suffix of the hash keystream.
package writehash

import (
	"encoding/binary"
	"hash"

	"github.com/grailbio/gitcrypt/must"
)

func check(n int, err error) {
	must.Nilf(err, "writehash: hash.Write returned unexpected error")
}

// Bytes writes the byte slice p into hash h.
func Bytes(h hash.Hash, p []byte) {
	check(h.Write(p))
}

// Uint32 encodes the unsigned 32-bit integer v into hash h.
func Uint32(h hash.Hash, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	check(h.Write(buf[:]))
}
