// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cryptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/keystream"
	"github.com/grailbio/gitcrypt/secret"
)

// Algorithm identifies a keystream algorithm and header layout. It is
// stored on the wire as 0x80|id. Ids are allocated in bands so that a
// decoder can tell the nonce width from the id alone:
//
//	 1-63   nonce-bearing: a 12-byte nonce follows the fixed header
//	64-95   short-salt: a 2-byte salt is packed into the fixed header
//	96-127  reserved; always rejected
type Algorithm uint8

const (
	// None is the zero value; streams using it are not encrypted.
	None Algorithm = 0
	// HashBenchmark uses the SHA-256 keystream. It is fast but weak
	// and is meant for benchmarks and tests.
	HashBenchmark Algorithm = 1
	// AES uses the AES counter-mode keystream. It is the default.
	AES Algorithm = 2
	// ChaCha20 uses the ChaCha20 keystream.
	ChaCha20 Algorithm = 3

	// EasyHashBenchmark is HashBenchmark with a 2-byte salt.
	EasyHashBenchmark Algorithm = 64
	// EasyAES is AES with a 2-byte salt.
	EasyAES Algorithm = 65
	// EasyChaCha20 is ChaCha20 with a 2-byte salt.
	EasyChaCha20 Algorithm = 66

	// Default is the algorithm used when none is configured.
	Default = AES
)

// Band is a range of algorithm ids sharing a header layout.
type Band int

const (
	// BandNone holds only the None algorithm.
	BandNone Band = iota
	// BandNonce holds algorithms carrying a 12-byte nonce.
	BandNonce
	// BandSalt holds algorithms carrying a 2-byte salt.
	BandSalt
	// BandReserved holds ids that no decoder accepts.
	BandReserved
	// BandInvalid holds values that do not fit in 7 bits.
	BandInvalid
)

const (
	// NonceSize is the nonce width of BandNonce algorithms.
	NonceSize = keystream.NonceSize
	// SaltSize is the nonce width of BandSalt algorithms.
	SaltSize = 2
)

var algorithmNames = map[Algorithm]string{
	None:              "none",
	HashBenchmark:     "hash-benchmark",
	AES:               "aes",
	ChaCha20:          "chacha20",
	EasyHashBenchmark: "easy-hash-benchmark",
	EasyAES:           "easy-aes",
	EasyChaCha20:      "easy-chacha20",
}

// Band returns the band of algorithm a.
func (a Algorithm) Band() Band {
	switch {
	case a == None:
		return BandNone
	case a < 64:
		return BandNonce
	case a < 96:
		return BandSalt
	case a < 128:
		return BandReserved
	default:
		return BandInvalid
	}
}

// NonceSize returns the nonce width for a: 12 bytes for nonce-bearing
// algorithms, 2 bytes for short-salt algorithms, and 0 otherwise.
func (a Algorithm) NonceSize() int {
	switch a.Band() {
	case BandNonce:
		return NonceSize
	case BandSalt:
		return SaltSize
	default:
		return 0
	}
}

// Known tells whether a names an implemented encryption algorithm.
func (a Algorithm) Known() bool {
	_, ok := algorithmNames[a]
	return ok && a != None
}

// String returns the algorithm's name, or its numeric id if it is
// unknown.
func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// ParseAlgorithm parses an algorithm name or decimal id. Ids must name
// a known algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range algorithmNames {
		if a != None && name == s {
			return a, nil
		}
	}
	if id, err := strconv.ParseUint(s, 10, 8); err == nil && Algorithm(id).Known() {
		return Algorithm(id), nil
	}
	return None, errors.E(errors.Config, errors.Fatal, fmt.Sprintf("unknown crypto algorithm %q", s))
}

// checkWire validates an algorithm decoded from a header byte.
func checkWire(a Algorithm) error {
	switch a.Band() {
	case BandReserved:
		return errors.E(errors.Format, errors.Fatal, fmt.Sprintf("reserved algorithm %d", uint8(a)))
	case BandNone, BandInvalid:
		return errors.E(errors.Format, errors.Fatal, fmt.Sprintf("bad algorithm %d", uint8(a)))
	}
	if !a.Known() {
		return errors.E(errors.Format, errors.Fatal, fmt.Sprintf("unknown algorithm %d", uint8(a)))
	}
	return nil
}

func (a Algorithm) generator(key secret.Key, nonce []byte) keystream.Generator {
	switch a {
	case HashBenchmark, EasyHashBenchmark:
		return keystream.NewHash(key, nonce)
	case AES, EasyAES:
		return keystream.NewAES(key, nonce)
	case ChaCha20, EasyChaCha20:
		return keystream.NewChaCha20(key, nonce)
	}
	panic("cryptor: no generator for " + a.String())
}
