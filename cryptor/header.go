// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cryptor

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/gitcrypt/errors"
)

// Loose object headers are laid out as
//
//	[0:4)  "ENC\x00"
//	[4]    0x80 | algorithm
//	[5:7)  salt (short-salt algorithms), else zero
//	[7]    zero
//	[8:20) nonce (nonce-bearing algorithms only)
//
// Pack headers are the standard 12-byte pack header whose version
// word is repurposed when the pack is encrypted:
//
//	[0:4)   "PACK"
//	[4]     0x80 | algorithm (encrypted), else zero
//	[5:7)   salt (short-salt algorithms), else zero
//	[7]     container version (2 or 3) in the low 3 bits
//	[8:12)  number of objects
//	[12:24) nonce (nonce-bearing algorithms only)
const (
	// LooseFixedSize is the size of the fixed part of a loose header.
	LooseFixedSize = 8
	// PackFixedSize is the size of the fixed part of a pack header.
	PackFixedSize = 12

	encryptedBit = 0x80
	versionMask  = 0x07
)

var (
	// LooseSignature marks an encrypted loose object.
	LooseSignature = [4]byte{'E', 'N', 'C', 0}
	// PackSignature marks a pack stream.
	PackSignature = [4]byte{'P', 'A', 'C', 'K'}
)

func extraSize(a Algorithm) int {
	if a.Band() == BandNonce {
		return NonceSize
	}
	return 0
}

func errTruncated(what string, n, want int) error {
	return errors.E(errors.Format, errors.Fatal, fmt.Sprintf("truncated %s header: %d bytes, want %d", what, n, want))
}

// LooseHeader is the decoded header of an encrypted loose object.
type LooseHeader struct {
	Algorithm Algorithm
	Nonce     []byte
}

// LooseHeaderSize returns the size of the loose header for algorithm a.
func LooseHeaderSize(a Algorithm) int {
	return LooseFixedSize + extraSize(a)
}

// Size returns the encoded size of the header.
func (h LooseHeader) Size() int { return LooseHeaderSize(h.Algorithm) }

// Encode returns the wire form of the header.
func (h LooseHeader) Encode() []byte {
	b := make([]byte, h.Size())
	copy(b, LooseSignature[:])
	b[4] = encryptedBit | byte(h.Algorithm)
	switch h.Algorithm.Band() {
	case BandSalt:
		copy(b[5:7], h.Nonce)
	case BandNonce:
		copy(b[LooseFixedSize:], h.Nonce)
	}
	return b
}

// EncodeLoose returns the loose header announcing cryptor c.
func EncodeLoose(c *Cryptor) []byte {
	return LooseHeader{c.alg, c.nonce}.Encode()
}

// SniffLoose tells whether b begins with an encrypted loose header.
// Anything else, including a short buffer, is a plain object.
func SniffLoose(b []byte) bool {
	return len(b) > 4 && bytes.Equal(b[:4], LooseSignature[:]) && b[4]&encryptedBit != 0
}

// DecodeLooseFixed decodes the fixed part of a loose header, b[:8].
// It returns the header and the number of bytes that follow the fixed
// part; if nonzero, they must be supplied to WithNonce. DecodeLooseFixed
// returns a Format error for a bad signature or an unknown, reserved
// or malformed algorithm.
func DecodeLooseFixed(b []byte) (LooseHeader, int, error) {
	if len(b) < LooseFixedSize {
		return LooseHeader{}, 0, errTruncated("loose", len(b), LooseFixedSize)
	}
	if !SniffLoose(b) {
		return LooseHeader{}, 0, errors.E(errors.Format, errors.Fatal, fmt.Sprintf("bad loose header signature %q", b[:4]))
	}
	h := LooseHeader{Algorithm: Algorithm(b[4] &^ encryptedBit)}
	if err := checkWire(h.Algorithm); err != nil {
		return LooseHeader{}, 0, err
	}
	if h.Algorithm.Band() == BandSalt {
		h.Nonce = append([]byte{}, b[5:7]...)
	}
	return h, extraSize(h.Algorithm), nil
}

// WithNonce returns the header completed with the nonce region b.
func (h LooseHeader) WithNonce(b []byte) (LooseHeader, error) {
	if n := extraSize(h.Algorithm); len(b) < n {
		return LooseHeader{}, errTruncated("loose", LooseFixedSize+len(b), LooseFixedSize+n)
	}
	if h.Algorithm.Band() == BandNonce {
		h.Nonce = append([]byte{}, b[:NonceSize]...)
	}
	return h, nil
}

// DecodeLoose decodes a complete loose header from b.
func DecodeLoose(b []byte) (LooseHeader, error) {
	h, extra, err := DecodeLooseFixed(b)
	if err != nil || extra == 0 {
		return h, err
	}
	return h.WithNonce(b[LooseFixedSize:])
}

// PackHeader is the decoded header of a pack stream.
type PackHeader struct {
	// Version is the container version, 2 or 3.
	Version uint32
	// Objects is the number of objects in the pack.
	Objects uint32
	// Algorithm is None for plain packs.
	Algorithm Algorithm
	// Nonce is the nonce or salt of encrypted packs.
	Nonce []byte
}

// Encrypted tells whether the pack is encrypted.
func (h PackHeader) Encrypted() bool { return h.Algorithm != None }

// Size returns the encoded size of the header.
func (h PackHeader) Size() int { return PackFixedSize + extraSize(h.Algorithm) }

// Encode returns the wire form of the header.
func (h PackHeader) Encode() []byte {
	b := make([]byte, h.Size())
	copy(b, PackSignature[:])
	if !h.Encrypted() {
		binary.BigEndian.PutUint32(b[4:8], h.Version)
	} else {
		b[4] = encryptedBit | byte(h.Algorithm)
		if h.Algorithm.Band() == BandSalt {
			copy(b[5:7], h.Nonce)
		}
		b[7] = byte(h.Version) & versionMask
		if h.Algorithm.Band() == BandNonce {
			copy(b[PackFixedSize:], h.Nonce)
		}
	}
	binary.BigEndian.PutUint32(b[8:12], h.Objects)
	return b
}

// EncodePack returns a version 2 pack header for nr objects. The pack
// is plain if c is nil.
func EncodePack(c *Cryptor, nr uint32) []byte {
	h := PackHeader{Version: 2, Objects: nr}
	if c != nil {
		h.Algorithm, h.Nonce = c.alg, c.nonce
	}
	return h.Encode()
}

func validVersion(v uint32) bool { return v == 2 || v == 3 }

// DecodePackFixed decodes the fixed 12-byte part of a pack header. It
// returns the header and the number of bytes that follow the fixed
// part; if nonzero, they must be supplied to WithNonce.
func DecodePackFixed(b []byte) (PackHeader, int, error) {
	if len(b) < PackFixedSize {
		return PackHeader{}, 0, errTruncated("pack", len(b), PackFixedSize)
	}
	if !bytes.Equal(b[:4], PackSignature[:]) {
		return PackHeader{}, 0, errors.E(errors.Format, errors.Fatal, fmt.Sprintf("bad pack signature %q", b[:4]))
	}
	h := PackHeader{Objects: binary.BigEndian.Uint32(b[8:12])}
	if b[4]&encryptedBit == 0 {
		h.Version = binary.BigEndian.Uint32(b[4:8])
		if !validVersion(h.Version) {
			return PackHeader{}, 0, errors.E(errors.Format, errors.Fatal, fmt.Sprintf("unsupported pack version %d", h.Version))
		}
		return h, 0, nil
	}
	h.Algorithm = Algorithm(b[4] &^ encryptedBit)
	if err := checkWire(h.Algorithm); err != nil {
		return PackHeader{}, 0, err
	}
	h.Version = uint32(b[7] & versionMask)
	if !validVersion(h.Version) {
		return PackHeader{}, 0, errors.E(errors.Format, errors.Fatal, fmt.Sprintf("unsupported encrypted pack version %d", h.Version))
	}
	if h.Algorithm.Band() == BandSalt {
		h.Nonce = append([]byte{}, b[5:7]...)
	}
	return h, extraSize(h.Algorithm), nil
}

// WithNonce returns the header completed with the nonce region b.
func (h PackHeader) WithNonce(b []byte) (PackHeader, error) {
	if n := extraSize(h.Algorithm); len(b) < n {
		return PackHeader{}, errTruncated("pack", PackFixedSize+len(b), PackFixedSize+n)
	}
	if h.Algorithm.Band() == BandNonce {
		h.Nonce = append([]byte{}, b[:NonceSize]...)
	}
	return h, nil
}

// DecodePack decodes a complete pack header from b.
func DecodePack(b []byte) (PackHeader, error) {
	h, extra, err := DecodePackFixed(b)
	if err != nil || extra == 0 {
		return h, err
	}
	return h.WithNonce(b[PackFixedSize:])
}
