// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package digest provides a fixed-size representation for the
// whole-stream checksums that terminate pack files, and the object
// ids of the content-addressed store. Digests are comparable values;
// running digests can be cloned so that speculative writes may be
// rolled back.
package digest

import (
	"crypto"
	_ "crypto/sha1"   // for crypto.SHA1
	_ "crypto/sha256" // for crypto.SHA256
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// MaxSize is the size of the largest supported digest. It bounds the
// stack buffers used for trailer checksums.
const MaxSize = 32

const zeroString = "<zero>"

var (
	name = map[crypto.Hash]string{
		crypto.SHA1:   "sha1",
		crypto.SHA256: "sha256",
	}
	hashes = map[string]crypto.Hash{} // populated by init()
)

var (
	// ErrInvalidDigest is returned when parsing an invalid digest.
	ErrInvalidDigest = errors.New("invalid digest")
	// ErrHashUnavailable is returned when a digest's hash function
	// was not imported.
	ErrHashUnavailable = errors.New("the requested hash function is not available")
	// ErrWrongHash is returned when a digest's hash does not match
	// the hash of the Digester.
	ErrWrongHash = errors.New("wrong hash")
)

func init() {
	for h, name := range name {
		hashes[name] = h
	}
}

// Digest represents a digest computed with a cryptographic hash
// function. It uses a fixed-size representation and is directly
// comparable.
type Digest struct {
	h crypto.Hash
	b [MaxSize]byte
}

// Parse parses a string representation of Digest, as defined by
// Digest.String().
func Parse(s string) (Digest, error) {
	if s == "" || s == zeroString {
		return Digest{}, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Digest{}, ErrInvalidDigest
	}
	h, ok := hashes[parts[0]]
	if !ok {
		return Digest{}, ErrInvalidDigest
	}
	return ParseHash(h, parts[1])
}

// ParseHash parses hex string hx produced by the hash h into a
// Digest.
func ParseHash(h crypto.Hash, hx string) (Digest, error) {
	if !h.Available() {
		return Digest{}, ErrHashUnavailable
	}
	b, err := hex.DecodeString(hx)
	if err != nil {
		return Digest{}, err
	}
	if len(b) != h.Size() {
		return Digest{}, ErrInvalidDigest
	}
	return New(h, b), nil
}

// New returns a new literal digest with the provided hash and
// value. New panics if the hash is larger than MaxSize.
func New(h crypto.Hash, b []byte) Digest {
	if h.Size() > MaxSize {
		panic(fmt.Sprintf("digest: hash %v larger than %d bytes", h, MaxSize))
	}
	d := Digest{h: h}
	copy(d.b[:], b)
	return d
}

// IsZero returns whether the digest is the zero digest.
func (d Digest) IsZero() bool { return d.h == 0 }

// Hash returns the cryptographic hash used to produce this Digest.
func (d Digest) Hash() crypto.Hash { return d.h }

// Size returns the number of bytes in the digest.
func (d Digest) Size() int {
	if d.h == 0 {
		return 0
	}
	return d.h.Size()
}

// Bytes returns the raw digest bytes, as stored in a pack trailer.
func (d Digest) Bytes() []byte {
	p := make([]byte, d.Size())
	copy(p, d.b[:])
	return p
}

// Hex returns the padded hexadecimal representation of the Digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.b[:d.Size()])
}

// Name returns the name of the digest's hash.
func (d Digest) Name() string {
	return name[d.h]
}

// String returns the full string representation of the digest: the digest
// name, followed by ":", followed by its hexadecimal value.
func (d Digest) String() string {
	if d.IsZero() {
		return zeroString
	}
	return fmt.Sprintf("%s:%s", name[d.h], d.Hex())
}

// Digester computes digests based on a cryptographic hash function.
type Digester crypto.Hash

// Default is the digester used for object ids and pack trailers.
const Default = Digester(crypto.SHA1)

// ParseDigester returns the digester named by s ("sha1" or "sha256").
func ParseDigester(s string) (Digester, error) {
	h, ok := hashes[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("digest: unknown hash %q", s)
	}
	return Digester(h), nil
}

// Size returns the size of the digests produced by d.
func (d Digester) Size() int {
	return crypto.Hash(d).Size()
}

// New returns a new digest with the provided literal contents. New
// panics if the digest size does not match the hash function's length.
func (d Digester) New(b []byte) Digest {
	if crypto.Hash(d).Size() != len(b) {
		panic("digest: bad digest length")
	}
	return New(crypto.Hash(d), b)
}

// Parse parses a string into a Digest with the cryptographic hash of
// Digester. The hash name may be omitted.
func (d Digester) Parse(s string) (Digest, error) {
	if !strings.Contains(s, ":") {
		return ParseHash(crypto.Hash(d), s)
	}
	dgst, err := Parse(s)
	if err != nil {
		return Digest{}, err
	}
	if dgst.h != crypto.Hash(d) {
		return Digest{}, ErrWrongHash
	}
	return dgst, nil
}

// FromBytes computes a Digest from a slice of bytes.
func (d Digester) FromBytes(p []byte) Digest {
	w := crypto.Hash(d).New()
	if _, err := w.Write(p); err != nil {
		panic("hash returned error " + err.Error())
	}
	return New(crypto.Hash(d), w.Sum(nil))
}

// NewWriter returns a Writer that can be used to compute
// Digests of long inputs.
func (d Digester) NewWriter() Writer {
	return Writer{crypto.Hash(d), crypto.Hash(d).New()}
}

// Writer provides an io.Writer to which digested bytes are
// written and from which a Digest is produced.
type Writer struct {
	h crypto.Hash
	w hash.Hash
}

func (d Writer) Write(p []byte) (n int, err error) {
	return d.w.Write(p)
}

// Digest produces the current Digest of the Writer.
// It does not reset its internal state.
func (d Writer) Digest() Digest {
	return New(d.h, d.w.Sum(nil))
}

// Clone returns an independent copy of the writer's running state.
// The standard library's hashes implement encoding.BinaryMarshaler,
// which Clone uses to snapshot them.
func (d Writer) Clone() Writer {
	m, ok := d.w.(encoding.BinaryMarshaler)
	if !ok {
		panic(fmt.Sprintf("digest: hash %v cannot be cloned", d.h))
	}
	state, err := m.MarshalBinary()
	if err != nil {
		panic("digest: marshal hash state: " + err.Error())
	}
	w := d.h.New()
	if err := w.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		panic("digest: unmarshal hash state: " + err.Error())
	}
	return Writer{d.h, w}
}
