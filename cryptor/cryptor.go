// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cryptor implements the seekable XOR stream cipher used to
// encipher loose objects and pack streams, together with the codec
// for the headers that announce it.
//
// A Cryptor combines a keystream generator with a nonce and a running
// byte offset. Byte i of a stream is XORed with byte i mod B of
// keystream block i/B, where B is the generator's block size.
// Encryption and decryption are therefore the same operation, and
// a Cryptor may be positioned at any offset with SetOffset: encrypting
// a stream in one call, in many calls, or in two halves with two
// Cryptors yields the same bytes.
//
// Cryptors are not safe for concurrent use.
package cryptor

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"os"
	"time"

	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/keystream"
	"github.com/grailbio/gitcrypt/log"
	"github.com/grailbio/gitcrypt/must"
	"github.com/grailbio/gitcrypt/secret"
)

// Options configures new Cryptors. It is typically produced by
// config.Config.CryptorOptions.
type Options struct {
	// Key is the decoded secret. Encryption is disabled if it is empty.
	Key secret.Key
	// Algorithm is the algorithm used by new encryptors. The zero
	// value selects Default.
	Algorithm Algorithm
	// Nonce, if set, replaces the generated nonce of new encryptors.
	// It is truncated or zero padded to the algorithm's nonce width.
	Nonce []byte
	// MaxEncryptSize, if positive, is the largest loose object that
	// is encrypted; larger objects are stored plain.
	MaxEncryptSize int64
}

// Enabled tells whether the options configure encryption.
func (o Options) Enabled() bool { return len(o.Key) > 0 }

func (o Options) algorithm() Algorithm {
	if o.Algorithm == None {
		return Default
	}
	return o.Algorithm
}

var (
	randomSource io.Reader = rand.Reader
	now                    = time.Now
)

// SetRandSource sets the source of random salts and is intended
// primarily for testing purposes.
func SetRandSource(rd io.Reader) {
	randomSource = rd
}

func newNonce(a Algorithm) ([]byte, error) {
	nonce := make([]byte, a.NonceSize())
	if a.Band() == BandSalt {
		if _, err := io.ReadFull(randomSource, nonce); err != nil {
			return nil, errors.E(fmt.Sprintf("failed to read %d bytes of random data", len(nonce)), err)
		}
		return nonce, nil
	}
	binary.BigEndian.PutUint64(nonce, uint64(now().UnixNano()))
	binary.BigEndian.PutUint32(nonce[8:], uint32(os.Getpid()))
	return nonce, nil
}

// A Cryptor enciphers and deciphers a single stream.
type Cryptor struct {
	alg   Algorithm
	key   secret.Key
	nonce []byte
	gen   keystream.Generator
	shift uint
	mask  int64

	offset int64
	index  uint64
	valid  bool
	block  [keystream.MaxBlockSize]byte
}

// New returns a new encryptor configured by opts. Its nonce is
// opts.Nonce if set, and freshly generated otherwise. New returns a
// Config error if opts carries no key or names an unknown algorithm.
func New(opts Options) (*Cryptor, error) {
	if !opts.Enabled() {
		return nil, errors.E(errors.Config, errors.Fatal, "encryption requested but no secret is configured")
	}
	alg := opts.algorithm()
	if !alg.Known() {
		return nil, errors.E(errors.Config, errors.Fatal, fmt.Sprintf("unknown crypto algorithm %d", uint8(alg)))
	}
	var nonce []byte
	if opts.Nonce != nil {
		nonce = make([]byte, alg.NonceSize())
		copy(nonce, opts.Nonce)
	} else {
		var err error
		if nonce, err = newNonce(alg); err != nil {
			return nil, err
		}
	}
	return newCryptor(opts.Key, alg, nonce), nil
}

// NewDecryptor returns a Cryptor for a stream whose header announced
// algorithm alg and the provided nonce.
func NewDecryptor(opts Options, alg Algorithm, nonce []byte) (*Cryptor, error) {
	if !opts.Enabled() {
		return nil, errors.E(errors.Config, errors.Fatal, "encrypted stream but no secret is configured")
	}
	if err := checkWire(alg); err != nil {
		return nil, err
	}
	if len(nonce) != alg.NonceSize() {
		return nil, errors.E(errors.Format, errors.Fatal,
			fmt.Sprintf("%v: nonce is %d bytes, want %d", alg, len(nonce), alg.NonceSize()))
	}
	return newCryptor(opts.Key, alg, append([]byte{}, nonce...)), nil
}

func newCryptor(key secret.Key, alg Algorithm, nonce []byte) *Cryptor {
	c := &Cryptor{alg: alg, key: key, nonce: nonce, gen: alg.generator(key, nonce)}
	bsize := c.gen.BlockSize()
	must.Truef(bsize > 0 && bsize <= keystream.MaxBlockSize && bsize&(bsize-1) == 0,
		"cryptor: bad block size %d", bsize)
	c.shift = uint(bits.TrailingZeros(uint(bsize)))
	c.mask = int64(bsize - 1)
	log.Debug.Printf("cryptor: %v nonce %x block size %d", alg, nonce, bsize)
	return c
}

// Algorithm returns the cryptor's algorithm.
func (c *Cryptor) Algorithm() Algorithm { return c.alg }

// Nonce returns a copy of the cryptor's nonce (or salt).
func (c *Cryptor) Nonce() []byte { return append([]byte{}, c.nonce...) }

// BlockSize returns the keystream block size.
func (c *Cryptor) BlockSize() int { return int(c.mask + 1) }

// Limit returns the length of the longest stream the cryptor can
// encipher: block indices are 32 bits wide.
func (c *Cryptor) Limit() int64 { return (c.mask + 1) << 32 }

// CheckLimit returns an Overflow error if processing n more bytes
// would take the cryptor past Limit.
func (c *Cryptor) CheckLimit(n int) error {
	if end := c.offset + int64(n); end > c.Limit() {
		return errors.E(errors.Overflow, errors.Fatal,
			fmt.Sprintf("stream offset %d exceeds keystream limit %d", end, c.Limit()))
	}
	return nil
}

// Offset returns the stream offset of the next byte to be processed.
func (c *Cryptor) Offset() int64 { return c.offset }

// SetOffset positions the cryptor at stream offset off.
func (c *Cryptor) SetOffset(off int64) {
	must.Truef(off >= 0, "cryptor: negative offset %d", off)
	c.offset = off
}

// Rewind moves the cryptor back by n bytes.
func (c *Cryptor) Rewind(n int64) { c.SetOffset(c.offset - n) }

// Clone returns a Cryptor with the same key, algorithm, nonce and
// offset, and independent state.
func (c *Cryptor) Clone() *Cryptor {
	d := newCryptor(c.key, c.alg, c.nonce)
	d.offset = c.offset
	return d
}

// XORKeyStream XORs each byte in src with the keystream at the
// cryptor's offset, writes the result to dst, and advances the offset.
// It processes min(len(dst), len(src)) bytes. Dst and src may
// overlap exactly or not at all. XORKeyStream panics if the stream
// grows past Limit.
func (c *Cryptor) XORKeyStream(dst, src []byte) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	must.Truef(c.offset+int64(n) <= c.Limit(), "cryptor: offset %d exceeds keystream limit", c.offset+int64(n))
	for i := 0; i < n; {
		index := uint64(c.offset) >> c.shift
		if !c.valid || index != c.index {
			c.gen.Block(index, c.block[:])
			c.index, c.valid = index, true
		}
		off := int(c.offset & c.mask)
		k := subtle.XORBytes(dst[i:n], src[i:n], c.block[off:c.mask+1])
		i += k
		c.offset += int64(k)
	}
}

// Encrypt enciphers src into dst. See XORKeyStream.
func (c *Cryptor) Encrypt(dst, src []byte) { c.XORKeyStream(dst, src) }

// Decrypt deciphers src into dst. It is the same operation as Encrypt.
func (c *Cryptor) Decrypt(dst, src []byte) { c.XORKeyStream(dst, src) }

// String describes the cryptor without revealing its key.
func (c *Cryptor) String() string {
	return fmt.Sprintf("%v(nonce=%x offset=%d)", c.alg, c.nonce, c.offset)
}
