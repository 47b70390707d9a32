// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package keystream implements the block keystream generators used by
// the stream cryptor. Each generator is a pure function of a key, a
// nonce and a block index: the same inputs always produce the same
// block, so a stream can be enciphered starting at any offset.
package keystream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/grailbio/gitcrypt/must"
	"github.com/grailbio/gitcrypt/secret"
	"github.com/grailbio/gitcrypt/writehash"
	"golang.org/x/crypto/chacha20"
)

// MaxBlockSize is the largest block size produced by any generator.
const MaxBlockSize = 64

// NonceSize is the nonce width consumed by the generators. Shorter
// nonces (salts) are zero padded.
const NonceSize = 12

// A Generator produces keystream blocks by index.
type Generator interface {
	// BlockSize returns the size of the blocks produced by Block.
	BlockSize() int
	// Block writes the keystream block with the provided index
	// into dst, which must be at least BlockSize bytes long.
	Block(index uint64, dst []byte)
}

func padNonce(nonce []byte) [NonceSize]byte {
	var n [NonceSize]byte
	copy(n[:], nonce)
	return n
}

type hashGenerator struct {
	key   []byte
	nonce [NonceSize]byte
	h     hash.Hash
	sum   [sha256.Size]byte
}

// NewHash returns a generator whose blocks are
// SHA-256(nonce ∥ key ∥ BE32(index)).
func NewHash(key secret.Key, nonce []byte) Generator {
	return &hashGenerator{key: key.Bytes(), nonce: padNonce(nonce), h: sha256.New()}
}

func (g *hashGenerator) BlockSize() int { return sha256.Size }

func (g *hashGenerator) Block(index uint64, dst []byte) {
	g.h.Reset()
	writehash.Bytes(g.h, g.nonce[:])
	writehash.Bytes(g.h, g.key)
	writehash.Uint32(g.h, uint32(index))
	copy(dst, g.h.Sum(g.sum[:0]))
}

type aesGenerator struct {
	block cipher.Block
	ctr   [aes.BlockSize]byte
}

// NewAES returns a generator whose blocks are the AES encryption of
// (nonce[12] ∥ BE32(index)) under the key's cipher key. This is the
// counter-mode keystream with the index as the counter.
func NewAES(key secret.Key, nonce []byte) Generator {
	block, err := aes.NewCipher(key.CipherKey())
	must.Nil(err, "keystream: aes")
	g := &aesGenerator{block: block}
	n := padNonce(nonce)
	copy(g.ctr[:NonceSize], n[:])
	return g
}

func (g *aesGenerator) BlockSize() int { return aes.BlockSize }

func (g *aesGenerator) Block(index uint64, dst []byte) {
	binary.BigEndian.PutUint32(g.ctr[NonceSize:], uint32(index))
	g.block.Encrypt(dst, g.ctr[:])
}

type chachaGenerator struct {
	key   []byte
	nonce [NonceSize]byte
	c     *chacha20.Cipher
	next  uint64
	zero  [MaxBlockSize]byte
}

// NewChaCha20 returns a generator whose blocks are the ChaCha20
// keystream blocks with the index as the block counter.
func NewChaCha20(key secret.Key, nonce []byte) Generator {
	return &chachaGenerator{key: key.Key256(), nonce: padNonce(nonce)}
}

func (g *chachaGenerator) BlockSize() int { return MaxBlockSize }

func (g *chachaGenerator) Block(index uint64, dst []byte) {
	// The cipher's counter only moves forward; rewinding requires a
	// fresh cipher.
	if g.c == nil || index < g.next {
		c, err := chacha20.NewUnauthenticatedCipher(g.key, g.nonce[:])
		must.Nil(err, "keystream: chacha20")
		g.c = c
	}
	g.c.SetCounter(uint32(index))
	g.c.XORKeyStream(dst[:MaxBlockSize], g.zero[:])
	g.next = index + 1
}
