// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package secret turns a configured passphrase into key material for
// the keystream generators.
//
// A secret is a string optionally prefixed by a tag selecting its
// decoding: "raw:" uses the characters that follow as key bytes and
// "base64:" decodes them as standard base64. Untagged secrets are raw.
// A base64 secret that fails to decode is used as raw bytes instead.
package secret

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/log"
)

// MinLen is the minimum number of characters in a secret, not
// counting its tag.
const MinLen = 8

const (
	tagRaw    = "raw:"
	tagBase64 = "base64:"
)

// Key is the decoded key material of a secret.
type Key []byte

// Parse decodes the secret s. It returns a Config error if s is empty
// or shorter than MinLen characters.
func Parse(s string) (Key, error) {
	var (
		body   = s
		decode bool
	)
	switch {
	case strings.HasPrefix(s, tagBase64):
		body, decode = s[len(tagBase64):], true
	case strings.HasPrefix(s, tagRaw):
		body = s[len(tagRaw):]
	}
	if body == "" {
		return nil, errors.E(errors.Config, errors.Fatal, "secret is not set")
	}
	if len(body) < MinLen {
		return nil, errors.E(errors.Config, errors.Fatal,
			fmt.Sprintf("secret must be at least %d characters, got %d", MinLen, len(body)))
	}
	if decode {
		b, err := base64.StdEncoding.DecodeString(body)
		if err == nil && len(b) > 0 {
			return Key(b), nil
		}
		log.Debug.Printf("secret: base64 decode failed, using raw bytes: %v", err)
	}
	return Key(body), nil
}

// Bytes returns the decoded key bytes.
func (k Key) Bytes() []byte { return []byte(k) }

// Len returns the number of decoded key bytes.
func (k Key) Len() int { return len(k) }

// CipherKey returns key material suitable for AES: the key itself if
// it is 16, 24 or 32 bytes long, and its SHA-256 digest otherwise.
func (k Key) CipherKey() []byte {
	switch len(k) {
	case 16, 24, 32:
		return []byte(k)
	}
	return k.Key256()
}

// Key256 returns 32 bytes of key material, as required by ChaCha20.
func (k Key) Key256() []byte {
	if len(k) == 32 {
		return []byte(k)
	}
	sum := sha256.Sum256(k)
	return sum[:]
}

// String implements fmt.Stringer without revealing the key.
func (k Key) String() string {
	return fmt.Sprintf("secret(%d bytes)", len(k))
}

// GoString implements fmt.GoStringer without revealing the key.
func (k Key) GoString() string { return k.String() }
