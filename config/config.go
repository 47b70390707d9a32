// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config loads the crypto and compression settings of a
// repository. Settings are read from a YAML file and may be
// overridden from the environment:
//
//	agit:
//	  crypto:
//	    secret: base64:U2VjcmV0IQ==   # GITCRYPT_SECRET
//	    algorithm: aes                # GITCRYPT_ALGORITHM; a name or an id
//	    nonce: hex:000102030405       # GITCRYPT_NONCE
//	    enabled: true
//	    maxsize: 512MiB
//	core:
//	  compression: 9
//
// A Config is resolved once, by CryptorOptions, into the cryptor.Options
// that are passed to the stream constructors.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/gitcrypt/compress"
	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/log"
	"github.com/grailbio/gitcrypt/secret"
	"github.com/spf13/viper"
)

const (
	keySecret      = "agit.crypto.secret"
	keyNonce       = "agit.crypto.nonce"
	keyAlgorithm   = "agit.crypto.algorithm"
	keyEnabled     = "agit.crypto.enabled"
	keyMaxSize     = "agit.crypto.maxsize"
	keyCompression = "core.compression"
)

var envBindings = map[string]string{
	keySecret:    "GITCRYPT_SECRET",
	keyNonce:     "GITCRYPT_NONCE",
	keyAlgorithm: "GITCRYPT_ALGORITHM",
}

// Config holds the crypto and compression settings.
type Config struct {
	// Secret is the encryption secret; see secret.Parse.
	Secret string
	// Nonce, if set, replaces generated nonces. It is taken as raw
	// bytes, or hex-decoded if prefixed by "hex:".
	Nonce string
	// Algorithm selects the algorithm of new encrypted streams by
	// name or id. Empty selects the default.
	Algorithm string
	// Enabled turns encryption on. It defaults to true when a secret
	// is configured.
	Enabled bool
	// MaxEncryptSize, if positive, is the largest loose object that
	// is encrypted.
	MaxEncryptSize int64
	// Compression is the zlib compression level.
	Compression int
}

// Default returns the default configuration: no encryption, default
// compression.
func Default() *Config {
	return &Config{Compression: compress.DefaultLevel}
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, env := range envBindings {
		// BindEnv fails only when given no key.
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load reads the configuration file at path. A missing file, or an
// empty path, yields the defaults, with environment overrides
// applied.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !os.IsNotExist(err) {
				return nil, errors.E(errors.Config, errors.Fatal, fmt.Sprintf("reading %s", path), err)
			}
			log.Debug.Printf("config: %s not found; using defaults", path)
		}
	}
	return parse(v)
}

func parse(v *viper.Viper) (*Config, error) {
	config := Default()
	if v.IsSet(keySecret) {
		config.Secret = v.GetString(keySecret)
	}
	if v.IsSet(keyNonce) {
		config.Nonce = v.GetString(keyNonce)
	}
	if v.IsSet(keyAlgorithm) {
		config.Algorithm = v.GetString(keyAlgorithm)
	}
	config.Enabled = config.Secret != ""
	if v.IsSet(keyEnabled) {
		config.Enabled = v.GetBool(keyEnabled)
	}
	if v.IsSet(keyMaxSize) {
		s := v.GetString(keyMaxSize)
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, errors.E(errors.Config, errors.Fatal, fmt.Sprintf("%s: bad size %q", keyMaxSize, s), err)
		}
		config.MaxEncryptSize = int64(n)
	}
	if v.IsSet(keyCompression) {
		config.Compression = v.GetInt(keyCompression)
	}
	return config, nil
}

// Validate checks the configuration without resolving it.
func (c *Config) Validate() error {
	_, err := c.CryptorOptions()
	return err
}

// CryptorOptions resolves the secret, algorithm and nonce override
// into cryptor options. Options of a configuration with encryption
// disabled carry no key, but can still be used to decrypt if a secret
// is configured.
func (c *Config) CryptorOptions() (cryptor.Options, error) {
	var opts cryptor.Options
	if !compress.ValidLevel(c.Compression) {
		return opts, errors.E(errors.Config, errors.Fatal, fmt.Sprintf("%s: invalid compression level %d", keyCompression, c.Compression))
	}
	if c.MaxEncryptSize < 0 {
		return opts, errors.E(errors.Config, errors.Fatal, fmt.Sprintf("%s: negative size %d", keyMaxSize, c.MaxEncryptSize))
	}
	opts.MaxEncryptSize = c.MaxEncryptSize
	if c.Algorithm != "" {
		alg, err := cryptor.ParseAlgorithm(c.Algorithm)
		if err != nil {
			return opts, err
		}
		opts.Algorithm = alg
	}
	if c.Nonce != "" {
		nonce, err := parseNonce(c.Nonce)
		if err != nil {
			return opts, err
		}
		opts.Nonce = nonce
	}
	if c.Secret == "" {
		if c.Enabled {
			return opts, errors.E(errors.Config, errors.Fatal, "encryption is enabled but no secret is configured")
		}
		return opts, nil
	}
	key, err := secret.Parse(c.Secret)
	if err != nil {
		return opts, err
	}
	opts.Key = key
	return opts, nil
}

// EncryptOptions returns the options used for new streams: those of
// CryptorOptions with the key removed if encryption is disabled.
func (c *Config) EncryptOptions() (cryptor.Options, error) {
	opts, err := c.CryptorOptions()
	if err != nil || c.Enabled {
		return opts, err
	}
	opts.Key = nil
	return opts, nil
}

func parseNonce(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "hex:") {
		return []byte(s), nil
	}
	b, err := hex.DecodeString(s[len("hex:"):])
	if err != nil {
		return nil, errors.E(errors.Config, errors.Fatal, fmt.Sprintf("%s: bad hex nonce", keyNonce), err)
	}
	return b, nil
}
