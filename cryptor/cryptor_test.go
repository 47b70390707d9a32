// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cryptor_test

import (
	"bytes"
	crand "crypto/rand"
	"io"
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var algorithms = []cryptor.Algorithm{
	cryptor.HashBenchmark, cryptor.AES, cryptor.ChaCha20,
	cryptor.EasyHashBenchmark, cryptor.EasyAES, cryptor.EasyChaCha20,
}

func options(t testing.TB, alg cryptor.Algorithm) cryptor.Options {
	key, err := secret.Parse("S3cr3t!!")
	require.NoError(t, err)
	return cryptor.Options{Key: key, Algorithm: alg}
}

func newCryptor(t testing.TB, alg cryptor.Algorithm) *cryptor.Cryptor {
	c, err := cryptor.New(options(t, alg))
	require.NoError(t, err)
	return c
}

func plaintext(seed int64, n int) []byte {
	p := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(p)
	return p
}

func TestRoundTrip(t *testing.T) {
	fz := fuzz.New().NilChance(0).NumElements(0, 4096)
	for _, alg := range algorithms {
		for i := 0; i < 20; i++ {
			var p []byte
			fz.Fuzz(&p)
			enc := newCryptor(t, alg)
			ct := make([]byte, len(p))
			enc.Encrypt(ct, p)
			if len(p) > 64 {
				assert.NotEqual(t, p, ct, "%v", alg)
			}
			dec, err := cryptor.NewDecryptor(options(t, alg), enc.Algorithm(), enc.Nonce())
			require.NoError(t, err)
			pt := make([]byte, len(ct))
			dec.Decrypt(pt, ct)
			require.Equal(t, p, pt, "%v", alg)
		}
	}
}

func TestChunkingInvariance(t *testing.T) {
	fz := fuzz.New().NilChance(0).NumElements(1, 40)
	for _, alg := range algorithms {
		p := plaintext(1, 5000)
		whole := newCryptor(t, alg)
		want := make([]byte, len(p))
		whole.Encrypt(want, p)

		var sizes []uint8
		fz.Fuzz(&sizes)
		chunked, err := cryptor.NewDecryptor(options(t, alg), whole.Algorithm(), whole.Nonce())
		require.NoError(t, err)
		got := make([]byte, 0, len(p))
		for off, i := 0, 0; off < len(p); i++ {
			n := int(sizes[i%len(sizes)]) + 1
			if off+n > len(p) {
				n = len(p) - off
			}
			buf := make([]byte, n)
			chunked.Encrypt(buf, p[off:off+n])
			got = append(got, buf...)
			off += n
		}
		require.Equal(t, want, got, "%v", alg)
		require.Equal(t, int64(len(p)), chunked.Offset())
	}
}

func TestResumeInvariance(t *testing.T) {
	for _, alg := range algorithms {
		p := plaintext(2, 1000)
		whole := newCryptor(t, alg)
		want := make([]byte, len(p))
		whole.Encrypt(want, p)
		for _, k := range []int{0, 1, 15, 16, 17, 63, 64, 65, 999} {
			a, err := cryptor.NewDecryptor(options(t, alg), alg, whole.Nonce())
			require.NoError(t, err)
			b, err := cryptor.NewDecryptor(options(t, alg), alg, whole.Nonce())
			require.NoError(t, err)
			got := make([]byte, len(p))
			a.Encrypt(got[:k], p[:k])
			b.SetOffset(int64(k))
			b.Encrypt(got[k:], p[k:])
			require.Equal(t, want, got, "%v split at %d", alg, k)
		}
	}
}

func TestInPlaceAndRewind(t *testing.T) {
	c := newCryptor(t, cryptor.AES)
	p := plaintext(3, 100)
	buf := append([]byte{}, p...)
	c.Encrypt(buf, buf)
	c.Rewind(50)
	c.Decrypt(buf[50:], buf[50:])
	assert.Equal(t, p[50:], buf[50:])

	d := c.Clone()
	d.SetOffset(0)
	d.Decrypt(buf[:50], buf[:50])
	assert.Equal(t, p, buf)
	assert.Equal(t, int64(100), c.Offset())
}

func TestShortDestination(t *testing.T) {
	c := newCryptor(t, cryptor.AES)
	dst := make([]byte, 3)
	c.Encrypt(dst, []byte("hello"))
	assert.Equal(t, int64(3), c.Offset())
}

func TestNonceOverride(t *testing.T) {
	opts := options(t, cryptor.EasyAES)
	opts.Nonce = []byte{0xab, 0xcd, 0xef}
	c, err := cryptor.New(opts)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xcd}, c.Nonce())

	opts = options(t, cryptor.AES)
	opts.Nonce = []byte("abc")
	c, err = cryptor.New(opts)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc\x00\x00\x00\x00\x00\x00\x00\x00\x00"), c.Nonce())
}

func TestRandomSalt(t *testing.T) {
	defer cryptor.SetRandSource(crand.Reader)
	cryptor.SetRandSource(bytes.NewReader([]byte{1, 2}))
	c := newCryptor(t, cryptor.EasyHashBenchmark)
	assert.Equal(t, []byte{1, 2}, c.Nonce())

	_, err := cryptor.New(options(t, cryptor.EasyAES))
	assert.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConfigErrors(t *testing.T) {
	_, err := cryptor.New(cryptor.Options{})
	assert.True(t, errors.Is(errors.Config, err), "%v", err)
	_, err = cryptor.New(options(t, cryptor.Algorithm(100)))
	assert.True(t, errors.Is(errors.Config, err), "%v", err)
	_, err = cryptor.NewDecryptor(cryptor.Options{}, cryptor.AES, make([]byte, 12))
	assert.True(t, errors.Is(errors.Config, err), "%v", err)
	_, err = cryptor.NewDecryptor(options(t, 0), cryptor.Algorithm(42), make([]byte, 12))
	assert.True(t, errors.Is(errors.Format, err), "%v", err)
	_, err = cryptor.NewDecryptor(options(t, 0), cryptor.AES, make([]byte, 2))
	assert.True(t, errors.Is(errors.Format, err), "%v", err)
}

func TestParseAlgorithm(t *testing.T) {
	for _, alg := range algorithms {
		got, err := cryptor.ParseAlgorithm(alg.String())
		require.NoError(t, err)
		assert.Equal(t, alg, got)
	}
	got, err := cryptor.ParseAlgorithm("65")
	require.NoError(t, err)
	assert.Equal(t, cryptor.EasyAES, got)
	for _, s := range []string{"none", "0", "100", "rot13"} {
		_, err := cryptor.ParseAlgorithm(s)
		assert.True(t, errors.Is(errors.Config, err), "%s: %v", s, err)
	}
}

func TestBands(t *testing.T) {
	assert.Equal(t, cryptor.BandNonce, cryptor.AES.Band())
	assert.Equal(t, 12, cryptor.ChaCha20.NonceSize())
	assert.Equal(t, cryptor.BandSalt, cryptor.Algorithm(95).Band())
	assert.Equal(t, 2, cryptor.EasyAES.NonceSize())
	assert.Equal(t, cryptor.BandReserved, cryptor.Algorithm(96).Band())
	assert.Equal(t, 0, cryptor.Algorithm(127).NonceSize())
	assert.False(t, cryptor.Algorithm(4).Known())
}

func TestStreams(t *testing.T) {
	p := plaintext(4, 100000)
	enc := newCryptor(t, cryptor.ChaCha20)
	var ct bytes.Buffer
	n, err := cryptor.NewWriter(&ct, enc).Write(p)
	require.NoError(t, err)
	require.Equal(t, len(p), n)
	require.Equal(t, plaintext(4, 100000), p, "writer modified its input")

	dec, err := cryptor.NewDecryptor(options(t, 0), enc.Algorithm(), enc.Nonce())
	require.NoError(t, err)
	got, err := io.ReadAll(cryptor.NewReader(&ct, dec))
	require.NoError(t, err)
	require.Equal(t, p, got)
}

type shortWriter struct {
	bytes.Buffer
	max int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.Buffer.Write(p)
}

func TestShortStreamWrite(t *testing.T) {
	c := newCryptor(t, cryptor.AES)
	out := &shortWriter{max: 10}
	n, err := cryptor.NewWriter(out, c).Write(plaintext(6, 100))
	assert.Equal(t, io.ErrShortWrite, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, int64(10), c.Offset())
}

func TestStreamLimit(t *testing.T) {
	c := newCryptor(t, cryptor.AES)
	c.SetOffset(c.Limit() - 4)
	assert.NoError(t, c.CheckLimit(4))
	err := c.CheckLimit(5)
	assert.True(t, errors.Is(errors.Overflow, err), "%v", err)

	_, err = io.ReadAll(cryptor.NewReader(bytes.NewReader(make([]byte, 10)), c))
	assert.True(t, errors.Is(errors.Overflow, err), "%v", err)

	c.SetOffset(c.Limit() - 4)
	var out bytes.Buffer
	n, err := cryptor.NewWriter(&out, c).Write(make([]byte, 10))
	assert.True(t, errors.Is(errors.Overflow, err), "%v", err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, out.Len())
}

func BenchmarkEncrypt(b *testing.B) {
	p := plaintext(5, 1<<20)
	for _, alg := range []cryptor.Algorithm{cryptor.HashBenchmark, cryptor.AES, cryptor.ChaCha20} {
		b.Run(alg.String(), func(b *testing.B) {
			c := newCryptor(b, alg)
			b.SetBytes(int64(len(p)))
			for i := 0; i < b.N; i++ {
				c.SetOffset(0)
				c.Encrypt(p, p)
			}
		})
	}
}
