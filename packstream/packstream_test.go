// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package packstream_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/grailbio/gitcrypt/compress"
	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/digest"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/hashfile"
	"github.com/grailbio/gitcrypt/object"
	"github.com/grailbio/gitcrypt/packstream"
	"github.com/grailbio/gitcrypt/secret"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nonce = []byte("0123456789ab")

func cryptoOptions(t *testing.T, alg cryptor.Algorithm) cryptor.Options {
	key, err := secret.Parse("S3cr3t!!")
	require.NoError(t, err)
	return cryptor.Options{Key: key, Algorithm: alg, Nonce: nonce}
}

func TestPlainEmptyPack(t *testing.T) {
	header := []byte("PACK\x00\x00\x00\x02\x00\x00\x00\x00")
	sum := sha1.Sum(header)
	pack := append(append([]byte{}, header...), sum[:]...)
	r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{})
	res, err := r.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Objects)
	assert.True(t, res.ChecksumOK)
	assert.NoError(t, res.Err())
	assert.False(t, res.Encrypted())
	assert.Equal(t, int64(len(pack)), res.Size)
	assert.Equal(t, sum[:], res.Checksum.Bytes())
}

// encryptedEmptyPack builds, by hand, an AES-encrypted pack with no
// objects.
func encryptedEmptyPack(t *testing.T) []byte {
	c, err := cryptor.New(cryptoOptions(t, cryptor.AES))
	require.NoError(t, err)
	header := cryptor.EncodePack(c, 0)
	require.Len(t, header, 24)
	sum := sha1.Sum(header)
	c.SetOffset(int64(len(header)))
	c.Encrypt(sum[:], sum[:])
	return append(header, sum[:]...)
}

func TestEncryptedEmptyPack(t *testing.T) {
	pack := encryptedEmptyPack(t)
	r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{Crypto: cryptoOptions(t, 0)})
	res, err := r.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Objects)
	assert.True(t, res.Encrypted())
	assert.Equal(t, cryptor.AES, res.Algorithm())
	assert.Equal(t, nonce, res.Header.Nonce)
	assert.True(t, res.ChecksumOK)

	for _, i := range []int{len(pack) - 1, 20} {
		corrupt := append([]byte{}, pack...)
		corrupt[i] ^= 0x10
		r = packstream.NewReader(bytes.NewReader(corrupt), packstream.Options{Crypto: cryptoOptions(t, 0)})
		res, err = r.Verify(context.Background())
		require.NoError(t, err, "byte %d", i)
		assert.False(t, res.ChecksumOK, "byte %d", i)
		assert.True(t, errors.Is(errors.Integrity, res.Err()))
	}
}

func TestEncryptedPackWithoutSecret(t *testing.T) {
	r := packstream.NewReader(bytes.NewReader(encryptedEmptyPack(t)), packstream.Options{})
	_, err := r.Verify(context.Background())
	assert.True(t, errors.Is(errors.Config, err), "%v", err)
}

func randData(r *rand.Rand, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = "abcdefgh\n"[r.Intn(9)]
	}
	return p
}

// writePack writes a pack exercising every entry type and returns it
// together with the entries reported by the writer.
func writePack(t *testing.T, c *cryptor.Cryptor, bufSize int) ([]byte, []packstream.Entry) {
	rnd := rand.New(rand.NewSource(1))
	var out bytes.Buffer
	opts := []hashfile.Option{hashfile.WithBufferSize(bufSize)}
	if c != nil {
		opts = append(opts, hashfile.WithCryptor(c))
	}
	f := hashfile.New(&out, "test.pack", opts...)
	w, err := packstream.NewWriter(f, 7, compress.DefaultLevel)
	require.NoError(t, err)
	var entries []packstream.Entry
	add := func(e packstream.Entry, err error) packstream.Entry {
		require.NoError(t, err)
		entries = append(entries, e)
		return e
	}
	blob := randData(rnd, 3000)
	base := add(w.WriteObject(object.Blob, blob))
	add(w.WriteObject(object.Tree, randData(rnd, 17)))
	add(w.WriteObject(object.Commit, []byte("tree 0000\n\nmessage\n")))
	add(w.WriteObject(object.Tag, nil))
	add(w.WriteOfsDelta(base.Offset, randData(rnd, 40)))
	add(w.WriteRefDelta(object.Compute(digest.Default, object.Blob, blob), randData(rnd, 200)))
	add(w.WriteRefDelta(object.Compute(digest.Default, object.Blob, []byte("elsewhere")), randData(rnd, 5)))
	_, err = w.Finish(0)
	require.NoError(t, err)
	return out.Bytes(), entries
}

func TestRoundTrip(t *testing.T) {
	algorithms := []cryptor.Algorithm{cryptor.None, cryptor.HashBenchmark, cryptor.AES, cryptor.ChaCha20, cryptor.EasyAES, cryptor.EasyChaCha20}
	for _, alg := range algorithms {
		for _, bufSize := range []int{packstream.MinBufferSize, 100, packstream.DefaultBufferSize} {
			t.Run(fmt.Sprintf("%v/%d", alg, bufSize), func(t *testing.T) {
				var c *cryptor.Cryptor
				if alg != cryptor.None {
					var err error
					c, err = cryptor.New(cryptoOptions(t, alg))
					require.NoError(t, err)
				}
				pack, written := writePack(t, c, bufSize)
				store := object.NewMapStore()
				store.Add(object.Compute(digest.Default, object.Blob, []byte("elsewhere")), object.Blob)
				var seen []packstream.Entry
				r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{
					Crypto:     cryptoOptions(t, 0),
					BufferSize: bufSize,
					Store:      store,
					KeepData:   true,
					OnObject: func(e packstream.Entry) error {
						seen = append(seen, e)
						return nil
					},
				})
				res, err := r.Verify(context.Background())
				require.NoError(t, err)
				require.True(t, res.ChecksumOK)
				assert.Equal(t, alg, res.Algorithm())
				assert.Equal(t, 7, res.Objects)
				assert.Equal(t, 0, res.MissingBases)
				assert.Equal(t, int64(len(pack)), res.Size)
				require.Len(t, seen, len(written))
				for i, e := range seen {
					want := written[i]
					assert.Equal(t, want.Offset, e.Offset, "entry %d", i)
					assert.Equal(t, want.Type, e.Type, "entry %d", i)
					assert.Equal(t, want.Size, e.Size, "entry %d", i)
					assert.Equal(t, want.PackedSize, e.PackedSize, "entry %d", i)
					assert.Equal(t, want.CRC32, e.CRC32, "entry %d", i)
					assert.Equal(t, want.BaseOffset, e.BaseOffset, "entry %d", i)
					if diff := deep.Equal(want.BaseID, e.BaseID); diff != nil {
						t.Errorf("entry %d: %v", i, diff)
					}
					raw := pack[e.Offset : e.Offset+e.PackedSize]
					assert.Equal(t, crc32.ChecksumIEEE(raw), e.CRC32, "entry %d", i)
					assert.Equal(t, int(e.Size), len(e.Data), "entry %d", i)
				}
				assert.Equal(t, object.Compute(digest.Default, object.Commit, []byte("tree 0000\n\nmessage\n")), seen[2].ID)
				assert.Nil(t, seen[4].ID)
			})
		}
	}
}

func TestMissingBase(t *testing.T) {
	pack, _ := writePack(t, nil, 1<<10)
	res, err := packstream.NewReader(bytes.NewReader(pack), packstream.Options{}).Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingBases)
}

func TestMaxPackSize(t *testing.T) {
	pack, _ := writePack(t, nil, 1<<10)
	r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{MaxPackSize: int64(len(pack) - 1)})
	_, err := r.Verify(context.Background())
	assert.True(t, errors.Is(errors.Overflow, err), "%v", err)
	assert.Contains(t, err.Error(), "maximum allowed size")

	r = packstream.NewReader(bytes.NewReader(pack), packstream.Options{MaxPackSize: int64(len(pack))})
	_, err = r.Verify(context.Background())
	assert.NoError(t, err)
}

func TestCanceled(t *testing.T) {
	pack, _ := writePack(t, nil, 1<<10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := packstream.NewReader(bytes.NewReader(pack), packstream.Options{}).Verify(ctx)
	assert.True(t, errors.Is(errors.Canceled, err), "%v", err)
}

// rawPack assembles a plain pack from hand-encoded entries.
func rawPack(nr uint32, entries ...[]byte) []byte {
	var b bytes.Buffer
	b.Write(cryptor.EncodePack(nil, nr))
	for _, e := range entries {
		b.Write(e)
	}
	sum := sha1.Sum(b.Bytes())
	b.Write(sum[:])
	return b.Bytes()
}

func deflate(t *testing.T, p string) []byte {
	var b bytes.Buffer
	require.NoError(t, compress.Deflate(&b, []byte(p), compress.DefaultLevel))
	return b.Bytes()
}

func TestMalformedEntries(t *testing.T) {
	for _, c := range []struct {
		name string
		pack []byte
		kind errors.Kind
		msg  string
	}{
		{"unknown type", rawPack(1, []byte{0x50}), errors.Format, "offset 12: unknown object type 5"},
		{"size mismatch", rawPack(1, append([]byte{0x3a}, deflate(t, "hello")...)), errors.Format, "offset 12: inflated size mismatch"},
		{"size too large", rawPack(1, bytes.Repeat([]byte{0xff}, 12)), errors.Overflow, "offset 12: object size too large"},
		{"bad zlib", rawPack(1, append([]byte{0x35}, "XXXXXXXX"...)), errors.Format, "offset 12: inflate error"},
		{"base out of bound", rawPack(1, append([]byte{0x65, 0x20}, deflate(t, "delta")...)), errors.Format, "offset 12: delta base offset is out of bound"},
		{"early EOF", cryptor.EncodePack(nil, 1), errors.Format, "early EOF"},
		{"truncated header", []byte("PACK\x00\x00"), errors.Format, "early EOF in pack header"},
		{"bad version", []byte("PACK\x00\x00\x00\x07\x00\x00\x00\x00"), errors.Format, "unsupported pack version 7"},
		{"unknown algorithm", []byte("PACK\xaa\x00\x00\x02\x00\x00\x00\x00"), errors.Format, "unknown algorithm 42"},
		{"junk", append(rawPack(0), "junk"...), errors.Format, "junk at the end"},
	} {
		t.Run(c.name, func(t *testing.T) {
			r := packstream.NewReader(bytes.NewReader(c.pack), packstream.Options{BufferSize: packstream.MinBufferSize})
			_, err := r.Verify(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(c.kind, err), "%v", err)
			assert.Contains(t, err.Error(), c.msg)
		})
	}
}

func TestIncrementalRead(t *testing.T) {
	pack, written := writePack(t, nil, 1<<10)
	r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{})
	h, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(len(written)), h.Objects)
	for i := range written {
		e, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, written[i].Offset, e.Offset)
	}
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	res, err := r.ReadTrailer()
	require.NoError(t, err)
	assert.True(t, res.ChecksumOK)
	_, err = r.ReadTrailer()
	assert.Error(t, err)
}

func TestWriterCheckpoint(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "packstream")
	defer cleanup()
	for _, alg := range []cryptor.Algorithm{cryptor.None, cryptor.AES} {
		path := filepath.Join(dir, fmt.Sprintf("%v.pack", alg))
		out, err := os.Create(path)
		require.NoError(t, err)
		opts := []hashfile.Option{hashfile.WithBufferSize(128)}
		if alg != cryptor.None {
			c, err := cryptor.New(cryptoOptions(t, alg))
			require.NoError(t, err)
			opts = append(opts, hashfile.WithCryptor(c))
		}
		w, err := packstream.NewWriter(hashfile.New(out, path, opts...), 2, 1)
		require.NoError(t, err)
		_, err = w.WriteObject(object.Blob, []byte("first"))
		require.NoError(t, err)
		cp, err := w.Checkpoint()
		require.NoError(t, err)
		_, err = w.WriteObject(object.Blob, bytes.Repeat([]byte("speculative"), 100))
		require.NoError(t, err)
		require.NoError(t, w.Truncate(cp))
		second, err := w.WriteObject(object.Blob, []byte("second"))
		require.NoError(t, err)
		_, err = w.Finish(hashfile.Close)
		require.NoError(t, err)

		in, err := os.Open(path)
		require.NoError(t, err)
		var last packstream.Entry
		r := packstream.NewReader(in, packstream.Options{
			Crypto:   cryptoOptions(t, 0),
			KeepData: true,
			OnObject: func(e packstream.Entry) error { last = e; return nil },
		})
		res, err := r.Verify(context.Background())
		require.NoError(t, err)
		require.NoError(t, in.Close())
		assert.True(t, res.ChecksumOK, "%v", alg)
		assert.Equal(t, 2, res.Objects)
		assert.Equal(t, second.Offset, last.Offset)
		assert.Equal(t, []byte("second"), last.Data)
	}
}

func TestWriterErrors(t *testing.T) {
	var out bytes.Buffer
	w, err := packstream.NewWriter(hashfile.New(&out, "test"), 1, compress.DefaultLevel)
	require.NoError(t, err)
	_, err = w.Finish(0)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = w.WriteObject(object.OfsDelta, nil)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = w.WriteOfsDelta(100, nil)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = w.WriteObject(object.Blob, nil)
	require.NoError(t, err)
	_, err = w.WriteObject(object.Blob, nil)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = packstream.NewWriter(hashfile.New(&out, "test"), 1, 99)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}
