// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package packstream_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/grailbio/gitcrypt/compress"
	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/hashfile"
	"github.com/grailbio/gitcrypt/packstream"
	"github.com/grailbio/gitcrypt/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEntries verifies pack and returns its entries with their data.
func readEntries(t *testing.T, pack []byte, opts cryptor.Options) (packstream.Result, []packstream.Entry) {
	var entries []packstream.Entry
	r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{
		Crypto:   opts,
		KeepData: true,
		OnObject: func(e packstream.Entry) error {
			entries = append(entries, e)
			return nil
		},
	})
	res, err := r.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, res.ChecksumOK)
	return res, entries
}

func transcode(t *testing.T, pack []byte, in cryptor.Options, c *cryptor.Cryptor) []byte {
	var (
		out  bytes.Buffer
		opts []hashfile.Option
	)
	if c != nil {
		opts = append(opts, hashfile.WithCryptor(c))
	}
	r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{Crypto: in, BufferSize: packstream.MinBufferSize})
	res, d, err := packstream.Transcode(context.Background(), r, hashfile.New(&out, "out.pack", opts...), compress.DefaultLevel, 0)
	require.NoError(t, err)
	assert.True(t, res.ChecksumOK)
	assert.Equal(t, 7, res.Objects)
	if c == nil {
		assert.Equal(t, d.Bytes(), out.Bytes()[out.Len()-20:])
	}
	return out.Bytes()
}

func assertSameObjects(t *testing.T, want, got []packstream.Entry) {
	t.Helper()
	require.Len(t, got, len(want))
	index := make(map[int64]int)
	for i, e := range want {
		index[e.Offset] = i
	}
	gotIndex := make(map[int64]int)
	for i, e := range got {
		gotIndex[e.Offset] = i
	}
	for i := range want {
		assert.Equal(t, want[i].Type, got[i].Type, "entry %d", i)
		assert.Equal(t, want[i].ID, got[i].ID, "entry %d", i)
		assert.Equal(t, want[i].BaseID, got[i].BaseID, "entry %d", i)
		assert.Equal(t, want[i].Data, got[i].Data, "entry %d", i)
		if want[i].BaseOffset > 0 {
			assert.Equal(t, index[want[i].BaseOffset], gotIndex[got[i].BaseOffset], "entry %d", i)
		}
	}
}

func TestTranscode(t *testing.T) {
	enc, err := cryptor.New(cryptoOptions(t, cryptor.AES))
	require.NoError(t, err)
	encrypted, _ := writePack(t, enc, 1<<10)
	res, want := readEntries(t, encrypted, cryptoOptions(t, 0))
	require.True(t, res.Encrypted())

	plain := transcode(t, encrypted, cryptoOptions(t, 0), nil)
	res, got := readEntries(t, plain, cryptor.Options{})
	assert.False(t, res.Encrypted())
	assertSameObjects(t, want, got)
	// The plain header is 12 bytes shorter.
	assert.Equal(t, want[4].BaseOffset-12, got[4].BaseOffset)

	key, err := secret.Parse("an0ther s3cr3t")
	require.NoError(t, err)
	rekeyed := cryptor.Options{Key: key, Algorithm: cryptor.ChaCha20}
	c, err := cryptor.New(rekeyed)
	require.NoError(t, err)
	again := transcode(t, plain, cryptor.Options{}, c)
	res, got = readEntries(t, again, rekeyed)
	assert.Equal(t, cryptor.ChaCha20, res.Algorithm())
	assertSameObjects(t, want, got)
	assert.Equal(t, want[4].BaseOffset, got[4].BaseOffset)

}

func TestTranscodeChecksumMismatch(t *testing.T) {
	pack, _ := writePack(t, nil, 1<<10)
	pack[len(pack)-1] ^= 1
	var out bytes.Buffer
	r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{})
	res, _, err := packstream.Transcode(context.Background(), r, hashfile.New(&out, "out.pack"), compress.DefaultLevel, 0)
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
	assert.False(t, res.ChecksumOK)
	assert.Less(t, out.Len(), len(pack)-20)
}

func TestTranscodeCanceled(t *testing.T) {
	pack, _ := writePack(t, nil, 1<<10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	r := packstream.NewReader(bytes.NewReader(pack), packstream.Options{})
	_, _, err := packstream.Transcode(ctx, r, hashfile.New(&out, "out.pack"), compress.DefaultLevel, 0)
	assert.True(t, errors.Is(errors.Canceled, err), "%v", err)
}
