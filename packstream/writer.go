// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package packstream

import (
	"fmt"

	"github.com/grailbio/gitcrypt/compress"
	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/digest"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/hashfile"
	"github.com/grailbio/gitcrypt/object"
	"github.com/klauspost/compress/zlib"
)

// Writer writes a pack stream to a hashfile. If the hashfile has a
// cryptor, the pack is encrypted with it. Writer is not safe for
// concurrent use.
type Writer struct {
	f       *hashfile.File
	nr      uint32
	written uint32
	z       *zlib.Writer
	level   int
	scratch [32]byte
}

// NewWriter writes the header of a pack of nr objects to f and
// returns a Writer for its entries, compressed at the provided zlib
// level.
func NewWriter(f *hashfile.File, nr uint32, level int) (*Writer, error) {
	if !compress.ValidLevel(level) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid compression level %d", level))
	}
	if _, err := f.Write(cryptor.EncodePack(f.Cryptor(), nr)); err != nil {
		return nil, err
	}
	return &Writer{f: f, nr: nr, level: level}, nil
}

type encryptedWriter struct{ f *hashfile.File }

func (w encryptedWriter) Write(p []byte) (int, error) { return w.f.WriteEncrypted(p) }

// encodeHeader encodes an entry's type and inflated size.
func encodeHeader(b []byte, t object.Type, size int64) []byte {
	c := byte(t)<<4 | byte(size&15)
	for size >>= 4; size > 0; size >>= 7 {
		b = append(b, c|0x80)
		c = byte(size & 0x7f)
	}
	return append(b, c)
}

// encodeOffset encodes the distance to an ofs-delta base.
func encodeOffset(b []byte, ofs int64) []byte {
	var tmp [10]byte
	pos := len(tmp) - 1
	tmp[pos] = byte(ofs & 127)
	for ofs >>= 7; ofs > 0; ofs >>= 7 {
		ofs--
		pos--
		tmp[pos] = 128 | byte(ofs&127)
	}
	return append(b, tmp[pos:]...)
}

func (w *Writer) write(t object.Type, prefix, data []byte) (Entry, error) {
	if w.written == w.nr {
		return Entry{}, errors.E(errors.Invalid, fmt.Sprintf("pack declared %d objects", w.nr))
	}
	e := Entry{Offset: w.f.Size(), Type: t, Size: int64(len(data))}
	hdr := encodeHeader(w.scratch[:0], t, e.Size)
	w.f.CRC32Begin()
	if _, err := w.f.WriteEncrypted(append(hdr, prefix...)); err != nil {
		return Entry{}, err
	}
	out := encryptedWriter{w.f}
	if w.z == nil {
		z, err := compress.NewWriter(out, w.level)
		if err != nil {
			return Entry{}, err
		}
		w.z = z
	} else {
		w.z.Reset(out)
	}
	if _, err := w.z.Write(data); err != nil {
		return Entry{}, err
	}
	if err := w.z.Close(); err != nil {
		return Entry{}, err
	}
	e.CRC32 = w.f.CRC32End()
	e.PackedSize = w.f.Size() - e.Offset
	w.written++
	return e, nil
}

// WriteObject writes a non-delta object.
func (w *Writer) WriteObject(t object.Type, data []byte) (Entry, error) {
	if !t.Valid() || t.IsDelta() {
		return Entry{}, errors.E(errors.Invalid, fmt.Sprintf("cannot write object of type %v", t))
	}
	return w.write(t, nil, data)
}

// WriteOfsDelta writes a delta against the entry at baseOffset.
func (w *Writer) WriteOfsDelta(baseOffset int64, delta []byte) (Entry, error) {
	off := w.f.Size()
	if baseOffset <= 0 || baseOffset >= off {
		return Entry{}, errors.E(errors.Invalid, fmt.Sprintf("bad delta base offset %d at %d", baseOffset, off))
	}
	e, err := w.write(object.OfsDelta, encodeOffset(nil, off-baseOffset), delta)
	e.BaseOffset = baseOffset
	return e, err
}

// WriteRefDelta writes a delta against the object baseID.
func (w *Writer) WriteRefDelta(baseID object.ID, delta []byte) (Entry, error) {
	e, err := w.write(object.RefDelta, baseID, delta)
	e.BaseID = baseID
	return e, err
}

// Checkpoint captures the writer's state; see hashfile.Checkpoint.
type Checkpoint struct {
	file    hashfile.Checkpoint
	written uint32
}

// Checkpoint returns the writer's current state.
func (w *Writer) Checkpoint() (Checkpoint, error) {
	cp, err := w.f.Checkpoint()
	return Checkpoint{cp, w.written}, err
}

// Truncate discards the entries written since cp.
func (w *Writer) Truncate(cp Checkpoint) error {
	if err := w.f.Truncate(cp.file); err != nil {
		return err
	}
	w.written = cp.written
	return nil
}

// Finish writes the pack trailer, enciphered at its offset if the pack
// is encrypted, and finalizes the hashfile with the additional flags.
// It returns the pack's digest.
func (w *Writer) Finish(flags hashfile.Flags) (digest.Digest, error) {
	if w.written != w.nr {
		return digest.Digest{}, errors.E(errors.Invalid, fmt.Sprintf("wrote %d of %d declared objects", w.written, w.nr))
	}
	return w.f.Finalize(flags | hashfile.HashInStream | hashfile.EncryptHash)
}
