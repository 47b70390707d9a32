// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package packstream reads and writes pack streams: a pack header,
// a sequence of compressed object entries, and a trailing digest of
// everything that precedes it.
//
// Encrypted packs carry their algorithm and nonce in the header. The
// header is stored in the clear; every byte after it, including the
// trailing digest, is enciphered at its offset in the stream. The
// digest covers the stored bytes, so a pack can be verified without
// the secret only up to, but not including, its trailer.
package packstream

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/grailbio/gitcrypt/compress"
	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/digest"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/log"
	"github.com/grailbio/gitcrypt/object"
)

const (
	// DefaultBufferSize is the default size of the input buffer.
	DefaultBufferSize = 64 << 10
	// MinBufferSize is the smallest usable input buffer: it must
	// hold the longest pack header, and a trailer or base id.
	MinBufferSize = 64
)

// Options configures a Reader.
type Options struct {
	// Crypto supplies the secret used to decrypt encrypted packs.
	Crypto cryptor.Options
	// Digester computes the trailing digest and object ids. The
	// default is digest.Default.
	Digester digest.Digester
	// MaxPackSize, if positive, is the largest pack accepted.
	MaxPackSize int64
	// BufferSize is the size of the input buffer.
	BufferSize int
	// Store, if set, is consulted for ref-delta bases that are not
	// in the pack.
	Store object.Store
	// OnObject, if set, is called with each entry as it is read.
	// An error aborts the read.
	OnObject func(Entry) error
	// KeepData retains the inflated data of each entry.
	KeepData bool
}

// Entry describes an object entry of a pack.
type Entry struct {
	// Offset is the stream offset of the entry.
	Offset int64
	// Type is the entry type.
	Type object.Type
	// Size is the inflated size of the entry's data.
	Size int64
	// PackedSize is the number of bytes the entry occupies in the
	// stream.
	PackedSize int64
	// CRC32 is the CRC32 of the entry's stored bytes.
	CRC32 uint32
	// BaseOffset is the stream offset of the base of an ofs-delta.
	BaseOffset int64
	// BaseID is the id of the base of a ref-delta.
	BaseID object.ID
	// ID is the id of non-delta objects.
	ID object.ID
	// Data is the inflated data, if Options.KeepData is set.
	Data []byte
}

// Result summarizes a pack stream that has been read in full.
type Result struct {
	// Header is the pack's decoded header.
	Header cryptor.PackHeader
	// Objects is the number of entries read.
	Objects int
	// Size is the size of the pack, including its trailer.
	Size int64
	// Checksum is the digest computed over the stream.
	Checksum digest.Digest
	// Stored is the (decrypted) digest stored in the trailer.
	Stored digest.Digest
	// ChecksumOK tells whether Checksum equals Stored.
	ChecksumOK bool
	// MissingBases is the number of ref-delta bases found neither
	// in the pack nor in the store.
	MissingBases int
}

// Encrypted tells whether the pack was encrypted.
func (r Result) Encrypted() bool { return r.Header.Encrypted() }

// Algorithm returns the pack's encryption algorithm.
func (r Result) Algorithm() cryptor.Algorithm { return r.Header.Algorithm }

// Err returns an Integrity error if the checksum did not match.
func (r Result) Err() error {
	if r.ChecksumOK {
		return nil
	}
	return errors.E(errors.Integrity, fmt.Sprintf("pack checksum mismatch: computed %s, stored %s", r.Checksum.Hex(), r.Stored.Hex()))
}

type state int

const (
	stateHeader state = iota
	stateObjects
	stateTrailer
	stateDone
)

// Reader reads a pack stream. It is not safe for concurrent use.
type Reader struct {
	r    io.Reader
	opts Options

	// raw holds bytes as read; dec holds the same bytes deciphered,
	// for encrypted packs. Valid unconsumed bytes are
	// [inputOffset, inputOffset+inputLen).
	raw, dec    []byte
	inputOffset int
	inputLen    int
	consumed    int64

	ctx     digest.Writer
	crc     uint32
	cryptor *cryptor.Cryptor

	state   state
	header  cryptor.PackHeader
	nread   uint32
	ids     map[string]bool
	missing int
	err     error
}

// NewReader returns a Reader for the pack stream r.
func NewReader(r io.Reader, opts Options) *Reader {
	if opts.Digester == 0 {
		opts.Digester = digest.Default
	}
	if opts.BufferSize < MinBufferSize {
		opts.BufferSize = DefaultBufferSize
	}
	return &Reader{
		r:    r,
		opts: opts,
		raw:  make([]byte, opts.BufferSize),
		ctx:  opts.Digester.NewWriter(),
		ids:  make(map[string]bool),
	}
}

// Offset returns the number of bytes consumed from the stream.
func (r *Reader) Offset() int64 { return r.consumed }

func (r *Reader) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return r.err
}

func (r *Reader) objectError(offset int64, args ...interface{}) error {
	return r.fail(errors.E(append([]interface{}{errors.Fatal, fmt.Sprintf("offset %d:", offset)}, args...)...))
}

// readFull reads the header region, which is never deciphered.
func (r *Reader) readFull(p []byte) error {
	if _, err := io.ReadFull(r.r, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return r.fail(errors.E(errors.Format, errors.Fatal, "early EOF in pack header"))
		}
		return r.fail(errors.E("read error on input", err))
	}
	return nil
}

// ReadHeader reads and decodes the pack header, and prepares the
// reader to decipher the rest of the stream if it is encrypted.
func (r *Reader) ReadHeader() (cryptor.PackHeader, error) {
	if r.err != nil {
		return cryptor.PackHeader{}, r.err
	}
	if r.state != stateHeader {
		return r.header, nil
	}
	if err := r.readFull(r.raw[:cryptor.PackFixedSize]); err != nil {
		return cryptor.PackHeader{}, err
	}
	h, extra, err := cryptor.DecodePackFixed(r.raw[:cryptor.PackFixedSize])
	if err != nil {
		return cryptor.PackHeader{}, r.fail(err)
	}
	if extra > 0 {
		p := r.raw[cryptor.PackFixedSize : cryptor.PackFixedSize+extra]
		if err := r.readFull(p); err != nil {
			return cryptor.PackHeader{}, err
		}
		if h, err = h.WithNonce(p); err != nil {
			return cryptor.PackHeader{}, r.fail(err)
		}
	}
	size := h.Size()
	if h.Encrypted() {
		c, err := cryptor.NewDecryptor(r.opts.Crypto, h.Algorithm, h.Nonce)
		if err != nil {
			return cryptor.PackHeader{}, r.fail(err)
		}
		c.SetOffset(int64(size))
		r.cryptor = c
		r.dec = make([]byte, len(r.raw))
	}
	r.ctx.Write(r.raw[:size])
	r.consumed = int64(size)
	if r.opts.MaxPackSize > 0 && r.consumed > r.opts.MaxPackSize {
		return cryptor.PackHeader{}, r.fail(errors.E(errors.Overflow, errors.Fatal, "pack exceeds maximum allowed size"))
	}
	r.header = h
	r.state = stateObjects
	log.Debug.Printf("pack: version %d, %d objects, algorithm %v, header %d bytes", h.Version, h.Objects, h.Algorithm, size)
	return h, nil
}

// view returns the valid unconsumed bytes, deciphered.
func (r *Reader) view() []byte {
	if r.cryptor != nil {
		return r.dec[r.inputOffset : r.inputOffset+r.inputLen]
	}
	return r.raw[r.inputOffset : r.inputOffset+r.inputLen]
}

// flush digests the consumed bytes and discards them from the buffer.
func (r *Reader) flush() {
	if r.inputOffset == 0 {
		return
	}
	r.ctx.Write(r.raw[:r.inputOffset])
	copy(r.raw, r.raw[r.inputOffset:r.inputOffset+r.inputLen])
	if r.cryptor != nil {
		copy(r.dec, r.dec[r.inputOffset:r.inputOffset+r.inputLen])
	}
	r.inputOffset = 0
}

// fill makes at least min bytes available and returns all available
// bytes, deciphered.
func (r *Reader) fill(min int) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if min <= r.inputLen {
		return r.view(), nil
	}
	if min > len(r.raw) {
		return nil, r.fail(errors.E(errors.Invalid, fmt.Sprintf("cannot fill %d bytes", min)))
	}
	r.flush()
	for r.inputLen < min {
		n, err := r.r.Read(r.raw[r.inputLen:])
		if n > 0 {
			if r.cryptor != nil {
				if err := r.cryptor.CheckLimit(n); err != nil {
					return nil, r.fail(err)
				}
				r.cryptor.Decrypt(r.dec[r.inputLen:r.inputLen+n], r.raw[r.inputLen:r.inputLen+n])
			}
			r.inputLen += n
		}
		if err == io.EOF && r.inputLen < min {
			return nil, r.fail(errors.E(errors.Format, errors.Fatal, "early EOF"))
		}
		if err != nil && err != io.EOF {
			return nil, r.fail(errors.E("read error on input", err))
		}
	}
	return r.view(), nil
}

// use consumes n available bytes.
func (r *Reader) use(n int) error {
	if n > r.inputLen {
		return r.fail(errors.E(errors.Invalid, "used more bytes than were available"))
	}
	r.crc = crc32.Update(r.crc, crc32.IEEETable, r.raw[r.inputOffset:r.inputOffset+n])
	r.inputLen -= n
	r.inputOffset += n
	if r.consumed > math.MaxInt64-int64(n) {
		return r.fail(errors.E(errors.Overflow, errors.Fatal, "pack too large for a 64-bit offset"))
	}
	r.consumed += int64(n)
	if r.opts.MaxPackSize > 0 && r.consumed > r.opts.MaxPackSize {
		return r.fail(errors.E(errors.Overflow, errors.Fatal, "pack exceeds maximum allowed size"))
	}
	return nil
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, err
	}
	c := b[0]
	return c, r.use(1)
}

// entryReader feeds an entry's deciphered bytes to the inflater. It
// implements io.ByteReader so that the inflater never reads past the
// end of the entry.
type entryReader struct{ r *Reader }

func (e entryReader) ReadByte() (byte, error) { return e.r.readByte() }

func (e entryReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := e.r.fill(1)
	if err != nil {
		return 0, err
	}
	n := copy(p, b)
	return n, e.r.use(n)
}

// Next reads the next entry. It returns io.EOF after the last entry
// declared by the header.
func (r *Reader) Next() (Entry, error) {
	if r.state == stateHeader {
		if _, err := r.ReadHeader(); err != nil {
			return Entry{}, err
		}
	}
	if r.err != nil {
		return Entry{}, r.err
	}
	if r.state != stateObjects {
		return Entry{}, io.EOF
	}
	if r.nread == r.header.Objects {
		r.state = stateTrailer
		return Entry{}, io.EOF
	}
	e := Entry{Offset: r.consumed}
	r.crc = 0

	c, err := r.readByte()
	if err != nil {
		return Entry{}, err
	}
	e.Type = object.Type((c >> 4) & 7)
	e.Size = int64(c & 15)
	for shift := uint(4); c&0x80 != 0; shift += 7 {
		if shift > 56 {
			return Entry{}, r.objectError(e.Offset, errors.Overflow, "object size too large")
		}
		if c, err = r.readByte(); err != nil {
			return Entry{}, err
		}
		e.Size += int64(c&0x7f) << shift
	}

	switch e.Type {
	case object.Commit, object.Tree, object.Blob, object.Tag:
	case object.OfsDelta:
		if c, err = r.readByte(); err != nil {
			return Entry{}, err
		}
		rel := int64(c & 127)
		for c&128 != 0 {
			rel++
			if rel == 0 || rel > math.MaxInt64>>7 {
				return Entry{}, r.objectError(e.Offset, errors.Overflow, "offset value overflow for delta base object")
			}
			if c, err = r.readByte(); err != nil {
				return Entry{}, err
			}
			rel = rel<<7 + int64(c&127)
		}
		e.BaseOffset = e.Offset - rel
		if e.BaseOffset <= 0 || e.BaseOffset >= e.Offset {
			return Entry{}, r.objectError(e.Offset, errors.Format, "delta base offset is out of bound")
		}
	case object.RefDelta:
		size := r.opts.Digester.Size()
		b, err := r.fill(size)
		if err != nil {
			return Entry{}, err
		}
		e.BaseID = append(object.ID{}, b[:size]...)
		if err := r.use(size); err != nil {
			return Entry{}, err
		}
		if !r.ids[string(e.BaseID)] {
			if _, ok := r.lookup(e.BaseID); !ok {
				log.Debug.Printf("offset %d: ref-delta base %v not found", e.Offset, e.BaseID)
				r.missing++
			}
		}
	default:
		return Entry{}, r.objectError(e.Offset, errors.Format, fmt.Sprintf("unknown object type %d", e.Type))
	}

	if err := r.inflate(&e); err != nil {
		return Entry{}, err
	}
	e.PackedSize = r.consumed - e.Offset
	e.CRC32 = r.crc
	r.nread++
	if r.opts.OnObject != nil {
		if err := r.opts.OnObject(e); err != nil {
			return Entry{}, r.fail(err)
		}
	}
	return e, nil
}

func (r *Reader) lookup(id object.ID) (object.Type, bool) {
	if r.opts.Store == nil {
		return object.Bad, false
	}
	return r.opts.Store.Lookup(id)
}

func (r *Reader) inflate(e *Entry) error {
	var (
		sinks []io.Writer
		data  bytes.Buffer
		id    digest.Writer
	)
	if r.opts.KeepData {
		sinks = append(sinks, &data)
	}
	if !e.Type.IsDelta() {
		id = r.opts.Digester.NewWriter()
		id.Write(object.HeaderFor(e.Type, e.Size))
		sinks = append(sinks, id)
	}
	z := compress.NewReader(entryReader{r})
	n, err := io.Copy(io.MultiWriter(append(sinks, io.Discard)...), io.LimitReader(z, e.Size+1))
	if r.err != nil {
		// Errors from the underlying stream take precedence.
		return r.err
	}
	if err != nil {
		return r.objectError(e.Offset, errors.Format, "inflate error", err)
	}
	if cerr := z.Close(); cerr != nil {
		return r.objectError(e.Offset, errors.Format, "inflate error", cerr)
	}
	if n != e.Size {
		return r.objectError(e.Offset, errors.Format, fmt.Sprintf("inflated size mismatch: got %d, want %d", n, e.Size))
	}
	if r.opts.KeepData {
		e.Data = data.Bytes()
	}
	if !e.Type.IsDelta() {
		e.ID = object.ID(id.Digest().Bytes())
		r.ids[string(e.ID)] = true
	}
	return nil
}

// ReadTrailer reads the trailing digest after the last entry and
// compares it to the digest of the stream. A mismatch is reported in
// the result, not as an error. ReadTrailer returns a Format error if
// bytes follow the trailer.
func (r *Reader) ReadTrailer() (Result, error) {
	if r.state == stateDone {
		return Result{}, errors.E(errors.Invalid, "pack trailer already read")
	}
	for r.state != stateTrailer {
		if _, err := r.Next(); err != nil && err != io.EOF {
			return Result{}, err
		}
	}
	if r.err != nil {
		return Result{}, r.err
	}
	r.flush()
	res := Result{
		Header:       r.header,
		Objects:      int(r.nread),
		Checksum:     r.ctx.Digest(),
		MissingBases: r.missing,
	}
	size := r.opts.Digester.Size()
	if _, err := r.fill(size); err != nil {
		return Result{}, err
	}
	var stored [digest.MaxSize]byte
	copy(stored[:], r.raw[r.inputOffset:r.inputOffset+size])
	if err := r.use(size); err != nil {
		return Result{}, err
	}
	if r.cryptor != nil {
		// The trailer was enciphered at its own offset; the stream
		// cryptor has since moved past it.
		c := r.cryptor.Clone()
		c.SetOffset(r.consumed - int64(size))
		c.Decrypt(stored[:size], stored[:size])
	}
	res.Stored = r.opts.Digester.New(stored[:size])
	res.ChecksumOK = res.Stored == res.Checksum
	res.Size = r.consumed
	r.state = stateDone

	if r.inputLen > 0 {
		return res, r.fail(errors.E(errors.Format, errors.Fatal, "pack has junk at the end"))
	}
	var junk [1]byte
	for {
		n, err := r.r.Read(junk[:])
		if n > 0 {
			return res, r.fail(errors.E(errors.Format, errors.Fatal, "pack has junk at the end"))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, r.fail(errors.E("read error on input", err))
		}
	}
	if !res.ChecksumOK {
		log.Debug.Printf("pack: checksum mismatch: computed %v, stored %v", res.Checksum, res.Stored)
	}
	return res, nil
}

// Verify reads the whole pack stream and returns its summary. It
// checks ctx between entries.
func (r *Reader) Verify(ctx context.Context) (Result, error) {
	if _, err := r.ReadHeader(); err != nil {
		return Result{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, errors.E(err)
		}
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, err
		}
	}
	return r.ReadTrailer()
}
