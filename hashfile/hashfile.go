// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package hashfile implements a buffered writer that maintains a
// running digest over everything it writes, for files that are
// verified by a trailing checksum such as pack files.
//
// Bytes may be written plain or enciphered with the file's cryptor.
// The digest, and the optional CRC32 span, always cover the bytes as
// stored, that is after encryption. The cryptor is positioned by the
// number of bytes written so far, whether or not they were encrypted,
// so the keystream offset of a byte equals its offset in the file.
package hashfile

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/digest"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/log"
)

// DefaultBufferSize is the default size of the write buffer.
const DefaultBufferSize = 128 << 10

// Flags control Finalize.
type Flags int

const (
	// HashInStream appends the digest to the stream.
	HashInStream Flags = 1 << iota
	// EncryptHash enciphers the appended digest at its stream offset.
	EncryptHash
	// Fsync syncs the sink after the digest is written.
	Fsync
	// Close closes the sink.
	Close
)

// Sink is the destination of a File. An *os.File is a Sink. Sinks
// that also implement Truncate and Seek support Checkpoint/Truncate.
type Sink interface {
	io.Writer
}

type truncater interface {
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
}

// File is a hashed, buffered writer. It is not safe for concurrent
// use.
type File struct {
	sink Sink
	name string

	buf    []byte
	offset int
	total  int64

	digester digest.Digester
	ctx      digest.Writer

	crcOn bool
	crc   uint32

	cryptor       *cryptor.Cryptor
	encryptOffset int64

	check    io.Reader
	checkBuf []byte

	progress func(total int64)
	closers  []io.Closer
	err      error
}

// An Option configures a File.
type Option func(*File)

// WithBufferSize sets the size of the write buffer. Smaller buffers
// flush, and report progress, more often.
func WithBufferSize(n int) Option {
	return func(f *File) { f.buf = make([]byte, n) }
}

// WithCryptor sets the cryptor used by WriteEncrypted.
func WithCryptor(c *cryptor.Cryptor) Option {
	return func(f *File) { f.cryptor = c }
}

// WithDigester sets the digest computed over the file. The default
// is digest.Default.
func WithDigester(d digest.Digester) Option {
	return func(f *File) { f.digester = d }
}

// WithProgress registers a function called with the number of bytes
// written after every flush to the sink.
func WithProgress(fn func(total int64)) Option {
	return func(f *File) { f.progress = fn }
}

// WithCheck puts the File in check mode: every flushed byte is first
// compared with the next byte read from r, and Finalize verifies
// that r has no bytes left.
func WithCheck(r io.Reader) Option {
	return func(f *File) { f.check = r }
}

// New returns a File writing to sink. The name is used in error
// messages.
func New(sink Sink, name string, opts ...Option) *File {
	f := &File{sink: sink, name: name, digester: digest.Default}
	for _, opt := range opts {
		opt(f)
	}
	if f.buf == nil {
		f.buf = make([]byte, DefaultBufferSize)
	}
	f.ctx = f.digester.NewWriter()
	return f
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// NewCheck returns a File that verifies that the bytes written to it
// equal the contents of the existing file name. Nothing is written.
func NewCheck(name string, opts ...Option) (*File, error) {
	check, err := os.Open(name)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("unable to open %s", name), err)
	}
	f := New(discard{}, name, append(opts, WithCheck(check))...)
	f.closers = append(f.closers, check)
	return f, nil
}

// Name returns the file's name.
func (f *File) Name() string { return f.name }

// Cryptor returns the file's cryptor, or nil.
func (f *File) Cryptor() *cryptor.Cryptor { return f.cryptor }

// Total returns the number of bytes flushed to the sink.
func (f *File) Total() int64 { return f.total }

// Size returns the number of bytes written to the file, including
// buffered bytes.
func (f *File) Size() int64 { return f.total + int64(f.offset) }

// Write writes p without encryption. It implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.write(p, false)
}

// WriteEncrypted writes p enciphered with the file's cryptor at its
// current offset. Without a cryptor it is the same as Write.
func (f *File) WriteEncrypted(p []byte) (int, error) {
	return f.write(p, true)
}

func (f *File) write(p []byte, encrypt bool) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	encrypt = encrypt && f.cryptor != nil
	if encrypt {
		if end := f.encryptOffset + int64(len(p)); end > f.cryptor.Limit() {
			f.err = errors.E(errors.Overflow, errors.Fatal,
				fmt.Sprintf("%s: stream offset %d exceeds keystream limit", f.name, end))
			return 0, f.err
		}
		f.cryptor.SetOffset(f.encryptOffset)
	}
	total := len(p)
	for len(p) > 0 {
		nr := len(f.buf) - f.offset
		if nr > len(p) {
			nr = len(p)
		}
		var data []byte
		if nr == len(f.buf) {
			if encrypt {
				// p may be read-only; encipher into the buffer.
				f.cryptor.Encrypt(f.buf, p[:nr])
				data = f.buf
			} else {
				data = p[:nr]
			}
		} else {
			if encrypt {
				f.cryptor.Encrypt(f.buf[f.offset:f.offset+nr], p[:nr])
			} else {
				copy(f.buf[f.offset:], p[:nr])
			}
			data = f.buf
		}
		if f.crcOn {
			f.crc = crc32.Update(f.crc, crc32.IEEETable, data[f.offset:f.offset+nr])
		}
		p = p[nr:]
		f.offset += nr
		if f.offset == len(f.buf) {
			f.ctx.Write(data[:f.offset])
			if err := f.flush(data[:f.offset]); err != nil {
				return 0, err
			}
			f.offset = 0
		}
	}
	f.encryptOffset += int64(total)
	return total, nil
}

// flush writes b to the sink, verifying it first in check mode.
func (f *File) flush(b []byte) error {
	if f.check != nil && len(b) > 0 {
		if len(f.checkBuf) < len(b) {
			f.checkBuf = make([]byte, len(b))
		}
		n, err := io.ReadFull(f.check, f.checkBuf[:len(b)])
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			f.err = errors.E(errors.Integrity, fmt.Sprintf("%s: file truncated at %d bytes", f.name, f.total+int64(n)))
		case err != nil:
			f.err = errors.E(fmt.Sprintf("%s: read error", f.name), err)
		default:
			for i := range b {
				if b[i] != f.checkBuf[i] {
					f.err = errors.E(errors.Integrity, fmt.Sprintf("%s: validation error at offset %d", f.name, f.total+int64(i)))
					break
				}
			}
		}
		if f.err != nil {
			return f.err
		}
	}
	n, err := f.sink.Write(b)
	f.total += int64(n)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		f.err = errors.E(fmt.Sprintf("%s: write error", f.name), err)
		return f.err
	}
	if f.progress != nil {
		f.progress(f.total)
	}
	return nil
}

// Flush digests and writes the buffered bytes.
func (f *File) Flush() error {
	if f.err != nil {
		return f.err
	}
	if f.offset == 0 {
		return nil
	}
	f.ctx.Write(f.buf[:f.offset])
	if err := f.flush(f.buf[:f.offset]); err != nil {
		return err
	}
	f.offset = 0
	return nil
}

// CRC32Begin starts a CRC32 span.
func (f *File) CRC32Begin() {
	f.crc = 0
	f.crcOn = true
}

// CRC32End ends the current CRC32 span and returns the CRC32 of the
// bytes, as stored, written since CRC32Begin.
func (f *File) CRC32End() uint32 {
	f.crcOn = false
	return f.crc
}

// Checkpoint captures the state of a File so that writes made after
// it can be discarded with Truncate.
type Checkpoint struct {
	offset        int64
	encryptOffset int64
	ctx           digest.Writer
}

// Offset returns the file offset of the checkpoint.
func (c Checkpoint) Offset() int64 { return c.offset }

// Checkpoint flushes the file and returns its current state.
func (f *File) Checkpoint() (Checkpoint, error) {
	if err := f.Flush(); err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{offset: f.total, encryptOffset: f.encryptOffset, ctx: f.ctx.Clone()}, nil
}

// Truncate restores the state captured by cp: the sink is truncated to
// the checkpoint's offset, and the digest and keystream position are
// restored, so the file continues as if nothing had been written
// since the checkpoint. The sink must support Truncate and Seek.
func (f *File) Truncate(cp Checkpoint) error {
	if f.err != nil {
		return f.err
	}
	t, ok := f.sink.(truncater)
	if !ok || f.check != nil {
		return errors.E(errors.NotSupported, fmt.Sprintf("%s: cannot truncate", f.name))
	}
	if err := t.Truncate(cp.offset); err != nil {
		return errors.E(fmt.Sprintf("%s: truncate", f.name), err)
	}
	if off, err := t.Seek(cp.offset, io.SeekStart); err != nil || off != cp.offset {
		return errors.E(fmt.Sprintf("%s: seek to %d", f.name, cp.offset), err)
	}
	log.Debug.Printf("%s: truncated from %d to %d bytes", f.name, f.Size(), cp.offset)
	f.total = cp.offset
	f.encryptOffset = cp.encryptOffset
	f.ctx = cp.ctx.Clone()
	f.offset = 0
	return nil
}

// Finalize flushes the file and returns its digest. Flags select
// whether the digest is appended to the stream, and whether it is
// enciphered; whether the sink is synced; and whether it is closed.
// The appended digest is not itself digested. In check mode, Finalize
// returns an Integrity error if the checked file has trailing bytes.
func (f *File) Finalize(flags Flags) (d digest.Digest, err error) {
	defer func() {
		for _, c := range f.closers {
			errors.CleanUp(c.Close, &err)
		}
		f.closers = nil
	}()
	if err = f.Flush(); err != nil {
		return
	}
	d = f.ctx.Digest()
	if flags&HashInStream != 0 {
		b := d.Bytes()
		if flags&EncryptHash != 0 && f.cryptor != nil {
			f.cryptor.SetOffset(f.encryptOffset)
			f.cryptor.Encrypt(b, b)
		}
		if err = f.flush(b); err != nil {
			return
		}
		f.encryptOffset += int64(len(b))
	}
	if flags&Fsync != 0 {
		if s, ok := f.sink.(interface{ Sync() error }); ok {
			if err = s.Sync(); err != nil {
				err = errors.E(fmt.Sprintf("%s: fsync", f.name), err)
				return
			}
		}
	}
	if flags&Close != 0 {
		if c, ok := f.sink.(io.Closer); ok {
			f.closers = append(f.closers, c)
		}
	}
	if f.check != nil {
		var b [1]byte
		n, rerr := f.check.Read(b[:])
		for n == 0 && rerr == nil {
			n, rerr = f.check.Read(b[:])
		}
		if n > 0 {
			err = errors.E(errors.Integrity, fmt.Sprintf("%s: file has trailing garbage", f.name))
			return
		}
		if rerr != io.EOF {
			err = errors.E(fmt.Sprintf("%s: error reading the tail of the file", f.name), rerr)
			return
		}
	}
	return
}
