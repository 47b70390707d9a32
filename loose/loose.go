// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package loose implements the loose object codec. A loose object is
// the zlib stream of its canonical header ("blob 12\x00") followed by
// its contents. An encrypted loose object is prefixed by a loose
// crypto header and its zlib stream is enciphered from keystream
// offset 0, after compression.
//
// Readers sniff the first bytes of an object: anything that does not
// carry the loose signature is read as a plain zlib stream, so plain
// and encrypted objects can be mixed freely in one object directory.
package loose

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/grailbio/gitcrypt/compress"
	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/log"
	"github.com/grailbio/gitcrypt/object"
)

// Deflate compresses the stream r into w. If opts enables encryption,
// the output is prefixed by a loose header and enciphered. Deflate
// returns the header that was written; its Algorithm is cryptor.None
// for plain output.
func Deflate(w io.Writer, r io.Reader, opts cryptor.Options, level int) (cryptor.LooseHeader, error) {
	var h cryptor.LooseHeader
	out := w
	if opts.Enabled() {
		c, err := cryptor.New(opts)
		if err != nil {
			return h, err
		}
		hdr := cryptor.EncodeLoose(c)
		if _, err := w.Write(hdr); err != nil {
			return h, errors.E("writing loose header", err)
		}
		h = cryptor.LooseHeader{Algorithm: c.Algorithm(), Nonce: c.Nonce()}
		log.Debug.Printf("loose: encrypting with %v", c)
		out = cryptor.NewWriter(w, c)
	}
	z, err := compress.NewWriter(out, level)
	if err != nil {
		return h, errors.E(errors.Invalid, err)
	}
	if _, err := io.Copy(z, r); err != nil {
		return h, errors.E("unable to deflate", err)
	}
	if err := z.Close(); err != nil {
		return h, errors.E("unable to deflate", err)
	}
	return h, nil
}

// decoder is the inflating side of a loose object stream.
type decoder struct {
	header cryptor.LooseHeader
	// in holds the deciphered zlib stream; it is buffered so that
	// the bytes following the stream can be inspected.
	in *bufio.Reader
	z  io.ReadCloser
}

func newDecoder(r io.Reader, opts cryptor.Options) (*decoder, error) {
	br := bufio.NewReader(r)
	d := new(decoder)
	b, _ := br.Peek(cryptor.LooseFixedSize)
	if len(b) == cryptor.LooseFixedSize && cryptor.SniffLoose(b) {
		h, extra, err := cryptor.DecodeLooseFixed(b)
		if err != nil {
			return nil, err
		}
		if extra > 0 {
			b, _ = br.Peek(cryptor.LooseFixedSize + extra)
			if h, err = h.WithNonce(b[cryptor.LooseFixedSize:]); err != nil {
				return nil, err
			}
		}
		if _, err := br.Discard(h.Size()); err != nil {
			return nil, errors.E("reading loose header", err)
		}
		c, err := cryptor.NewDecryptor(opts, h.Algorithm, h.Nonce)
		if err != nil {
			return nil, err
		}
		d.header = h
		d.in = bufio.NewReader(cryptor.NewReader(br, c))
	} else {
		d.in = br
	}
	d.z = compress.NewReader(d.in)
	return d, nil
}

func (d *decoder) Read(p []byte) (int, error) {
	n, err := d.z.Read(p)
	if err != nil && err != io.EOF {
		err = errors.E(errors.Format, errors.Fatal, "unable to inflate", err)
	}
	return n, err
}

// finish checks that the zlib stream ended cleanly and that nothing
// follows it.
func (d *decoder) finish() error {
	if err := d.z.Close(); err != nil {
		return errors.E(errors.Format, errors.Fatal, "unable to inflate", err)
	}
	if _, err := d.in.ReadByte(); err != io.EOF {
		if err != nil {
			return errors.E("reading loose object", err)
		}
		return errors.E(errors.Format, errors.Fatal, "garbage at end of loose object")
	}
	return nil
}

// Inflate decompresses the loose stream r into w, deciphering it first
// if it carries a loose header. It returns the header that was read;
// its Algorithm is cryptor.None for plain input. A Config error is
// returned for encrypted input if opts carries no secret.
func Inflate(w io.Writer, r io.Reader, opts cryptor.Options) (cryptor.LooseHeader, error) {
	d, err := newDecoder(r, opts)
	if err != nil {
		return cryptor.LooseHeader{}, err
	}
	if _, err := io.Copy(w, d); err != nil {
		return d.header, err
	}
	return d.header, d.finish()
}

// encryptionFor returns the options used to store an object of the
// provided size.
func encryptionFor(opts cryptor.Options, size int64) cryptor.Options {
	if opts.Enabled() && opts.MaxEncryptSize > 0 && size > opts.MaxEncryptSize {
		log.Debug.Printf("loose: object of %d bytes exceeds %d bytes; stored plain", size, opts.MaxEncryptSize)
		return cryptor.Options{}
	}
	return opts
}

// Write encodes an object of type t with the provided contents to w.
// Objects larger than opts.MaxEncryptSize are stored plain.
func Write(w io.Writer, opts cryptor.Options, level int, t object.Type, data []byte) error {
	if !t.Valid() || t.IsDelta() {
		return errors.E(errors.Invalid, fmt.Sprintf("cannot store loose object of type %v", t))
	}
	size := int64(len(data))
	r := io.MultiReader(bytes.NewReader(object.HeaderFor(t, size)), bytes.NewReader(data))
	_, err := Deflate(w, r, encryptionFor(opts, size), level)
	return err
}

// Read decodes a loose object from r. It returns a Format error if
// the object header is malformed or disagrees with the contents.
func Read(r io.Reader, opts cryptor.Options) (object.Type, []byte, error) {
	var b bytes.Buffer
	if _, err := Inflate(&b, r, opts); err != nil {
		return object.Bad, nil, err
	}
	t, size, n, err := object.ParseHeader(b.Bytes())
	if err != nil {
		return object.Bad, nil, err
	}
	data := b.Bytes()[n:]
	if int64(len(data)) != size {
		return object.Bad, nil, errors.E(errors.Format, errors.Fatal, fmt.Sprintf("object size mismatch: header says %d, got %d", size, len(data)))
	}
	return t, data, nil
}

// ReadHeader decodes only the canonical header of the loose object r.
func ReadHeader(r io.Reader, opts cryptor.Options) (object.Type, int64, error) {
	d, err := newDecoder(r, opts)
	if err != nil {
		return object.Bad, 0, err
	}
	var b [object.MaxHeaderSize]byte
	n, err := io.ReadFull(d, b[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return object.Bad, 0, err
	}
	t, size, _, err := object.ParseHeader(b[:n])
	return t, size, err
}
