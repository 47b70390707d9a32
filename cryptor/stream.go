// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cryptor

import (
	"crypto/cipher"
	"io"
)

const writeBufferSize = 32 << 10

type writer struct {
	w   io.Writer
	c   *Cryptor
	buf []byte
}

// NewWriter returns a writer that enciphers with c everything written
// to it before passing it on to w. Callers' buffers are never modified.
// On a short write the cryptor is left at the offset of the first
// unwritten byte.
func NewWriter(w io.Writer, c *Cryptor) io.Writer {
	return &writer{w: w, c: c}
}

func (w *writer) Write(p []byte) (int, error) {
	if err := w.c.CheckLimit(len(p)); err != nil {
		return 0, err
	}
	var n int
	for len(p) > 0 {
		if w.buf == nil {
			w.buf = make([]byte, writeBufferSize)
		}
		chunk := p
		if len(chunk) > len(w.buf) {
			chunk = chunk[:len(w.buf)]
		}
		w.c.XORKeyStream(w.buf, chunk)
		m, err := w.w.Write(w.buf[:len(chunk)])
		n += m
		if m < len(chunk) {
			w.c.Rewind(int64(len(chunk) - m))
			if err == nil {
				err = io.ErrShortWrite
			}
		}
		if err != nil {
			return n, err
		}
		p = p[len(chunk):]
	}
	return n, nil
}

// limitReader fails reads that would take the cryptor past its
// keystream limit.
type limitReader struct {
	r io.Reader
	c *Cryptor
}

func (l limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if lerr := l.c.CheckLimit(n); lerr != nil {
		return 0, lerr
	}
	return n, err
}

// NewReader returns a reader that deciphers with c everything read
// from r. Reading past the cryptor's limit returns an Overflow error.
func NewReader(r io.Reader, c *Cryptor) io.Reader {
	return cipher.StreamReader{S: c, R: limitReader{r, c}}
}
