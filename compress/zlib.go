// Package compress provides the zlib transform applied to object
// payloads before encryption, and sniffing for compressed streams.
package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// DefaultLevel is the compression level used when none is configured.
const DefaultLevel = zlib.DefaultCompression

// errorReader is a ReadCloser implementation that always returns the given
// error.
type errorReader struct{ err error }

func (r *errorReader) Read(buf []byte) (int, error) { return 0, r.err }
func (r *errorReader) Close() error                 { return r.err }

// IsZlibHeader tells whether buf begins with a zlib stream header:
// the deflate method, a window of at most 32KiB, and a valid header
// check value.
func IsZlibHeader(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	if buf[0]&0x0f != 8 || buf[0]>>4 > 7 {
		return false
	}
	if buf[1]&0x20 != 0 { // preset dictionary
		return false
	}
	return (uint16(buf[0])<<8|uint16(buf[1]))%31 == 0
}

// ValidLevel tells whether level is a valid zlib compression level.
func ValidLevel(level int) bool {
	return level >= zlib.HuffmanOnly && level <= zlib.BestCompression
}

// NewWriter returns a zlib writer at the provided level. The caller
// must Close it to flush the stream trailer.
func NewWriter(w io.Writer, level int) (*zlib.Writer, error) {
	if !ValidLevel(level) {
		return nil, fmt.Errorf("compress: invalid zlib level %d", level)
	}
	return zlib.NewWriterLevel(w, level)
}

// NewReader returns a zlib reader for r. If r implements io.ByteReader
// the reader never consumes bytes past the end of the zlib stream, so
// that callers can continue reading whatever follows it. Header
// errors are returned by the reader's Read method.
func NewReader(r io.Reader) io.ReadCloser {
	z, err := zlib.NewReader(r)
	if err != nil {
		return &errorReader{err}
	}
	return z
}

// Deflate compresses p at the provided level and writes the result
// to w.
func Deflate(w io.Writer, p []byte, level int) error {
	z, err := NewWriter(w, level)
	if err != nil {
		return err
	}
	if _, err := z.Write(p); err != nil {
		return err
	}
	return z.Close()
}
