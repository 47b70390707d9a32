// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package packstream

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/gitcrypt/digest"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/hashfile"
	"github.com/grailbio/gitcrypt/log"
	"github.com/grailbio/gitcrypt/object"
)

// Transcode reads the pack r and rewrites its entries, in order, to a
// new pack on f. The new pack is encrypted with f's cryptor, if any,
// so Transcode decrypts, encrypts or rekeys a pack depending on the
// reader's and the file's configuration. Ofs-delta bases are remapped
// to the entries' new offsets, which move when the header size
// changes. Object ids are unchanged.
//
// Transcode does not finalize f if r's checksum does not match, and
// returns an Integrity error instead. On success it returns the
// summary of r and the digest of the new pack. The flags are passed to
// Writer.Finish.
func Transcode(ctx context.Context, r *Reader, f *hashfile.File, level int, flags hashfile.Flags) (Result, digest.Digest, error) {
	r.opts.KeepData = true
	h, err := r.ReadHeader()
	if err != nil {
		return Result{}, digest.Digest{}, err
	}
	w, err := NewWriter(f, h.Objects, level)
	if err != nil {
		return Result{}, digest.Digest{}, err
	}
	offsets := make(map[int64]int64, h.Objects)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, digest.Digest{}, errors.E(err)
		}
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, digest.Digest{}, err
		}
		var out Entry
		switch e.Type {
		case object.RefDelta:
			out, err = w.WriteRefDelta(e.BaseID, e.Data)
		case object.OfsDelta:
			base, ok := offsets[e.BaseOffset]
			if !ok {
				return Result{}, digest.Digest{}, errors.E(errors.Format, errors.Fatal,
					fmt.Sprintf("offset %d: delta base %d is not an entry", e.Offset, e.BaseOffset))
			}
			out, err = w.WriteOfsDelta(base, e.Data)
		default:
			out, err = w.WriteObject(e.Type, e.Data)
		}
		if err != nil {
			return Result{}, digest.Digest{}, errors.E(err, f.Name())
		}
		offsets[e.Offset] = out.Offset
	}
	res, err := r.ReadTrailer()
	if err != nil {
		return Result{}, digest.Digest{}, err
	}
	if err := res.Err(); err != nil {
		return res, digest.Digest{}, err
	}
	d, err := w.Finish(flags)
	if err != nil {
		return res, digest.Digest{}, err
	}
	log.Debug.Printf("transcode: %d objects, %v -> %s", res.Objects, res.Algorithm(), f.Name())
	return res, d, nil
}
