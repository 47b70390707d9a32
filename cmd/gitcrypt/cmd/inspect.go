// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/gitcrypt/compress"
	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/loose"
	"github.com/grailbio/gitcrypt/packstream"
)

type inspectFlags struct {
	size, offset, crc, entries bool
}

// Inspect prints the headers of the provided packs and loose objects.
// The entries of packs are listed if they can be decrypted.
func Inspect(ctx context.Context, out io.Writer, args []string) error {
	var (
		flags  flag.FlagSet
		crypto cryptoFlags
		show   inspectFlags
	)
	flags.BoolVar(&show.size, "size", true, "show entry sizes")
	flags.BoolVar(&show.offset, "offset", true, "show delta base offsets and ids")
	flags.BoolVar(&show.crc, "crc", false, "show entry CRC32s")
	flags.BoolVar(&show.entries, "entries", true, "list pack entries")
	crypto.register(&flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.E(errors.Invalid, "inspect: no files given")
	}
	cfg, err := crypto.load()
	if err != nil {
		return err
	}
	opts, err := cfg.CryptorOptions()
	if err != nil {
		return err
	}
	for _, path := range flags.Args() {
		if flags.NArg() > 1 {
			fmt.Fprintf(out, "%s:\n", path)
		}
		if err := inspectFile(ctx, out, path, opts, show); err != nil {
			return errors.E(err, path)
		}
	}
	return nil
}

func inspectFile(ctx context.Context, out io.Writer, path string, opts cryptor.Options, show inspectFlags) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer errors.CleanUp(f.Close, &err)
	r := bufio.NewReader(f)
	b, _ := r.Peek(cryptor.PackFixedSize)
	switch {
	case len(b) >= 4 && string(b[:4]) == string(cryptor.PackSignature[:]):
		return inspectPack(ctx, out, r, opts, show)
	case cryptor.SniffLoose(b):
		return inspectLoose(out, r, opts)
	case compress.IsZlibHeader(b):
		fmt.Fprintln(out, "Header: plain loose object")
		return inspectObject(out, r, opts)
	default:
		return errors.E(errors.Format, "not a pack or loose object")
	}
}

func inspectPack(ctx context.Context, out io.Writer, r *bufio.Reader, opts cryptor.Options, show inspectFlags) error {
	b, _ := r.Peek(cryptor.PackFixedSize + cryptor.NonceSize)
	h, err := cryptor.DecodePack(b)
	if err != nil {
		return err
	}
	describe := "plain"
	if h.Encrypted() {
		describe = fmt.Sprintf("encrypt (%x, %v)", byte(0x80|h.Algorithm), h.Algorithm)
	}
	fmt.Fprintf(out, "Header: %s, version: %d\n", describe, h.Version)
	if len(h.Nonce) > 0 {
		fmt.Fprintf(out, "Nonce: %s\n", hex.EncodeToString(h.Nonce))
	}
	fmt.Fprintf(out, "Number of objects: %d\n", h.Objects)
	if h.Encrypted() && !opts.Enabled() {
		fmt.Fprintln(out, "No secret configured; entries not shown.")
		return nil
	}
	fmt.Fprintln(out)

	n := 0
	popts := packstream.Options{Crypto: opts}
	if show.entries {
		popts.OnObject = func(e packstream.Entry) error {
			n++
			_, err := fmt.Fprintln(out, formatEntry(n, e, show.size, show.offset, show.crc))
			return err
		}
	}
	res, err := packstream.NewReader(r, popts).Verify(ctx)
	if err != nil {
		return err
	}
	if !res.ChecksumOK {
		return res.Err()
	}
	fmt.Fprintf(out, "\nChecksum OK.\n")
	return nil
}

func inspectLoose(out io.Writer, r *bufio.Reader, opts cryptor.Options) error {
	b, _ := r.Peek(cryptor.LooseFixedSize + cryptor.NonceSize)
	h, err := cryptor.DecodeLoose(b)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Header: encrypt (%x, %v)\n", byte(0x80|h.Algorithm), h.Algorithm)
	fmt.Fprintf(out, "Nonce: %s\n", hex.EncodeToString(h.Nonce))
	return inspectObject(out, r, opts)
}

func inspectObject(out io.Writer, r io.Reader, opts cryptor.Options) error {
	t, size, err := loose.ReadHeader(r, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Object: %v, size: %d\n", t, size)
	return nil
}
