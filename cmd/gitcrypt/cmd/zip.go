// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/log"
	"github.com/grailbio/gitcrypt/loose"
)

// openIO opens the input and output of zip and unzip. An empty input
// path reads stdin and an empty output path writes to out.
func openIO(in, outPath string, out io.Writer) (io.Reader, io.Writer, func() error, error) {
	var (
		r       io.Reader = os.Stdin
		w                 = out
		closers []func() error
	)
	if in != "" {
		f, err := os.Open(in)
		if err != nil {
			return nil, nil, nil, errors.E(err, in)
		}
		r = f
		closers = append(closers, f.Close)
	}
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, nil, errors.E(err, outPath)
		}
		w = f
		closers = append(closers, f.Close)
	}
	closeAll := func() error {
		var once errors.Once
		for _, c := range closers {
			once.Set(c())
		}
		return once.Err()
	}
	return r, w, closeAll, nil
}

// Zip deflates its input as a loose object stream, encrypting it
// after compression if a secret is configured.
func Zip(ctx context.Context, out io.Writer, args []string) (err error) {
	var (
		flags   flag.FlagSet
		crypto  cryptoFlags
		inFlag  = flags.String("i", "", "input file; stdin if empty")
		outFlag = flags.String("o", "", "output file; stdout if empty")
		level   = flags.Int("level", -2, "zlib compression level; the configured level if -2")
	)
	crypto.register(&flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := crypto.load()
	if err != nil {
		return err
	}
	opts, err := cfg.EncryptOptions()
	if err != nil {
		return err
	}
	if *level == -2 {
		*level = cfg.Compression
	}
	r, w, closeAll, err := openIO(*inFlag, *outFlag, out)
	if err != nil {
		return err
	}
	defer errors.CleanUp(closeAll, &err)
	h, err := loose.Deflate(w, r, opts, *level)
	if err != nil {
		return errors.E(err, "zip")
	}
	log.Debug.Printf("zip: wrote %v stream", h.Algorithm)
	return nil
}

// Unzip inflates a loose object stream, decrypting it first if it
// carries a crypto header.
func Unzip(ctx context.Context, out io.Writer, args []string) (err error) {
	var (
		flags   flag.FlagSet
		crypto  cryptoFlags
		inFlag  = flags.String("i", "", "input file; stdin if empty")
		outFlag = flags.String("o", "", "output file; stdout if empty")
	)
	crypto.register(&flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := crypto.load()
	if err != nil {
		return err
	}
	opts, err := cfg.CryptorOptions()
	if err != nil {
		return err
	}
	r, w, closeAll, err := openIO(*inFlag, *outFlag, out)
	if err != nil {
		return err
	}
	defer errors.CleanUp(closeAll, &err)
	h, err := loose.Inflate(w, r, opts)
	if err != nil {
		return errors.E(err, "unzip")
	}
	log.Debug.Printf("unzip: read %v stream", h.Algorithm)
	return nil
}
