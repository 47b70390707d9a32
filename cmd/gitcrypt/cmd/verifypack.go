// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/log"
	"github.com/grailbio/gitcrypt/loose"
	"github.com/grailbio/gitcrypt/object"
	"github.com/grailbio/gitcrypt/packstream"
	"golang.org/x/sync/errgroup"
)

type verifyResult struct {
	res     packstream.Result
	elapsed time.Duration
	err     error
}

// VerifyPack verifies packs concurrently and prints one line per pack,
// in argument order. It returns an error if any pack fails.
func VerifyPack(ctx context.Context, out io.Writer, args []string) error {
	var (
		flags      flag.FlagSet
		crypto     cryptoFlags
		matchFlag  = flags.String("match", "*.pack", "pattern of pack names searched for in directory arguments")
		jobsFlag   = flags.Int("j", runtime.NumCPU(), "number of packs verified in parallel")
		maxFlag    = flags.String("max-size", "", "reject packs larger than this size, e.g. 2GiB")
		objectsDir = flags.String("objects", "", "loose object directory consulted for ref-delta bases")
		verbose    = flags.Bool("v", false, "print every entry")
	)
	crypto.register(&flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.E(errors.Invalid, "verify-pack: no packs given")
	}
	pattern, err := glob.Compile(*matchFlag)
	if err != nil {
		return errors.E(errors.Invalid, "verify-pack: bad -match pattern", err)
	}
	var maxSize int64
	if *maxFlag != "" {
		n, err := humanize.ParseBytes(*maxFlag)
		if err != nil {
			return errors.E(errors.Invalid, "verify-pack: bad -max-size", err)
		}
		maxSize = int64(n)
	}
	cfg, err := crypto.load()
	if err != nil {
		return err
	}
	opts, err := cfg.CryptorOptions()
	if err != nil {
		return err
	}
	var store object.Store
	if *objectsDir != "" {
		store = loose.NewDir(*objectsDir, opts, cfg.Compression)
	}
	paths, err := expandPaths(flags.Args(), pattern)
	if err != nil {
		return err
	}
	jobs := *jobsFlag
	if jobs < 1 {
		jobs = 1
	}

	results := make([]verifyResult, len(paths))
	entries := make([][]string, len(paths))
	sem := make(chan struct{}, jobs)
	g, gctx := errgroup.WithContext(ctx)
loop:
	for i := range paths {
		i := i
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			break loop
		}
		g.Go(func() error {
			defer func() { <-sem }()
			popts := packstream.Options{Crypto: opts, MaxPackSize: maxSize, Store: store}
			if *verbose {
				popts.OnObject = func(e packstream.Entry) error {
					entries[i] = append(entries[i], formatEntry(len(entries[i])+1, e, true, true, false))
					return nil
				}
			}
			start := time.Now()
			res, err := verifyFile(gctx, paths[i], popts)
			results[i] = verifyResult{res, time.Since(start), err}
			if errors.Is(errors.Canceled, err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.E(err)
	}

	var failed int
	for i, r := range results {
		for _, line := range entries[i] {
			fmt.Fprintf(out, "%s: %s\n", paths[i], line)
		}
		if r.err == nil {
			r.err = r.res.Err()
		}
		if r.err != nil {
			failed++
			fmt.Fprintf(out, "%s: FAILED: %v\n", paths[i], r.err)
			continue
		}
		rate := float64(r.res.Size) / r.elapsed.Seconds()
		fmt.Fprintf(out, "%s: ok, %s, %d objects, %s, checksum %s, %s/s\n",
			paths[i], algorithmName(r.res.Encrypted(), r.res.Algorithm()), r.res.Objects, humanize.IBytes(uint64(r.res.Size)),
			r.res.Checksum.Hex(), humanize.IBytes(uint64(rate)))
		if r.res.MissingBases > 0 {
			log.Printf("%s: %d ref-delta bases not found", paths[i], r.res.MissingBases)
		}
	}
	if failed > 0 {
		return errors.E(errors.Integrity, fmt.Sprintf("verify-pack: %d of %d packs failed", failed, len(paths)))
	}
	return nil
}

func verifyFile(ctx context.Context, path string, opts packstream.Options) (_ packstream.Result, err error) {
	f, err := os.Open(path)
	if err != nil {
		return packstream.Result{}, errors.E(err, path)
	}
	defer errors.CleanUp(f.Close, &err)
	return packstream.NewReader(f, opts).Verify(ctx)
}

// formatEntry describes an entry the way inspect prints it.
func formatEntry(n int, e packstream.Entry, showSize, showOffset, showCRC bool) string {
	s := fmt.Sprintf("[obj %d] type: %v", n, e.Type)
	if showOffset {
		switch e.Type {
		case object.OfsDelta:
			s += fmt.Sprintf(" (offset: %d)", e.BaseOffset)
		case object.RefDelta:
			s += fmt.Sprintf(" (refoid: %v)", e.BaseID)
		}
	}
	if showSize {
		s += fmt.Sprintf(", size: %d", e.Size)
	}
	if showCRC {
		s += fmt.Sprintf(", crc32: %08x", e.CRC32)
	}
	return s
}
