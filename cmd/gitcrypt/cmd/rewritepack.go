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
	"path/filepath"

	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/hashfile"
	"github.com/grailbio/gitcrypt/packstream"
	"github.com/natefinch/atomic"
)

func algorithmName(encrypted bool, alg cryptor.Algorithm) string {
	if !encrypted {
		return "plain"
	}
	return alg.String()
}

// RewritePack reads a pack, plain or encrypted, and writes its objects
// to a new pack that is plain, encrypted with the configured secret,
// or encrypted with the secret given by -to-secret. The new pack
// replaces the output file only once it is complete.
func RewritePack(ctx context.Context, out io.Writer, args []string) (err error) {
	var (
		flags     flag.FlagSet
		crypto    cryptoFlags
		outFlag   = flags.String("o", "", "output pack; required")
		plain     = flags.Bool("plain", false, "write a plain pack")
		toSecret  = flags.String("to-secret", "", "secret of the output pack; the configured secret if empty")
		toAlg     = flags.String("to-algorithm", "", "algorithm of the output pack; the configured algorithm if empty")
		levelFlag = flags.Int("level", -2, "zlib compression level; the configured level if -2")
	)
	crypto.register(&flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 || *outFlag == "" {
		return errors.E(errors.Invalid, "rewrite-pack: usage: rewrite-pack -o output.pack input.pack")
	}
	if *plain && (*toSecret != "" || *toAlg != "") {
		return errors.E(errors.Invalid, "rewrite-pack: -plain excludes -to-secret and -to-algorithm")
	}
	cfg, err := crypto.load()
	if err != nil {
		return err
	}
	inOpts, err := cfg.CryptorOptions()
	if err != nil {
		return err
	}
	outCfg := *cfg
	if *toSecret != "" {
		outCfg.Secret = *toSecret
		outCfg.Enabled = true
	}
	if *toAlg != "" {
		outCfg.Algorithm = *toAlg
	}
	if *plain {
		outCfg.Enabled = false
	}
	outOpts, err := outCfg.EncryptOptions()
	if err != nil {
		return err
	}
	level := *levelFlag
	if level == -2 {
		level = cfg.Compression
	}
	var hopts []hashfile.Option
	if outOpts.Enabled() {
		c, err := cryptor.New(outOpts)
		if err != nil {
			return err
		}
		hopts = append(hopts, hashfile.WithCryptor(c))
	}

	inPath := flags.Arg(0)
	in, err := os.Open(inPath)
	if err != nil {
		return errors.E(err, inPath)
	}
	defer errors.CleanUp(in.Close, &err)
	tmp, err := os.CreateTemp(filepath.Dir(*outFlag), ".rewrite-*.pack")
	if err != nil {
		return errors.E(err, *outFlag)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	f := hashfile.New(tmp, tmp.Name(), hopts...)
	r := packstream.NewReader(in, packstream.Options{Crypto: inOpts})
	res, d, err := packstream.Transcode(ctx, r, f, level, hashfile.Fsync|hashfile.Close)
	if err != nil {
		return errors.E(err, "rewrite-pack", inPath)
	}
	if err := atomic.ReplaceFile(tmp.Name(), *outFlag); err != nil {
		return errors.E(err, *outFlag)
	}
	outAlg := cryptor.None
	if c := f.Cryptor(); c != nil {
		outAlg = c.Algorithm()
	}
	fmt.Fprintf(out, "%s: %d objects, %s -> %s, checksum %s\n",
		*outFlag, res.Objects, algorithmName(res.Encrypted(), res.Algorithm()),
		algorithmName(outAlg != cryptor.None, outAlg), d.Hex())
	return nil
}
