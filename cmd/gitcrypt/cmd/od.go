// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/grailbio/gitcrypt/errors"
)

// Od prints a hex dump of the files named by args, or of stdin, 16
// bytes per line, each line prefixed by its decimal offset.
func Od(ctx context.Context, out io.Writer, args []string) (err error) {
	var (
		flags   flag.FlagSet
		noASCII = flags.Bool("no-ascii", false, "omit the ASCII column")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return dump(out, os.Stdin, !*noASCII)
	}
	for _, path := range flags.Args() {
		f, err := os.Open(path)
		if err != nil {
			return errors.E(err, "od", path)
		}
		err = dump(out, f, !*noASCII)
		errors.CleanUp(f.Close, &err)
		if err != nil {
			return err
		}
	}
	return nil
}

func dump(out io.Writer, in io.Reader, showASCII bool) error {
	var (
		r      = bufio.NewReader(in)
		w      = bufio.NewWriter(out)
		line   [16]byte
		offset int64
	)
	for {
		n, err := io.ReadFull(r, line[:])
		if n > 0 {
			writeLine(w, offset, line[:n], showASCII)
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return errors.E(err, "od")
		}
	}
	return w.Flush()
}

func writeLine(w *bufio.Writer, offset int64, p []byte, showASCII bool) {
	var hex strings.Builder
	fmt.Fprintf(&hex, "%07d", offset)
	for _, c := range p {
		fmt.Fprintf(&hex, " %02x", c)
	}
	if !showASCII {
		fmt.Fprintln(w, hex.String())
		return
	}
	ascii := make([]byte, len(p))
	for i, c := range p {
		switch {
		case c < unicode.MaxASCII && unicode.IsSpace(rune(c)):
			ascii[i] = ' '
		case c >= 0x20 && c < 0x7f:
			ascii[i] = c
		default:
			ascii[i] = '.'
		}
	}
	fmt.Fprintf(w, "%-55s    | %-16s |\n", hex.String(), ascii)
}
