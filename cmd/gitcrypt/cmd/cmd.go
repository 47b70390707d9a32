// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cmd implements the subcommands of gitcrypt.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/gobwas/glob/syntax"
	"github.com/gobwas/glob/syntax/ast"
	"github.com/grailbio/gitcrypt/config"
	"github.com/grailbio/gitcrypt/errors"
)

var commands = []struct {
	name     string
	callback func(ctx context.Context, out io.Writer, args []string) error
	help     string
}{
	{"zip", Zip, `Zip compresses a stream as a loose object, encrypting it if a secret is configured.`},
	{"unzip", Unzip, `Unzip decrypts and decompresses a loose object stream.`},
	{"verify-pack", VerifyPack, `Verify-pack reads packs, plain or encrypted, and checks their
entries and trailing checksum. Directory arguments are searched for
files matching -match. Arguments may contain globs defined in
https://github.com/gobwas/glob.`},
	{"rewrite-pack", RewritePack, `Rewrite-pack decrypts, encrypts or rekeys a pack, writing its objects
to a new pack. Object ids are unchanged.`},
	{"inspect", Inspect, `Inspect prints the crypto header and entries of packs and loose objects.`},
	{"od", Od, `Od prints a hex dump of its input.`},
}

// PrintHelp prints the list of subcommands to w.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Subcommands:")
	for _, c := range commands {
		fmt.Fprintf(w, "%s: %s\n", c.name, c.help)
	}
}

// Run runs the subcommand named by args[0], writing its output to
// os.Stdout.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		PrintHelp(os.Stderr)
		return errors.E(errors.Invalid, "no subcommand given")
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.callback(ctx, os.Stdout, args[1:])
		}
	}
	PrintHelp(os.Stderr)
	return errors.E(errors.Invalid, "unknown command", args[0])
}

// cryptoFlags are the configuration flags shared by the subcommands.
type cryptoFlags struct {
	config    string
	secret    string
	algorithm string
	nonce     string
}

func (c *cryptoFlags) register(flags *flag.FlagSet) {
	flags.StringVar(&c.config, "config", "", "YAML configuration file")
	flags.StringVar(&c.secret, "secret", "", "encryption secret; overrides the configuration")
	flags.StringVar(&c.algorithm, "algorithm", "", "encryption algorithm, by name or id; overrides the configuration")
	flags.StringVar(&c.nonce, "nonce", "", "fixed nonce, raw or hex: prefixed; overrides the configuration")
}

// load reads the configuration and applies the flag overrides.
func (c *cryptoFlags) load() (*config.Config, error) {
	cfg, err := config.Load(c.config)
	if err != nil {
		return nil, err
	}
	if c.secret != "" {
		cfg.Secret = c.secret
		cfg.Enabled = true
	}
	if c.algorithm != "" {
		cfg.Algorithm = c.algorithm
	}
	if c.nonce != "" {
		cfg.Nonce = c.nonce
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseGlob parses a string that potentially contains glob metacharacters, and
// returns (nonglobprefix, hasglob). If the string does not contain any glob
// metacharacter, this function returns (str, false). Else, it returns the
// prefix of path elements up to the element containing a glob character.
//
// For example, parseGlob("foo/bar/baz*/*.pack") returns ("foo/bar/", true).
func parseGlob(str string) (string, bool) {
	node, err := syntax.Parse(str)
	if err != nil {
		return str, false
	}
	if node.Kind != ast.KindPattern || len(node.Children) == 0 {
		return str, false
	}
	if node.Children[0].Kind != ast.KindText {
		return "", true
	}
	if len(node.Children) == 1 {
		return str, false
	}
	nonGlobPrefix := node.Children[0].Value.(ast.Text).Text
	if i := strings.LastIndexByte(nonGlobPrefix, '/'); i > 0 {
		nonGlobPrefix = nonGlobPrefix[:i+1]
	} else {
		nonGlobPrefix = ""
	}
	return nonGlobPrefix, true
}

// expandGlob expands the given glob string against the local file
// system. If the string does not contain a glob metacharacter, or on
// any error, it returns {str}.
func expandGlob(str string) []string {
	nonGlobPrefix, hasGlob := parseGlob(str)
	if !hasGlob {
		return []string{str}
	}
	m, err := glob.Compile(str, '/')
	if err != nil {
		return []string{str}
	}
	root := nonGlobPrefix
	if root == "" {
		root = "."
	}
	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if root == "." {
			path = strings.TrimPrefix(path, "./")
		}
		if !d.IsDir() && m.Match(path) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil || len(matches) == 0 {
		return []string{str}
	}
	return matches
}

// expandPaths expands globs in args and replaces each directory by
// the files under it whose base name matches pattern.
func expandPaths(args []string, pattern glob.Glob) ([]string, error) {
	var paths []string
	for _, arg := range args {
		for _, path := range expandGlob(arg) {
			info, err := os.Stat(path)
			if err != nil {
				return nil, errors.E(err, path)
			}
			if !info.IsDir() {
				paths = append(paths, path)
				continue
			}
			err = filepath.WalkDir(path, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && pattern.Match(d.Name()) {
					paths = append(paths, path)
				}
				return nil
			})
			if err != nil {
				return nil, errors.E(err, "listing", path)
			}
		}
	}
	return paths, nil
}
