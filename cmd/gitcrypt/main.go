// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command gitcrypt compresses, encrypts and inspects loose objects
// and pack streams. It also verifies packs and rewrites them with a
// different key.
//
//	gitcrypt [-log=level] <subcommand> [flags] args...
//
// Run gitcrypt without arguments for the list of subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/gitcrypt/cmd/gitcrypt/cmd"
	"github.com/grailbio/gitcrypt/log"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	log.SetOutputter(log.NewLogrusOutputter(logger))
	log.AddFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-log=level] <subcommand> [flags] args...\n\n", os.Args[0])
		cmd.PrintHelp(os.Stderr)
	}
	flag.Parse()
	if err := cmd.Run(context.Background(), flag.Args()); err != nil {
		log.Fatal(err)
	}
}
