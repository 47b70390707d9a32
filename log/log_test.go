// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/grailbio/gitcrypt/log"
	"github.com/sirupsen/logrus"
)

type testOutputter struct {
	level    log.Level
	messages map[log.Level][]string
}

func newTestOutputter(level log.Level) *testOutputter {
	return &testOutputter{level, make(map[log.Level][]string)}
}

func (t *testOutputter) Next(level log.Level) string {
	if len(t.messages[level]) == 0 {
		return ""
	}
	var m string
	m, t.messages[level] = t.messages[level][0], t.messages[level][1:]
	return m
}

func (t *testOutputter) Level() log.Level {
	return t.level
}

func (t *testOutputter) Output(calldepth int, level log.Level, s string) error {
	t.messages[level] = append(t.messages[level], s)
	return nil
}

func TestLog(t *testing.T) {
	out := newTestOutputter(log.Info)
	defer log.SetOutputter(log.SetOutputter(out))
	log.Printf("pack %q: %d objects", "p.pack", 3)
	if got, want := out.Next(log.Info), `pack "p.pack": 3 objects`; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	log.Error.Print("checksum", " ", "mismatch")
	if got, want := out.Next(log.Error), "checksum mismatch"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	log.Debug.Print("x")
	if got, want := out.Next(log.Debug), ""; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	for _, c := range []struct {
		s    string
		want log.Level
	}{
		{"off", log.Off},
		{"error", log.Error},
		{"INFO", log.Info},
		{"debug", log.Debug},
		{"debug3", log.Level(3)},
	} {
		got, err := log.ParseLevel(c.s)
		if err != nil {
			t.Errorf("%s: %v", c.s, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: got %v, want %v", c.s, got, c.want)
		}
	}
	if _, err := log.ParseLevel("loud"); err == nil {
		t.Error("expected error")
	}
}

func TestLogrusOutputter(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	defer log.SetOutputter(log.SetOutputter(log.NewLogrusOutputter(logger)))
	log.SetLevel(log.Info)
	log.Print("wrote pack\n")
	log.Debug.Print("invisible")
	log.Error.Printf("offset %d: bad entry", 12)
	got := buf.String()
	if !strings.Contains(got, `level=info msg="wrote pack"`) {
		t.Errorf("missing info line: %q", got)
	}
	if !strings.Contains(got, `level=error msg="offset 12: bad entry"`) {
		t.Errorf("missing error line: %q", got)
	}
	if strings.Contains(got, "invisible") {
		t.Errorf("debug message leaked: %q", got)
	}
}

func ExampleSetOutput() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	log.Print("hello, world!")
	log.Error.Print("hello from error")
	log.Debug.Print("invisible")

	// Output:
	// hello, world!
	// hello from error
}
