// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log

import (
	"strings"

	"github.com/sirupsen/logrus"
)

type logrusOutputter struct {
	logger *logrus.Logger
}

// NewLogrusOutputter returns an Outputter that writes to the provided
// logrus logger. The logger's level follows the level set by SetLevel
// or the -log flag; messages above it are dropped before formatting.
func NewLogrusOutputter(logger *logrus.Logger) Outputter {
	return logrusOutputter{logger}
}

func (o logrusOutputter) Level() Level { return golevel }

func (o logrusOutputter) Output(calldepth int, level Level, s string) error {
	if golevel < level {
		return nil
	}
	o.logger.SetLevel(logrusLevel(golevel))
	s = strings.TrimSuffix(s, "\n")
	switch {
	case level <= Error:
		o.logger.Error(s)
	case level == Info:
		o.logger.Info(s)
	default:
		o.logger.Debug(s)
	}
	return nil
}

func logrusLevel(l Level) logrus.Level {
	switch {
	case l <= Off:
		return logrus.PanicLevel
	case l == Error:
		return logrus.ErrorLevel
	case l == Info:
		return logrus.InfoLevel
	case l == Debug:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}
