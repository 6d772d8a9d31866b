// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ctxlog carries a structured logger in a context.
package ctxlog

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

var rootLogger = logrus.New()

const rfc3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// Context returns a child of ctx such that FromContext(child) returns
// logger.
func Context(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached to ctx by Context, or the
// root logger.
func FromContext(ctx context.Context) logrus.FieldLogger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(logrus.FieldLogger); ok {
			return logger
		}
	}
	return rootLogger
}

// Root returns the process-wide logger configured by SetLevel and
// SetFormat.
func Root() *logrus.Logger { return rootLogger }

// SetLevel sets the root logger's level. See logrus for level names.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	rootLogger.SetLevel(lvl)
	return nil
}

// SetFormat sets the root logger's format to "json" or "text".
func SetFormat(format string) error {
	switch format {
	case "text":
		rootLogger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: rfc3339NanoFixed,
		})
	case "json":
		rootLogger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: rfc3339NanoFixed,
		})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
