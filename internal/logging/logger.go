// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logging provides the per-component prefixed logger used across
// Claude Fleet. Every example repo retrieved for this project reaches for the
// standard library log package directly rather than a structured logging
// library, so this wrapper stays on top of log.Logger instead of importing
// one.
package logging

import (
	"io"
	"log"
	"os"
)

// Logger wraps log.Logger with a fixed component prefix, e.g. "[worker]".
type Logger struct {
	*log.Logger
	component string
}

var output io.Writer = os.Stderr

// SetOutput redirects every future logger created by New to w. Intended for
// tests and for the CLI's -debug flag.
func SetOutput(w io.Writer) {
	output = w
}

// New creates a logger prefixed with "[component] ".
func New(component string) *Logger {
	return &Logger{
		Logger:    log.New(output, "["+component+"] ", log.LstdFlags),
		component: component,
	}
}

// Named returns a child logger with "[component:child] ".
func (l *Logger) Named(child string) *Logger {
	return New(l.component + ":" + child)
}
