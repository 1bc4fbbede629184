// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2014,2015,2017 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package logger implements a small logging façade used by every
// supergfxd package instead of the standard library's log package
// directly, so tests can swap in a buffer and assert on emitted lines.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// A Logger is a fairly minimal logging tool.
type Logger interface {
	// Notice is for messages the operator should see (also mirrored to
	// the journal when running under systemd).
	Notice(msg string)
	// Debug is for messages useful when diagnosing a mode transition,
	// gated behind SUPERGFXD_DEBUG.
	Debug(msg string)
}

const (
	// DefaultFlags are passed to the console log.Logger.
	DefaultFlags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
)

type nullLogger struct{}

func (nullLogger) Notice(string) {}
func (nullLogger) Debug(string)  {}

// NullLogger discards everything; used by packages under test that
// don't care about log output.
var NullLogger = nullLogger{}

var (
	logger Logger = NullLogger
	lock   sync.Mutex
)

// Panicf notifies the operator and then panics.
func Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)

	lock.Lock()
	defer lock.Unlock()

	logger.Notice("PANIC " + msg)
	panic(msg)
}

// Noticef notifies the operator of something.
func Noticef(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)

	lock.Lock()
	defer lock.Unlock()

	logger.Notice(msg)
}

// Debugf records something in the debug log.
func Debugf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)

	lock.Lock()
	defer lock.Unlock()

	logger.Debug(msg)
}

// MockLogger replaces the existing logger with a buffer and returns
// the log buffer and a restore function.
func MockLogger() (buf *bytes.Buffer, restore func()) {
	buf = &bytes.Buffer{}
	oldLogger := logger
	l, err := New(buf, DefaultFlags)
	if err != nil {
		panic(err)
	}
	SetLogger(l)
	return buf, func() {
		SetLogger(oldLogger)
	}
}

// SetLogger sets the global logger to the given one.
func SetLogger(l Logger) {
	lock.Lock()
	defer lock.Unlock()

	logger = l
}

type consoleLog struct {
	log   *log.Logger
	debug bool
}

func (l *consoleLog) debugEnabled() bool {
	return l.debug || os.Getenv("SUPERGFXD_DEBUG") != ""
}

// Debug only prints if SUPERGFXD_DEBUG is set or debug was requested
// on the command line.
func (l *consoleLog) Debug(msg string) {
	if l.debugEnabled() {
		l.log.Output(3, "DEBUG: "+msg)
	}
}

// Notice always prints; it is also what the journal picks up as the
// unit's stderr when running under systemd.
func (l *consoleLog) Notice(msg string) {
	l.log.Output(3, msg)
}

// New creates a Logger writing to w with the given log flags.
func New(w io.Writer, flag int) (Logger, error) {
	return &consoleLog{log: log.New(w, "", flag)}, nil
}

func buildFlags() int {
	if term := os.Getenv("TERM"); term != "" {
		// Not running under systemd; timestamps aren't added by the
		// journal so keep our own.
		return DefaultFlags
	}
	return log.Lshortfile
}

// SimpleSetup creates the default (console/journal) logger. debug
// forces Debug-level output regardless of SUPERGFXD_DEBUG.
func SimpleSetup(debug bool) error {
	l, err := New(os.Stderr, buildFlags())
	if err != nil {
		return err
	}
	if cl, ok := l.(*consoleLog); ok {
		cl.debug = debug
	}
	SetLogger(l)
	return nil
}
