// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package log provides structured, leveled logging. Every call emits a
// single JSON line to the configured writer; fields bound with With are
// merged into every record written through the returned child logger.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelNotice:
		return "notice"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCrit:
		return "crit"
	default:
		return "unknown"
	}
}

var levelNames = map[string]Level{
	"debug":  LevelDebug,
	"info":   LevelInfo,
	"notice": LevelNotice,
	"warn":   LevelWarn,
	"err":    LevelError,
	"error":  LevelError,
	"fatal":  LevelError,
	"crit":   LevelCrit,
}

var (
	mu       sync.Mutex
	minLevel = LevelDebug
	out      io.Writer = os.Stderr
	nowFn              = time.Now
)

// SetLevel sets the minimum level a record must reach to be written. An
// unrecognized name falls back to "debug".
func SetLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	lvl, ok := levelNames[name]
	if !ok {
		minLevel = LevelDebug
		return
	}
	minLevel = lvl
}

// SetLogLevel is kept as an alias of SetLevel for call sites ported
// directly from the reference gateway's flag wiring.
func SetLogLevel(lvl string) { SetLevel(lvl) }

// SetOutput redirects all subsequent records to w. Used by tests to capture
// output and by the server to split logs to a file.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

type record struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func write(lvl Level, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if lvl < minLevel {
		return
	}
	r := record{
		Time:    nowFn().UTC().Format(time.RFC3339Nano),
		Level:   lvl.String(),
		Message: msg,
		Fields:  fields,
	}
	enc := json.NewEncoder(out)
	_ = enc.Encode(r)
}

// Logger carries a set of fields merged into every record it writes. The
// zero value is ready to use with no bound fields.
type Logger struct {
	fields map[string]any
}

var base = &Logger{}

// Default returns the package-level logger with no bound fields.
func Default() *Logger { return base }

// With returns a child logger with one extra bound field, leaving l
// unmodified. Chain calls to bind several fields: logger.With("req_id",
// id).With("gateway_id", gw).
func (l *Logger) With(key string, value any) *Logger {
	merged := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		merged[k] = v
	}
	merged[key] = value
	return &Logger{fields: merged}
}

// WithFields merges a whole set of fields at once.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{fields: merged}
}

func (l *Logger) Debug(msg string)  { write(LevelDebug, msg, l.fields) }
func (l *Logger) Info(msg string)   { write(LevelInfo, msg, l.fields) }
func (l *Logger) Notice(msg string) { write(LevelNotice, msg, l.fields) }
func (l *Logger) Warn(msg string)   { write(LevelWarn, msg, l.fields) }
func (l *Logger) Error(msg string)  { write(LevelError, msg, l.fields) }
func (l *Logger) Crit(msg string)   { write(LevelCrit, msg, l.fields) }

func (l *Logger) Debugf(format string, v ...any)  { write(LevelDebug, fmt.Sprintf(format, v...), l.fields) }
func (l *Logger) Infof(format string, v ...any)   { write(LevelInfo, fmt.Sprintf(format, v...), l.fields) }
func (l *Logger) Warnf(format string, v ...any)   { write(LevelWarn, fmt.Sprintf(format, v...), l.fields) }
func (l *Logger) Errorf(format string, v ...any)  { write(LevelError, fmt.Sprintf(format, v...), l.fields) }

// With returns a child of the default logger, the common entry point for
// request- or connector-scoped loggers ("conn_id", "tenant_id", ...).
func With(key string, value any) *Logger { return base.With(key, value) }

// Package-level convenience wrappers kept so call sites ported from the
// reference gateway that don't care about bound fields stay terse.

func Debug(v ...any) { write(LevelDebug, fmt.Sprint(v...), nil) }
func Info(v ...any)  { write(LevelInfo, fmt.Sprint(v...), nil) }
func Note(v ...any)  { write(LevelNotice, fmt.Sprint(v...), nil) }
func Warn(v ...any)  { write(LevelWarn, fmt.Sprint(v...), nil) }
func Error(v ...any) { write(LevelError, fmt.Sprint(v...), nil) }
func Crit(v ...any)  { write(LevelCrit, fmt.Sprint(v...), nil) }
func Print(v ...any) { Info(v...) }

func Debugf(format string, v ...any) { write(LevelDebug, fmt.Sprintf(format, v...), nil) }
func Infof(format string, v ...any)  { write(LevelInfo, fmt.Sprintf(format, v...), nil) }
func Notef(format string, v ...any)  { write(LevelNotice, fmt.Sprintf(format, v...), nil) }
func Warnf(format string, v ...any)  { write(LevelWarn, fmt.Sprintf(format, v...), nil) }
func Errorf(format string, v ...any) { write(LevelError, fmt.Sprintf(format, v...), nil) }
func Critf(format string, v ...any)  { write(LevelCrit, fmt.Sprintf(format, v...), nil) }
func Printf(format string, v ...any) { Infof(format, v...) }

// Panic logs at error level, then panics, matching the reference gateway's
// keep-the-process-alive-for-supervisors behavior.
func Panic(v ...any) {
	Error(v...)
	panic(fmt.Sprint(v...))
}

func Panicf(format string, v ...any) {
	Errorf(format, v...)
	panic(fmt.Sprintf(format, v...))
}

// Fatal logs at error level and exits; only used at startup before the
// server has anything worth draining.
func Fatal(v ...any) {
	Error(v...)
	os.Exit(1)
}

func Fatalf(format string, v ...any) {
	Errorf(format, v...)
	os.Exit(1)
}
