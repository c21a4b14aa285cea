/* Copyright 2025 Dnote Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package log provides structured JSON logging for the synchronization
// components
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Level is the severity of an entry
type Level int

const (
	// LevelDebug is for details of the synchronization steps
	LevelDebug Level = iota
	// LevelInfo is for progress milestones
	LevelInfo
	// LevelWarn is for recoverable failures
	LevelWarn
	// LevelError is for failures that end an operation
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ErrUnknownLevel is returned by ParseLevel for an unknown name
var ErrUnknownLevel = errors.New("unknown log level")

// ParseLevel returns the level with the given name
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.Wrapf(ErrUnknownLevel, "%q", s)
	}
}

var (
	mu     sync.RWMutex
	level  = LevelInfo
	output io.Writer = os.Stderr
)

// SetLevel sets the lowest level written
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()

	level = l
}

// SetOutput sets the writer log entries are written to
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	output = w
}

func enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()

	return l >= level
}

// Fields represents a set of information to be included in the log
type Fields map[string]interface{}

// Entry is a set of fields waiting for a message
type Entry struct {
	fields Fields
}

// WithFields creates a log entry with the given fields
func WithFields(fields Fields) Entry {
	return Entry{fields: fields}
}

// WithFields returns a copy of the entry with the given fields added
func (e Entry) WithFields(fields Fields) Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return Entry{fields: merged}
}

// Debug writes the entry at the debug level
func (e Entry) Debug(msg string) {
	e.write(LevelDebug, msg)
}

// Info writes the entry at the info level
func (e Entry) Info(msg string) {
	e.write(LevelInfo, msg)
}

// Warn writes the entry at the warning level
func (e Entry) Warn(msg string) {
	e.write(LevelWarn, msg)
}

// Error writes the entry at the error level
func (e Entry) Error(msg string) {
	e.write(LevelError, msg)
}

// ErrorWrap writes the error at the error level, annotated by msg
func (e Entry) ErrorWrap(err error, msg string) {
	e.Error(fmt.Sprintf("%s: %v", msg, err))
}

// WarnWrap writes the error at the warning level, annotated by msg
func (e Entry) WarnWrap(err error, msg string) {
	e.Warn(fmt.Sprintf("%s: %v", msg, err))
}

func (e Entry) encode(l Level, msg string, now time.Time) []byte {
	data := make(Fields, len(e.fields)+3)
	for k, v := range e.fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		data[k] = v
	}

	data["level"] = l.String()
	data["msg"] = msg
	data["time"] = now.Format(time.RFC3339Nano)

	b, err := json.Marshal(data)
	if err != nil {
		return []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"encode_error":%q}`, l, msg, err.Error()))
	}

	return b
}

func (e Entry) write(l Level, msg string) {
	if !enabled(l) {
		return
	}

	b := append(e.encode(l, msg, time.Now().UTC()), '\n')

	mu.RLock()
	w := output
	mu.RUnlock()

	if _, err := w.Write(b); err != nil {
		fmt.Fprintf(os.Stderr, "writing log entry: %v\n", err)
	}
}

// Debug logs a debug message without additional fields
func Debug(msg string) {
	Entry{}.Debug(msg)
}

// Info logs an info message without additional fields
func Info(msg string) {
	Entry{}.Info(msg)
}

// Warn logs a warning message without additional fields
func Warn(msg string) {
	Entry{}.Warn(msg)
}

// ErrorWrap logs the error annotated by msg without additional fields
func ErrorWrap(err error, msg string) {
	Entry{}.ErrorWrap(err, msg)
}
