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

// Package log prints colored messages to the console
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// debugEnvName enables debug messages when set to 1
const debugEnvName = "NOTESYNC_DEBUG"

var (
	// ColorRed is a red foreground color
	ColorRed = color.New(color.FgRed)
	// ColorGreen is a green foreground color
	ColorGreen = color.New(color.FgGreen)
	// ColorYellow is a yellow foreground color
	ColorYellow = color.New(color.FgYellow)
	// ColorBlue is a blue foreground color
	ColorBlue = color.New(color.FgBlue)
	// ColorGray is a gray foreground color
	ColorGray = color.New(color.FgHiBlack)
)

const indent = "  "

// output is where messages are printed
var output io.Writer = color.Output

// SetOutput sets the writer messages are printed to
func SetOutput(w io.Writer) {
	output = w
}

func printSymbol(symbol, msg string) {
	fmt.Fprintf(output, "%s%s %s", indent, symbol, msg)
}

// Info prints information
func Info(msg string) {
	printSymbol(ColorBlue.Sprint("•"), msg)
}

// Infof prints information with optional format verbs
func Infof(msg string, v ...interface{}) {
	Info(fmt.Sprintf(msg, v...))
}

// Success prints a success message
func Success(msg string) {
	printSymbol(ColorGreen.Sprint("✔"), msg)
}

// Successf prints a success message with optional format verbs
func Successf(msg string, v ...interface{}) {
	Success(fmt.Sprintf(msg, v...))
}

// Plainf prints a message without any prefix symbol
func Plainf(msg string, v ...interface{}) {
	fmt.Fprintf(output, "%s%s", indent, fmt.Sprintf(msg, v...))
}

// Warnf prints a warning message with optional format verbs
func Warnf(msg string, v ...interface{}) {
	printSymbol(ColorYellow.Sprint("•"), fmt.Sprintf(msg, v...))
}

// Error prints an error message
func Error(msg string) {
	printSymbol(ColorRed.Sprint("⨯"), msg)
}

// Errorf prints an error message with optional format verbs
func Errorf(msg string, v ...interface{}) {
	Error(fmt.Sprintf(msg, v...))
}

// Progress rewrites the current line with the completion of a step
func Progress(label string, fraction float64) {
	fmt.Fprintf(output, "\r%s%s %s %3.0f%%", indent, ColorGray.Sprint("•"), label, fraction*100)
	if fraction >= 1 {
		fmt.Fprintln(output)
	}
}

// Askf prints a question. The leading symbol differs in color depending on
// whether the input is masked.
func Askf(msg string, masked bool, v ...interface{}) {
	symbol := ColorGreen.Sprint("[?]")
	if masked {
		symbol = ColorGray.Sprint("[?]")
	}

	fmt.Fprintf(output, "%s%s %s: ", indent, symbol, fmt.Sprintf(msg, v...))
}

// IsDebug tells whether debug messages are printed
func IsDebug() bool {
	return os.Getenv(debugEnvName) == "1"
}

// Debug prints to the console if NOTESYNC_DEBUG is set
func Debug(msg string, v ...interface{}) {
	if IsDebug() {
		fmt.Fprintf(output, "%s %s", ColorGray.Sprint("DEBUG:"), fmt.Sprintf(msg, v...))
	}
}
