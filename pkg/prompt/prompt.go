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

// Package prompt provides interactive yes/no prompts
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// FormatQuestion formats a yes/no question with the choice indicator. An
// optimistic question defaults to yes.
func FormatQuestion(question string, optimistic bool) string {
	choices := "(y/N)"
	if optimistic {
		choices = "(Y/n)"
	}

	return fmt.Sprintf("%s %s", question, choices)
}

// ReadYesNo reads one answer. Empty input, including a closed reader,
// selects the default of the question.
func ReadYesNo(r io.Reader, optimistic bool) (bool, error) {
	input, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, errors.Wrap(err, "reading answer")
	}

	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, nil
	case "":
		return optimistic, nil
	default:
		return false, nil
	}
}

// Confirm asks the question on w and reads the answer from r
func Confirm(r io.Reader, w io.Writer, question string, optimistic bool) (bool, error) {
	if _, err := fmt.Fprintf(w, "%s ", FormatQuestion(question, optimistic)); err != nil {
		return false, errors.Wrap(err, "writing question")
	}

	return ReadYesNo(r, optimistic)
}
