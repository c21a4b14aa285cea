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

package assert

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// WaitForPrompt reads r until the expected prompt appears. Prompts without a
// trailing newline are matched as well.
func WaitForPrompt(r io.Reader, expected string, timeout time.Duration) error {
	found := make(chan error, 1)

	go func() {
		reader := bufio.NewReader(r)
		var seen strings.Builder

		for {
			b, err := reader.ReadByte()
			if err != nil {
				found <- errors.Wrapf(err, "reading output before prompt %q", expected)
				return
			}

			seen.WriteByte(b)
			if strings.HasSuffix(seen.String(), expected) {
				found <- nil
				return
			}
		}
	}()

	select {
	case err := <-found:
		return err
	case <-time.After(timeout):
		return errors.Errorf("timeout waiting for prompt %q", expected)
	}
}

// RespondToPrompt waits for the prompt and writes the response
func RespondToPrompt(r io.Reader, w io.Writer, expected, response string, timeout time.Duration) error {
	if err := WaitForPrompt(r, expected, timeout); err != nil {
		return err
	}

	if _, err := io.WriteString(w, response); err != nil {
		return errors.Wrap(err, "writing response")
	}

	return nil
}
