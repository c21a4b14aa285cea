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

// Package assert provides functions to assert a condition in tests
package assert

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func getErrorMessage(m string, a, b interface{}) string {
	return fmt.Sprintf(`%s.
Actual:
========================
%+v
========================

Expected:
========================
%+v
========================`, m, a, b)
}

// Equal errors a test if the actual does not match the expected
func Equal(t *testing.T, a, b interface{}, message string) {
	t.Helper()

	if a == b {
		return
	}

	t.Error(getErrorMessage(message, a, b))
}

// NotEqual fails a test if the actual matches the expected
func NotEqual(t *testing.T, a, b interface{}, message string) {
	t.Helper()

	if a != b {
		return
	}

	t.Error(getErrorMessage(message, a, b))
}

// DeepEqual fails a test if the actual does not deeply equal the expected
func DeepEqual(t *testing.T, a, b interface{}, message string, opts ...cmp.Option) {
	t.Helper()

	if cmp.Equal(a, b, opts...) {
		return
	}

	t.Errorf("%s.\nDiff (-actual +expected):\n%s", message, cmp.Diff(a, b, opts...))
}

// EqualError fails a test if the error is nil or its message does not contain the given text
func EqualError(t *testing.T, err error, contains string, message string) {
	t.Helper()

	if err == nil {
		t.Errorf("%s. expected an error containing %q, got nil", message, contains)
		return
	}

	if !strings.Contains(err.Error(), contains) {
		t.Error(getErrorMessage(message, err.Error(), contains))
	}
}

// ErrorIs fails a test if the error chain does not contain the target
func ErrorIs(t *testing.T, err, target error, message string) {
	t.Helper()

	if errors.Is(err, target) {
		return
	}

	t.Error(getErrorMessage(message, err, target))
}

// Eventually polls the condition until it holds or the timeout elapses
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("%s. condition not met within %s", message, timeout)
}
