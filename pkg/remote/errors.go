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

package remote

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrAuthExpired is returned when the authentication token is no longer accepted
	ErrAuthExpired = errors.New("authentication token expired")
	// ErrConflict is returned when an upload collides with a concurrent remote change
	ErrConflict = errors.New("conflicting remote change")
	// ErrContentTypeMismatch is returned when the server responds with an unexpected content type
	ErrContentTypeMismatch = errors.New("content type mismatch")
)

// RateLimitError is returned when the remote service asks the client to slow down
type RateLimitError struct {
	Duration time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit reached, retry after %s", e.Duration)
}

// RetryAfter returns the wait duration if the error is a rate limit error
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Duration, true
	}

	return 0, false
}

// HTTPError represents an HTTP error response from the server
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf(`response %d "%s"`, e.StatusCode, e.Message)
}

// IsConflict returns true if the error is a 409 Conflict error
func (e *HTTPError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}
