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

package sync

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrStopped is returned when a pass was stopped on request
	ErrStopped = errors.New("synchronization stopped")
	// ErrIncompatibleProtocol is returned when the remote service rejects the client version
	ErrIncompatibleProtocol = errors.New("protocol version is not supported by the remote service")
	// ErrAlreadyRunning is returned when a pass is started while another one is active
	ErrAlreadyRunning = errors.New("synchronization already running")
	// ErrMalformedChunk is returned when the remote service sends a sync chunk
	// that cannot be merged or does not advance the changelog
	ErrMalformedChunk = errors.New("malformed sync chunk")
)

// FailureError is a fatal error with the phase it happened in
type FailureError struct {
	Phase Phase
	Err   error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Err)
}

// Unwrap returns the underlying error
func (e *FailureError) Unwrap() error {
	return e.Err
}

// Cause returns the underlying error
func (e *FailureError) Cause() error {
	return e.Err
}
