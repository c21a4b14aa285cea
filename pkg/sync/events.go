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
	"github.com/dnote/notesync/pkg/models"
)

// EventType is the type of an engine event
type EventType int

const (
	// EventProgress reports progress within a phase
	EventProgress EventType = iota
	// EventPaused is sent when the engine pauses
	EventPaused
	// EventResumed is sent when the engine resumes
	EventResumed
	// EventStopped is sent when the engine stopped on request
	EventStopped
	// EventRateLimitExceeded is sent when a request waits for the rate limit to reset
	EventRateLimitExceeded
	// EventFinished is sent when a pass completes
	EventFinished
	// EventFailure is sent when a pass aborts
	EventFailure
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventStopped:
		return "stopped"
	case EventRateLimitExceeded:
		return "rate limit exceeded"
	case EventFinished:
		return "finished"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is a notification emitted by the engine
type Event struct {
	Type EventType
	// Label describes the progress step
	Label string
	// Fraction is the completed share of the step, between 0 and 1
	Fraction float64
	// Seconds is the wait of a rate limited request
	Seconds int
	// PendingAuth is set when the engine paused to renew a credential
	PendingAuth bool
	Checkpoint  models.Checkpoint
	Err         error
}

// Listener receives the events of the engine. It is called from the engine's
// loop and must not block.
type Listener func(Event)

// Progress labels
const (
	LabelChunks             = "downloading sync chunks"
	LabelNotes              = "downloading notes"
	LabelResources          = "downloading resources"
	LabelExpunge            = "expunging entities"
	LabelLinkedNotebooks    = "synchronizing linked notebooks"
	LabelLinkedChunks       = "downloading linked notebook sync chunks"
	LabelLinkedNotebookDone = "linked notebook synchronized"
)
