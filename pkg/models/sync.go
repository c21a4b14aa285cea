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

package models

// SyncState is the state of a changelog on the remote service
type SyncState struct {
	UpdateCount    int64 `json:"update_count"`
	FullSyncBefore int64 `json:"full_sync_before"`
	CurrentTime    int64 `json:"current_time"`
	Uploaded       int64 `json:"uploaded"`
}

// SyncChunk is one page of a remote changelog
type SyncChunk struct {
	HighUSN     int64 `json:"high_usn"`
	UpdateCount int64 `json:"update_count"`
	CurrentTime int64 `json:"current_time"`

	Tags            []Tag            `json:"tags,omitempty"`
	Notebooks       []Notebook       `json:"notebooks,omitempty"`
	Notes           []Note           `json:"notes,omitempty"`
	Resources       []Resource       `json:"resources,omitempty"`
	SavedSearches   []SavedSearch    `json:"saved_searches,omitempty"`
	LinkedNotebooks []LinkedNotebook `json:"linked_notebooks,omitempty"`

	ExpungedTags            []string `json:"expunged_tags,omitempty"`
	ExpungedNotebooks       []string `json:"expunged_notebooks,omitempty"`
	ExpungedNotes           []string `json:"expunged_notes,omitempty"`
	ExpungedSearches        []string `json:"expunged_searches,omitempty"`
	ExpungedLinkedNotebooks []string `json:"expunged_linked_notebooks,omitempty"`
}

// CaughtUp tells whether the chunk reaches the head of the changelog
func (c SyncChunk) CaughtUp() bool {
	return c.HighUSN >= c.UpdateCount
}

// Checkpoint marks how far a scope has been synchronized
type Checkpoint struct {
	UpdateCount int64 `json:"update_count" msgpack:"update_count"`
	SyncTime    int64 `json:"sync_time" msgpack:"sync_time"`
}

// IsZero tells whether nothing was ever synchronized for the scope
func (c Checkpoint) IsZero() bool {
	return c.UpdateCount <= 0
}

// Checkpoints holds the checkpoint of the own account and of every linked notebook
type Checkpoints struct {
	Account         Checkpoint
	LinkedNotebooks map[string]Checkpoint
}

// NewCheckpoints returns empty checkpoints
func NewCheckpoints() Checkpoints {
	return Checkpoints{LinkedNotebooks: map[string]Checkpoint{}}
}

// Clone returns a deep copy
func (c Checkpoints) Clone() Checkpoints {
	ret := Checkpoints{
		Account:         c.Account,
		LinkedNotebooks: make(map[string]Checkpoint, len(c.LinkedNotebooks)),
	}
	for guid, cp := range c.LinkedNotebooks {
		ret.LinkedNotebooks[guid] = cp
	}

	return ret
}

// Max returns the highest update count and sync time across all scopes
func (c Checkpoints) Max() Checkpoint {
	ret := c.Account
	for _, cp := range c.LinkedNotebooks {
		if cp.UpdateCount > ret.UpdateCount {
			ret.UpdateCount = cp.UpdateCount
		}
		if cp.SyncTime > ret.SyncTime {
			ret.SyncTime = cp.SyncTime
		}
	}

	return ret
}
