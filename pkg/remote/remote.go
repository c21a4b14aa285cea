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

// Package remote provides the client of the remote note service and the
// data structures for its requests and responses
package remote

import (
	"context"

	"github.com/dnote/notesync/pkg/models"
)

// Auth identifies the caller of a remote operation. NoteStoreURL, when set,
// routes the request to the shard holding the data.
type Auth struct {
	Token        string
	ShardID      string
	NoteStoreURL string
}

// ChunkFilter selects what a sync chunk contains
type ChunkFilter struct {
	IncludeTags            bool `json:"include_tags"`
	IncludeNotebooks       bool `json:"include_notebooks"`
	IncludeNotes           bool `json:"include_notes"`
	IncludeSearches        bool `json:"include_searches"`
	IncludeLinkedNotebooks bool `json:"include_linked_notebooks"`
	IncludeNoteAttributes  bool `json:"include_note_attributes"`
	IncludeResources       bool `json:"include_resources"`
	IncludeExpunged        bool `json:"include_expunged"`
}

// NewChunkFilter returns the filter used when downloading the own account's
// changelog. Expunged guids and individual resources are requested only for
// an incremental sync; a full sync receives resources embedded in the notes.
func NewChunkFilter(incremental bool) ChunkFilter {
	return ChunkFilter{
		IncludeTags:            true,
		IncludeNotebooks:       true,
		IncludeNotes:           true,
		IncludeSearches:        true,
		IncludeLinkedNotebooks: true,
		IncludeNoteAttributes:  true,
		IncludeResources:       incremental,
		IncludeExpunged:        incremental,
	}
}

// NoteOptions selects the parts of a note returned by GetNote
type NoteOptions struct {
	WithContent       bool
	WithResourcesData bool
}

// ResourceOptions selects the parts of a resource returned by GetResource
type ResourceOptions struct {
	WithData       bool
	WithAttributes bool
}

// AuthResult is the outcome of an authentication against the remote service
type AuthResult struct {
	Token        string `json:"token"`
	ShardID      string `json:"shard_id"`
	NoteStoreURL string `json:"note_store_url"`
	UserID       int64  `json:"user_id"`
	// Expiration is a unix timestamp in milliseconds. Zero means unknown.
	Expiration int64 `json:"expiration"`
}

// Store is the remote note service. Every operation returns either a value
// or an error; rate limiting is reported as *RateLimitError, an expired
// token as ErrAuthExpired and a rejected upload as ErrConflict.
type Store interface {
	CheckVersion(ctx context.Context, clientName string, major, minor int) (bool, error)
	GetUser(ctx context.Context, auth Auth) (models.User, error)
	GetAccountLimits(ctx context.Context, auth Auth, serviceLevel string) (models.AccountLimits, error)

	GetSyncState(ctx context.Context, auth Auth) (models.SyncState, error)
	GetSyncChunk(ctx context.Context, auth Auth, afterUSN int64, maxEntries int, filter ChunkFilter) (models.SyncChunk, error)
	GetLinkedNotebookSyncState(ctx context.Context, auth Auth, ln models.LinkedNotebook) (models.SyncState, error)
	GetLinkedNotebookSyncChunk(ctx context.Context, auth Auth, ln models.LinkedNotebook, afterUSN int64, maxEntries int, fullSyncOnly bool) (models.SyncChunk, error)

	GetNote(ctx context.Context, auth Auth, guid string, opts NoteOptions) (models.Note, error)
	GetResource(ctx context.Context, auth Auth, guid string, opts ResourceOptions) (models.Resource, error)

	AuthenticateToSharedNotebook(ctx context.Context, auth Auth, shareKey string) (AuthResult, error)

	CreateTag(ctx context.Context, auth Auth, tag models.Tag) (models.Tag, error)
	UpdateTag(ctx context.Context, auth Auth, tag models.Tag) (int64, error)
	CreateSavedSearch(ctx context.Context, auth Auth, search models.SavedSearch) (models.SavedSearch, error)
	UpdateSavedSearch(ctx context.Context, auth Auth, search models.SavedSearch) (int64, error)
	CreateNotebook(ctx context.Context, auth Auth, notebook models.Notebook) (models.Notebook, error)
	UpdateNotebook(ctx context.Context, auth Auth, notebook models.Notebook) (int64, error)
	CreateNote(ctx context.Context, auth Auth, note models.Note) (models.Note, error)
	UpdateNote(ctx context.Context, auth Auth, note models.Note) (int64, error)
}
