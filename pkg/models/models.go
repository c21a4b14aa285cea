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

// Package models defines the entities exchanged between the remote service,
// the local database and the synchronization engine
package models

import (
	"fmt"
	"time"
)

// Kind identifies a type of synchronizable entity
type Kind int

const (
	// KindTag is a tag
	KindTag Kind = iota
	// KindSavedSearch is a saved search
	KindSavedSearch
	// KindNotebook is a notebook
	KindNotebook
	// KindNote is a note
	KindNote
	// KindResource is a resource attached to a note
	KindResource
	// KindLinkedNotebook is a notebook shared into the account by another user
	KindLinkedNotebook
)

func (k Kind) String() string {
	switch k {
	case KindTag:
		return "tag"
	case KindSavedSearch:
		return "saved search"
	case KindNotebook:
		return "notebook"
	case KindNote:
		return "note"
	case KindResource:
		return "resource"
	case KindLinkedNotebook:
		return "linked notebook"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ContentSource tells whether data belongs to the user's own account or to a linked notebook
type ContentSource int

const (
	// SourceOwnAccount is the user's own account
	SourceOwnAccount ContentSource = iota
	// SourceLinkedNotebook is a notebook shared by another account
	SourceLinkedNotebook
)

func (s ContentSource) String() string {
	if s == SourceLinkedNotebook {
		return "linked notebook"
	}

	return "own account"
}

// SyncMeta holds the bookkeeping shared by every synchronizable entity.
// LocalID identifies the row locally; GUID is assigned by the remote service
// and is empty for entities that were never uploaded.
type SyncMeta struct {
	LocalID            string `json:"local_id,omitempty"`
	GUID               string `json:"guid"`
	USN                int64  `json:"usn"`
	Dirty              bool   `json:"dirty,omitempty"`
	LinkedNotebookGUID string `json:"linked_notebook_guid,omitempty"`
}

// Sync returns the sync metadata
func (m *SyncMeta) Sync() *SyncMeta {
	return m
}

// Entity is implemented by every synchronizable entity
type Entity interface {
	Sync() *SyncMeta
	DisplayName() string
}

// Tag is a label that can be attached to notes
type Tag struct {
	SyncMeta
	Name       string `json:"name"`
	ParentGUID string `json:"parent_guid,omitempty"`
}

// DisplayName returns the name of the tag
func (t *Tag) DisplayName() string {
	return t.Name
}

// SavedSearch is a stored search query
type SavedSearch struct {
	SyncMeta
	Name  string `json:"name"`
	Query string `json:"query"`
}

// DisplayName returns the name of the saved search
func (s *SavedSearch) DisplayName() string {
	return s.Name
}

// Notebook holds notes
type Notebook struct {
	SyncMeta
	Name      string `json:"name"`
	Stack     string `json:"stack,omitempty"`
	Default   bool   `json:"default,omitempty"`
	Published bool   `json:"published,omitempty"`
	PublicURI string `json:"public_uri,omitempty"`
}

// DisplayName returns the name of the notebook
func (n *Notebook) DisplayName() string {
	return n.Name
}

// Note is a note. Notes received in sync chunks carry no content; the full
// note is fetched separately.
type Note struct {
	SyncMeta
	NotebookGUID    string     `json:"notebook_guid"`
	Title           string     `json:"title"`
	Content         string     `json:"content,omitempty"`
	TagGUIDs        []string   `json:"tag_guids,omitempty"`
	Resources       []Resource `json:"resources,omitempty"`
	Created         int64      `json:"created"`
	Updated         int64      `json:"updated"`
	ThumbnailNeeded bool       `json:"thumbnail_needed,omitempty"`
}

// DisplayName returns the title of the note
func (n *Note) DisplayName() string {
	return n.Title
}

// HasInkResource tells whether the note contains an ink drawing
func (n *Note) HasInkResource() bool {
	for _, r := range n.Resources {
		if r.IsInk() {
			return true
		}
	}

	return false
}

// MimeInk is the mime type of ink drawing resources
const MimeInk = "application/vnd.evernote.ink"

// Resource is a binary attachment of a note
type Resource struct {
	SyncMeta
	NoteGUID    string `json:"note_guid"`
	NoteLocalID string `json:"note_local_id,omitempty"`
	Mime        string `json:"mime"`
	Data        []byte `json:"data,omitempty"`
	Hash        string `json:"hash,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// DisplayName returns a label for the resource
func (r *Resource) DisplayName() string {
	return r.Mime
}

// IsInk tells whether the resource is an ink drawing
func (r *Resource) IsInk() bool {
	return r.Mime == MimeInk
}

// LinkedNotebook points at a notebook owned by another account
type LinkedNotebook struct {
	SyncMeta
	ShareName              string `json:"share_name"`
	Username               string `json:"username"`
	ShardID                string `json:"shard_id"`
	SharedNotebookGlobalID string `json:"shared_notebook_global_id"`
	URI                    string `json:"uri,omitempty"`
	NoteStoreURL           string `json:"note_store_url"`
}

// DisplayName returns the share name of the linked notebook
func (l *LinkedNotebook) DisplayName() string {
	return l.ShareName
}

// User is the account the synchronization runs for
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	ServiceLevel string `json:"service_level"`
	ShardID      string `json:"shard_id"`
	Updated      int64  `json:"updated"`
}

// AccountLimits are the quotas of an account's service level
type AccountLimits struct {
	UserMailLimitDaily    int32 `json:"user_mail_limit_daily" msgpack:"user_mail_limit_daily"`
	NoteSizeMax           int64 `json:"note_size_max" msgpack:"note_size_max"`
	ResourceSizeMax       int64 `json:"resource_size_max" msgpack:"resource_size_max"`
	UserLinkedNotebookMax int32 `json:"user_linked_notebook_max" msgpack:"user_linked_notebook_max"`
	UploadLimit           int64 `json:"upload_limit" msgpack:"upload_limit"`
	UserNoteCountMax      int32 `json:"user_note_count_max" msgpack:"user_note_count_max"`
	UserNotebookCountMax  int32 `json:"user_notebook_count_max" msgpack:"user_notebook_count_max"`
	UserTagCountMax       int32 `json:"user_tag_count_max" msgpack:"user_tag_count_max"`
	NoteTagCountMax       int32 `json:"note_tag_count_max" msgpack:"note_tag_count_max"`
	UserSavedSearchesMax  int32 `json:"user_saved_searches_max" msgpack:"user_saved_searches_max"`
	NoteResourceCountMax  int32 `json:"note_resource_count_max" msgpack:"note_resource_count_max"`
}

// conflictTimeLayout is the timestamp format used in conflicted copy names
const conflictTimeLayout = "2006-01-02 15:04:05"

// ConflictName returns the name given to the local copy of an entity that
// collided with a more recent remote change
func ConflictName(kind Kind, name string, at time.Time) string {
	return fmt.Sprintf("Conflicted %s %s (%s)", kind, name, at.UTC().Format(conflictTimeLayout))
}

// Conflict records a collision between a locally modified entity and a
// remote update
type Conflict struct {
	ID              int64
	Kind            Kind
	GUID            string
	LocalID         string
	ConflictLocalID string
	Report          string
	CreatedAt       time.Time
}

// ChangeOp is the type of a local storage change
type ChangeOp int

const (
	// OpPut is an insertion
	OpPut ChangeOp = iota
	// OpUpdate is a modification
	OpUpdate
	// OpExpunge is a removal
	OpExpunge
)

// ChangeEvent notifies a write to the local storage
type ChangeEvent struct {
	Kind    Kind
	Op      ChangeOp
	GUID    string
	LocalID string
}
