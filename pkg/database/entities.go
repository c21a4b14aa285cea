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

package database

import (
	"context"
	"database/sql"

	"github.com/dnote/notesync/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var tagSchema = schema[models.Tag]{
	kind:    models.KindTag,
	table:   "tags",
	columns: []string{"name", "parent_guid"},
	fields: func(t *models.Tag) []interface{} {
		return []interface{}{&t.Name, &t.ParentGUID}
	},
	meta: func(t *models.Tag) *models.SyncMeta { return &t.SyncMeta },
}

var savedSearchSchema = schema[models.SavedSearch]{
	kind:    models.KindSavedSearch,
	table:   "saved_searches",
	columns: []string{"name", "query"},
	fields: func(s *models.SavedSearch) []interface{} {
		return []interface{}{&s.Name, &s.Query}
	},
	meta: func(s *models.SavedSearch) *models.SyncMeta { return &s.SyncMeta },
}

var notebookSchema = schema[models.Notebook]{
	kind:    models.KindNotebook,
	table:   "notebooks",
	columns: []string{"name", "stack", "is_default", "published", "public_uri"},
	fields: func(n *models.Notebook) []interface{} {
		return []interface{}{&n.Name, &n.Stack, &n.Default, &n.Published, &n.PublicURI}
	},
	meta: func(n *models.Notebook) *models.SyncMeta { return &n.SyncMeta },
}

var linkedNotebookSchema = schema[models.LinkedNotebook]{
	kind:    models.KindLinkedNotebook,
	table:   "linked_notebooks",
	columns: []string{"share_name", "username", "shard_id", "shared_notebook_global_id", "uri", "note_store_url"},
	fields: func(l *models.LinkedNotebook) []interface{} {
		return []interface{}{&l.ShareName, &l.Username, &l.ShardID, &l.SharedNotebookGlobalID, &l.URI, &l.NoteStoreURL}
	},
	meta: func(l *models.LinkedNotebook) *models.SyncMeta { return &l.SyncMeta },
}

var resourceSchema = schema[models.Resource]{
	kind:    models.KindResource,
	table:   "resources",
	columns: []string{"note_guid", "note_local_id", "mime", "data", "hash", "width", "height"},
	fields: func(r *models.Resource) []interface{} {
		return []interface{}{&r.NoteGUID, &r.NoteLocalID, &r.Mime, &r.Data, &r.Hash, &r.Width, &r.Height}
	},
	meta:        func(r *models.Resource) *models.SyncMeta { return &r.SyncMeta },
	beforeWrite: resolveResourceNote,
}

var noteSchema = schema[models.Note]{
	kind:    models.KindNote,
	table:   "notes",
	columns: []string{"notebook_guid", "title", "content", "created", "updated", "thumbnail_needed"},
	fields: func(n *models.Note) []interface{} {
		return []interface{}{&n.NotebookGUID, &n.Title, &n.Content, &n.Created, &n.Updated, &n.ThumbnailNeeded}
	},
	meta:          func(n *models.Note) *models.SyncMeta { return &n.SyncMeta },
	afterWrite:    writeNoteRelations,
	afterLoad:     loadNoteRelations,
	beforeExpunge: expungeNoteRelations,
}

// resolveResourceNote fills in the local id of the note owning the resource
func resolveResourceNote(ctx context.Context, d *DB, r *models.Resource) error {
	if r.NoteLocalID != "" || r.NoteGUID == "" {
		return nil
	}

	err := d.conn.QueryRowContext(ctx, "SELECT local_id FROM notes WHERE guid = ?", r.NoteGUID).Scan(&r.NoteLocalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "finding note %s", r.NoteGUID)
	}

	return nil
}

func writeNoteRelations(ctx context.Context, d *DB, n *models.Note) error {
	if _, err := d.execContext(ctx, "DELETE FROM note_tags WHERE note_local_id = ?", n.LocalID); err != nil {
		return errors.Wrap(err, "clearing note tags")
	}
	for i, guid := range n.TagGUIDs {
		if _, err := d.execContext(ctx, "INSERT OR IGNORE INTO note_tags (note_local_id, tag_guid, position) VALUES (?, ?, ?)", n.LocalID, guid, i); err != nil {
			return errors.Wrapf(err, "inserting note tag %s", guid)
		}
	}

	if _, err := d.execContext(ctx, "DELETE FROM resources WHERE note_local_id = ?", n.LocalID); err != nil {
		return errors.Wrap(err, "clearing note resources")
	}
	for i := range n.Resources {
		r := &n.Resources[i]
		if r.LocalID == "" {
			r.LocalID = uuid.New().String()
		}
		r.NoteLocalID = n.LocalID
		r.NoteGUID = n.GUID
		r.LinkedNotebookGUID = n.LinkedNotebookGUID

		if err := d.resources.insert(ctx, r); err != nil {
			return errors.Wrapf(err, "inserting resource %d", i)
		}
	}

	return nil
}

func loadNoteRelations(ctx context.Context, d *DB, n *models.Note) error {
	rows, err := d.conn.QueryContext(ctx, "SELECT tag_guid FROM note_tags WHERE note_local_id = ? ORDER BY position", n.LocalID)
	if err != nil {
		return errors.Wrap(err, "querying note tags")
	}

	n.TagGUIDs = nil
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			rows.Close()
			return errors.Wrap(err, "scanning note tag")
		}
		n.TagGUIDs = append(n.TagGUIDs, guid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errors.Wrap(err, "iterating note tags")
	}
	rows.Close()

	res, err := d.resources.findMany(ctx, "note_local_id = ? ORDER BY rowid", n.LocalID)
	if err != nil {
		return errors.Wrap(err, "querying note resources")
	}
	if len(res) > 0 {
		n.Resources = res
	} else {
		n.Resources = nil
	}

	return nil
}

func expungeNoteRelations(ctx context.Context, d *DB, localID string) error {
	if _, err := d.execContext(ctx, "DELETE FROM note_tags WHERE note_local_id = ?", localID); err != nil {
		return errors.Wrap(err, "deleting note tags")
	}
	if _, err := d.execContext(ctx, "DELETE FROM resources WHERE note_local_id = ?", localID); err != nil {
		return errors.Wrap(err, "deleting note resources")
	}

	return nil
}

func (d *DB) initRepos() {
	d.tags = &NamedRepo[models.Tag]{newRepo(d, tagSchema)}
	d.savedSearches = &NamedRepo[models.SavedSearch]{newRepo(d, savedSearchSchema)}
	d.notebooks = &NamedRepo[models.Notebook]{newRepo(d, notebookSchema)}
	d.notes = newRepo(d, noteSchema)
	d.resources = newRepo(d, resourceSchema)
	d.linkedNotebooks = newRepo(d, linkedNotebookSchema)
}

// Tags returns the tag repository
func (d *DB) Tags() *NamedRepo[models.Tag] {
	return d.tags
}

// SavedSearches returns the saved search repository
func (d *DB) SavedSearches() *NamedRepo[models.SavedSearch] {
	return d.savedSearches
}

// Notebooks returns the notebook repository
func (d *DB) Notebooks() *NamedRepo[models.Notebook] {
	return d.notebooks
}

// Notes returns the note repository
func (d *DB) Notes() *Repo[models.Note] {
	return d.notes
}

// Resources returns the resource repository
func (d *DB) Resources() *Repo[models.Resource] {
	return d.resources
}

// LinkedNotebooks returns the linked notebook repository
func (d *DB) LinkedNotebooks() *Repo[models.LinkedNotebook] {
	return d.linkedNotebooks
}

// ListLinkedNotebooks returns every linked notebook
func (d *DB) ListLinkedNotebooks(ctx context.Context) ([]models.LinkedNotebook, error) {
	return d.linkedNotebooks.List(ctx)
}

// ExpungeNotelessLinkedNotebookTags removes the tags of linked notebooks
// that no note refers to anymore. It returns the number of expunged tags.
func (d *DB) ExpungeNotelessLinkedNotebookTags(ctx context.Context) (int, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT guid FROM tags
		WHERE linked_notebook_guid != '' AND guid IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM note_tags WHERE note_tags.tag_guid = tags.guid)`)
	if err != nil {
		return 0, errors.Wrap(err, "querying noteless tags")
	}

	var guids []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scanning noteless tag")
		}
		guids = append(guids, guid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errors.Wrap(err, "iterating noteless tags")
	}
	rows.Close()

	for _, guid := range guids {
		if err := d.tags.Expunge(ctx, guid); err != nil && !errors.Is(err, ErrNotFound) {
			return 0, errors.Wrapf(err, "expunging tag %s", guid)
		}
	}

	return len(guids), nil
}
