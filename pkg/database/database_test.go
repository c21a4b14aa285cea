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
	"testing"

	"github.com/dnote/notesync/pkg/assert"
	"github.com/dnote/notesync/pkg/models"
	"github.com/pkg/errors"
)

func TestTagRepo(t *testing.T) {
	db := InitTestMemoryDB(t)
	ctx := context.Background()

	tag := models.Tag{SyncMeta: models.SyncMeta{GUID: "t1-guid", USN: 3}, Name: "JS"}
	if err := db.Tags().Add(ctx, &tag); err != nil {
		t.Fatal(errors.Wrap(err, "adding tag"))
	}
	assert.NotEqual(t, tag.LocalID, "", "local id was not assigned")

	got, err := db.Tags().FindByGUID(ctx, "t1-guid")
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding tag by guid"))
	}
	assert.DeepEqual(t, *got, tag, "tag mismatch")

	byName, err := db.Tags().FindByName(ctx, "js", "")
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding tag by name"))
	}
	assert.Equal(t, byName.LocalID, tag.LocalID, "name lookup should ignore case")

	_, err = db.Tags().FindByName(ctx, "js", "ln-1")
	assert.ErrorIs(t, err, ErrNotFound, "name lookup should be scoped to the linked notebook")

	tag.Name = "javascript"
	tag.Dirty = true
	if err := db.Tags().Update(ctx, &tag); err != nil {
		t.Fatal(errors.Wrap(err, "updating tag"))
	}

	got, err = db.Tags().FindByLocalID(ctx, tag.LocalID)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding tag by local id"))
	}
	assert.Equal(t, got.Name, "javascript", "name mismatch")
	assert.Equal(t, got.Dirty, true, "dirty mismatch")

	if err := db.Tags().Expunge(ctx, "t1-guid"); err != nil {
		t.Fatal(errors.Wrap(err, "expunging tag"))
	}
	_, err = db.Tags().FindByGUID(ctx, "t1-guid")
	assert.ErrorIs(t, err, ErrNotFound, "tag should be gone")

	err = db.Tags().Expunge(ctx, "t1-guid")
	assert.ErrorIs(t, err, ErrNotFound, "expunging twice should report not found")
}

func TestLocalOnlyEntities(t *testing.T) {
	db := InitTestMemoryDB(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		nb := models.Notebook{Name: name, SyncMeta: models.SyncMeta{Dirty: true}}
		if err := db.Notebooks().Add(ctx, &nb); err != nil {
			t.Fatal(errors.Wrapf(err, "adding notebook %s", name))
		}
	}

	dirty, err := db.Notebooks().ListDirty(ctx)
	if err != nil {
		t.Fatal(errors.Wrap(err, "listing dirty notebooks"))
	}
	assert.Equal(t, len(dirty), 2, "dirty count mismatch")
	assert.Equal(t, dirty[0].GUID, "", "guid should be empty")

	var nullCount int
	MustScan(t, "counting null guids", db.QueryRow("SELECT count(*) FROM notebooks WHERE guid IS NULL"), &nullCount)
	assert.Equal(t, nullCount, 2, "empty guids should be stored as NULL")
}

func TestUpdateMissing(t *testing.T) {
	db := InitTestMemoryDB(t)

	tag := models.Tag{SyncMeta: models.SyncMeta{LocalID: "missing"}, Name: "x"}
	err := db.Tags().Update(context.Background(), &tag)
	assert.ErrorIs(t, err, ErrNotFound, "updating a missing row should fail")
}

func TestNoteRelations(t *testing.T) {
	db := InitTestMemoryDB(t)
	ctx := context.Background()

	note := models.Note{
		SyncMeta:     models.SyncMeta{GUID: "n1"},
		NotebookGUID: "nb1",
		Title:        "title",
		Content:      "<en-note/>",
		TagGUIDs:     []string{"t2", "t1"},
		Resources: []models.Resource{
			{SyncMeta: models.SyncMeta{GUID: "r1"}, Mime: models.MimeInk, Data: []byte("ink")},
		},
	}
	if err := db.Notes().Add(ctx, &note); err != nil {
		t.Fatal(errors.Wrap(err, "adding note"))
	}

	got, err := db.Notes().FindByGUID(ctx, "n1")
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding note"))
	}
	assert.DeepEqual(t, got.TagGUIDs, []string{"t2", "t1"}, "tag guids mismatch")
	assert.Equal(t, len(got.Resources), 1, "resource count mismatch")
	assert.Equal(t, got.Resources[0].NoteLocalID, note.LocalID, "resource owner mismatch")
	assert.Equal(t, string(got.Resources[0].Data), "ink", "resource data mismatch")

	res, err := db.Resources().FindByGUID(ctx, "r1")
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding resource"))
	}
	assert.Equal(t, res.NoteGUID, "n1", "resource note guid mismatch")

	got.TagGUIDs = []string{"t1"}
	got.Resources = nil
	if err := db.Notes().Update(ctx, got); err != nil {
		t.Fatal(errors.Wrap(err, "updating note"))
	}

	got, err = db.Notes().FindByGUID(ctx, "n1")
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding updated note"))
	}
	assert.DeepEqual(t, got.TagGUIDs, []string{"t1"}, "updated tag guids mismatch")
	assert.Equal(t, len(got.Resources), 0, "resources should be replaced")

	if err := db.Notes().Expunge(ctx, "n1"); err != nil {
		t.Fatal(errors.Wrap(err, "expunging note"))
	}

	var tagRows int
	MustScan(t, "counting note tags", db.QueryRow("SELECT count(*) FROM note_tags"), &tagRows)
	assert.Equal(t, tagRows, 0, "note tags should be expunged with the note")
}

func TestStandaloneResource(t *testing.T) {
	db := InitTestMemoryDB(t)
	ctx := context.Background()

	note := models.Note{SyncMeta: models.SyncMeta{GUID: "n1"}, Title: "n"}
	if err := db.Notes().Add(ctx, &note); err != nil {
		t.Fatal(errors.Wrap(err, "adding note"))
	}

	res := models.Resource{SyncMeta: models.SyncMeta{GUID: "r9"}, NoteGUID: "n1", Mime: "image/png"}
	if err := db.Resources().Add(ctx, &res); err != nil {
		t.Fatal(errors.Wrap(err, "adding resource"))
	}
	assert.Equal(t, res.NoteLocalID, note.LocalID, "owning note should be resolved")
}

func TestExpungeNotelessLinkedNotebookTags(t *testing.T) {
	db := InitTestMemoryDB(t)
	ctx := context.Background()

	tags := []models.Tag{
		{SyncMeta: models.SyncMeta{GUID: "own", LinkedNotebookGUID: ""}, Name: "own"},
		{SyncMeta: models.SyncMeta{GUID: "used", LinkedNotebookGUID: "ln"}, Name: "used"},
		{SyncMeta: models.SyncMeta{GUID: "unused", LinkedNotebookGUID: "ln"}, Name: "unused"},
	}
	for i := range tags {
		if err := db.Tags().Add(ctx, &tags[i]); err != nil {
			t.Fatal(errors.Wrap(err, "adding tag"))
		}
	}

	note := models.Note{SyncMeta: models.SyncMeta{GUID: "n1", LinkedNotebookGUID: "ln"}, TagGUIDs: []string{"used"}}
	if err := db.Notes().Add(ctx, &note); err != nil {
		t.Fatal(errors.Wrap(err, "adding note"))
	}

	n, err := db.ExpungeNotelessLinkedNotebookTags(ctx)
	if err != nil {
		t.Fatal(errors.Wrap(err, "expunging noteless tags"))
	}
	assert.Equal(t, n, 1, "expunged count mismatch")

	remaining, err := db.Tags().List(ctx)
	if err != nil {
		t.Fatal(errors.Wrap(err, "listing tags"))
	}
	assert.Equal(t, len(remaining), 2, "remaining count mismatch")
	for _, tag := range remaining {
		assert.NotEqual(t, tag.GUID, "unused", "noteless linked tag should be expunged")
	}
}

func TestSubscribe(t *testing.T) {
	db := InitTestMemoryDB(t)
	ctx := context.Background()

	events, cancel := db.Subscribe()

	tag := models.Tag{SyncMeta: models.SyncMeta{GUID: "g"}, Name: "a"}
	if err := db.Tags().Add(ctx, &tag); err != nil {
		t.Fatal(errors.Wrap(err, "adding tag"))
	}
	if err := db.Tags().Expunge(ctx, "g"); err != nil {
		t.Fatal(errors.Wrap(err, "expunging tag"))
	}

	e := <-events
	assert.Equal(t, e, models.ChangeEvent{Kind: models.KindTag, Op: models.OpPut, GUID: "g", LocalID: tag.LocalID}, "put event mismatch")
	e = <-events
	assert.Equal(t, e.Op, models.OpExpunge, "expunge event mismatch")

	cancel()
	cancel()

	_, ok := <-events
	assert.Equal(t, ok, false, "channel should be closed after cancel")
}

func TestSystem(t *testing.T) {
	db := InitTestMemoryDB(t)

	var val string
	err := db.GetSystem("missing", &val)
	assert.ErrorIs(t, err, ErrNotFound, "missing key")

	if err := db.UpdateSystem("k", "v1"); err != nil {
		t.Fatal(errors.Wrap(err, "inserting"))
	}
	if err := db.UpdateSystem("k", "v2"); err != nil {
		t.Fatal(errors.Wrap(err, "updating"))
	}
	if err := db.GetSystem("k", &val); err != nil {
		t.Fatal(errors.Wrap(err, "reading"))
	}
	assert.Equal(t, val, "v2", "value mismatch")
}

func TestUsersAndConflicts(t *testing.T) {
	db := InitTestMemoryDB(t)
	ctx := context.Background()

	_, err := db.FindUser(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound, "user should not exist")

	u := models.User{ID: 7, Username: "u", ServiceLevel: "basic"}
	if err := db.AddUser(ctx, u); err != nil {
		t.Fatal(errors.Wrap(err, "adding user"))
	}
	u.ServiceLevel = "pro"
	if err := db.UpdateUser(ctx, u); err != nil {
		t.Fatal(errors.Wrap(err, "updating user"))
	}
	got, err := db.FindUser(ctx, 7)
	if err != nil {
		t.Fatal(errors.Wrap(err, "finding user"))
	}
	assert.Equal(t, *got, u, "user mismatch")

	c := models.Conflict{Kind: models.KindNote, GUID: "n1", LocalID: "a", ConflictLocalID: "b", Report: "diff"}
	if err := db.AddConflict(ctx, c); err != nil {
		t.Fatal(errors.Wrap(err, "adding conflict"))
	}
	conflicts, err := db.ListConflicts(ctx)
	if err != nil {
		t.Fatal(errors.Wrap(err, "listing conflicts"))
	}
	assert.Equal(t, len(conflicts), 1, "conflict count mismatch")
	assert.Equal(t, conflicts[0].Kind, models.KindNote, "kind mismatch")
	assert.Equal(t, conflicts[0].ConflictLocalID, "b", "conflict local id mismatch")
}

func TestSecretStore(t *testing.T) {
	db := InitTestMemoryDB(t)

	s, err := NewSecretStore(db, []byte("passphrase"))
	if err != nil {
		t.Fatal(errors.Wrap(err, "creating store"))
	}

	_, ok, err := s.Get("token")
	if err != nil {
		t.Fatal(errors.Wrap(err, "reading missing secret"))
	}
	assert.Equal(t, ok, false, "secret should be missing")

	if err := s.Put("token", "S=s1:U=1"); err != nil {
		t.Fatal(errors.Wrap(err, "writing secret"))
	}

	var raw []byte
	MustScan(t, "reading raw secret", db.QueryRow("SELECT value FROM secrets WHERE key = ?", "token"), &raw)
	assert.NotEqual(t, string(raw), "S=s1:U=1", "secret should be encrypted")

	got, ok, err := s.Get("token")
	if err != nil {
		t.Fatal(errors.Wrap(err, "reading secret"))
	}
	assert.Equal(t, ok, true, "secret should exist")
	assert.Equal(t, got, "S=s1:U=1", "secret mismatch")

	other, err := NewSecretStore(db, []byte("wrong"))
	if err != nil {
		t.Fatal(errors.Wrap(err, "creating second store"))
	}
	_, _, err = other.Get("token")
	assert.ErrorIs(t, err, ErrSecretCorrupted, "wrong passphrase should not decrypt")

	if err := s.Delete("token"); err != nil {
		t.Fatal(errors.Wrap(err, "deleting secret"))
	}
	_, ok, _ = s.Get("token")
	assert.Equal(t, ok, false, "secret should be deleted")
}
