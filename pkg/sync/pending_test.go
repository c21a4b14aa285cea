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
	"testing"

	"github.com/dnote/notesync/pkg/assert"
	"github.com/dnote/notesync/pkg/models"
	"github.com/pkg/errors"
)

func note(guid, notebookGUID string, usn int64) models.Note {
	return models.Note{SyncMeta: models.SyncMeta{GUID: guid, USN: usn}, NotebookGUID: notebookGUID}
}

func mustBuildPendingSets(t *testing.T, chunks []models.SyncChunk) *pendingSets {
	t.Helper()

	p, err := buildPendingSets(chunks)
	if err != nil {
		t.Fatal(errors.Wrap(err, "building pending sets"))
	}

	return p
}

func TestBuildPendingSetsLastEventWins(t *testing.T) {
	chunks := []models.SyncChunk{
		{Notes: []models.Note{note("n1", "a", 1), note("n2", "a", 2)}},
		{ExpungedNotes: []string{"n1", "n2"}},
		{Notes: []models.Note{note("n1", "b", 5)}},
	}

	p := mustBuildPendingSets(t, chunks)

	notes := p.notes.values()
	assert.Equal(t, len(notes), 1, "note count mismatch")
	assert.Equal(t, notes[0].GUID, "n1", "guid mismatch")
	assert.Equal(t, notes[0].NotebookGUID, "b", "the re-added note should win")
	assert.DeepEqual(t, p.notes.expungedGUIDs(), []string{"n2"}, "only n2 should be expunged")
}

func TestBuildPendingSetsLatestVersion(t *testing.T) {
	chunks := []models.SyncChunk{
		{Tags: []models.Tag{{SyncMeta: models.SyncMeta{GUID: "t1", USN: 1}, Name: "a"}, {SyncMeta: models.SyncMeta{GUID: "t2", USN: 2}, Name: "b"}}},
		{Tags: []models.Tag{{SyncMeta: models.SyncMeta{GUID: "t1", USN: 3}, Name: "c"}}},
	}

	p := mustBuildPendingSets(t, chunks)

	tags := p.tags.values()
	assert.Equal(t, len(tags), 2, "tag count mismatch")
	assert.Equal(t, tags[0].Name, "c", "the latest version should be kept in first-seen order")
	assert.Equal(t, tags[0].USN, int64(3), "usn mismatch")
	assert.Equal(t, tags[1].Name, "b", "second tag mismatch")
}

func TestBuildPendingSetsDropsResourcesOfExpungedNotes(t *testing.T) {
	chunks := []models.SyncChunk{
		{Resources: []models.Resource{
			{SyncMeta: models.SyncMeta{GUID: "r1", USN: 1}, NoteGUID: "n1"},
			{SyncMeta: models.SyncMeta{GUID: "r2", USN: 2}, NoteGUID: "n2"},
		}},
		{ExpungedNotes: []string{"n1"}},
	}

	p := mustBuildPendingSets(t, chunks)

	res := p.resources.values()
	assert.Equal(t, len(res), 1, "resource count mismatch")
	assert.Equal(t, res[0].GUID, "r2", "resource mismatch")
	assert.Equal(t, p.expungeCount(), 1, "expunge count mismatch")
}

func TestBuildPendingSetsRejectsUnidentifiedEntries(t *testing.T) {
	testCases := []struct {
		name  string
		chunk models.SyncChunk
	}{
		{
			name:  "tag without guid",
			chunk: models.SyncChunk{Tags: []models.Tag{{SyncMeta: models.SyncMeta{USN: 1}, Name: "a"}}},
		},
		{
			name:  "notebook without usn",
			chunk: models.SyncChunk{Notebooks: []models.Notebook{{SyncMeta: models.SyncMeta{GUID: "nb1"}, Name: "a"}}},
		},
		{
			name:  "note with negative usn",
			chunk: models.SyncChunk{Notes: []models.Note{note("n1", "nb1", -1)}},
		},
		{
			name:  "resource without guid",
			chunk: models.SyncChunk{Resources: []models.Resource{{SyncMeta: models.SyncMeta{USN: 3}, NoteGUID: "n1"}}},
		},
		{
			name:  "expunged note without guid",
			chunk: models.SyncChunk{ExpungedNotes: []string{""}},
		},
		{
			name:  "expunged linked notebook without guid",
			chunk: models.SyncChunk{ExpungedLinkedNotebooks: []string{"ln1", ""}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			valid := models.SyncChunk{Tags: []models.Tag{{SyncMeta: models.SyncMeta{GUID: "t1", USN: 1}, Name: "ok"}}}

			_, err := buildPendingSets([]models.SyncChunk{valid, tc.chunk})
			assert.ErrorIs(t, err, ErrMalformedChunk, "error mismatch")
		})
	}
}
