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
	"context"

	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
)

// mapLinked records the linked notebook owning a tag or notebook
func (s *session) mapLinked(m *models.SyncMeta) {
	if m.LinkedNotebookGUID != "" && m.GUID != "" {
		s.guidMapping[m.GUID] = m.LinkedNotebookGUID
	}
}

func (s *session) tagPolicy() *policy[models.Tag] {
	return &policy[models.Tag]{
		kind:             models.KindTag,
		repo:             s.e.storage.Tags,
		named:            s.e.storage.Tags,
		meta:             func(t *models.Tag) *models.SyncMeta { return &t.SyncMeta },
		name:             func(t *models.Tag) string { return t.Name },
		setName:          func(t *models.Tag, n string) { t.Name = n },
		keepConflictCopy: true,
		written:          func(t *models.Tag) { s.mapLinked(&t.SyncMeta) },
	}
}

func (s *session) savedSearchPolicy() *policy[models.SavedSearch] {
	return &policy[models.SavedSearch]{
		kind:             models.KindSavedSearch,
		repo:             s.e.storage.SavedSearches,
		named:            s.e.storage.SavedSearches,
		meta:             func(ss *models.SavedSearch) *models.SyncMeta { return &ss.SyncMeta },
		name:             func(ss *models.SavedSearch) string { return ss.Name },
		setName:          func(ss *models.SavedSearch, n string) { ss.Name = n },
		keepConflictCopy: true,
	}
}

func (s *session) notebookPolicy() *policy[models.Notebook] {
	return &policy[models.Notebook]{
		kind:             models.KindNotebook,
		repo:             s.e.storage.Notebooks,
		named:            s.e.storage.Notebooks,
		meta:             func(n *models.Notebook) *models.SyncMeta { return &n.SyncMeta },
		name:             func(n *models.Notebook) string { return n.Name },
		setName:          func(n *models.Notebook, name string) { n.Name = name },
		keepConflictCopy: true,
		detach:           func(n *models.Notebook) { n.Default = false },
		written:          func(n *models.Notebook) { s.mapLinked(&n.SyncMeta) },
	}
}

func (s *session) linkedNotebookPolicy() *policy[models.LinkedNotebook] {
	return &policy[models.LinkedNotebook]{
		kind:    models.KindLinkedNotebook,
		repo:    s.e.storage.LinkedNotebooks,
		meta:    func(l *models.LinkedNotebook) *models.SyncMeta { return &l.SyncMeta },
		name:    func(l *models.LinkedNotebook) string { return l.ShareName },
		setName: func(l *models.LinkedNotebook, n string) { l.ShareName = n },
		written: func(l *models.LinkedNotebook) { s.linkedStale = true },
	}
}

func (s *session) notePolicy() *policy[models.Note] {
	store := s.e.remote

	return &policy[models.Note]{
		kind:    models.KindNote,
		repo:    s.e.storage.Notes,
		meta:    func(n *models.Note) *models.SyncMeta { return &n.SyncMeta },
		name:    func(n *models.Note) string { return n.Title },
		setName: func(n *models.Note, title string) { n.Title = title },
		fetch: func(ctx context.Context, auth remote.Auth, n models.Note) (models.Note, error) {
			return store.GetNote(ctx, auth, n.GUID, remote.NoteOptions{WithContent: true, WithResourcesData: true})
		},
		keepConflictCopy: true,
		detach:           detachNote,
		report: func(local, remote *models.Note) string {
			return conflictReport(local.Content, remote.Content)
		},
		written: func(n *models.Note) {
			s.countMerged(LabelNotes)
			s.downloadMedia(*n)
		},
	}
}

// detachNote gives the resources of a conflicted note copy their own identity
func detachNote(n *models.Note) {
	if len(n.Resources) == 0 {
		return
	}

	res := make([]models.Resource, len(n.Resources))
	for i, r := range n.Resources {
		r.LocalID = ""
		r.GUID = ""
		r.USN = 0
		r.Dirty = true
		r.NoteGUID = ""
		r.NoteLocalID = ""
		res[i] = r
	}
	n.Resources = res
}

func (s *session) resourcePolicy() *policy[models.Resource] {
	store := s.e.remote

	return &policy[models.Resource]{
		kind:    models.KindResource,
		repo:    s.e.storage.Resources,
		meta:    func(r *models.Resource) *models.SyncMeta { return &r.SyncMeta },
		name:    func(r *models.Resource) string { return r.Mime },
		setName: func(*models.Resource, string) {},
		fetch: func(ctx context.Context, auth remote.Auth, r models.Resource) (models.Resource, error) {
			return store.GetResource(ctx, auth, r.GUID, remote.ResourceOptions{WithData: true, WithAttributes: true})
		},
		written: func(*models.Resource) {
			s.countMerged(LabelResources)
		},
	}
}

func (s *session) countMerged(label string) {
	sc := s.scope
	sc.mergeDone++
	if sc.mergeTotal > 0 {
		s.progress(label, float64(sc.mergeDone)/float64(sc.mergeTotal))
	}
}

// mergeScope merges the pending entities of the current scope: searches,
// linked notebooks, tags and notebooks first, then notes, then resources
// for an incremental pass
func (s *session) mergeScope(done func()) {
	s.setPhase(PhaseMerge)

	sc := s.scope
	p := sc.pending

	s.then(func() {
		sc.mergeTotal = p.notes.size()
		sc.mergeDone = 0

		s.then(func() {
			if !sc.incremental || p.resources.size() == 0 {
				done()
				return
			}

			sc.mergeTotal = p.resources.size()
			sc.mergeDone = 0

			s.then(done)
			mergeAll(s, s.resourcePolicy(), p.resources.values())
		})
		mergeAll(s, s.notePolicy(), p.notes.values())
	})

	mergeAll(s, s.savedSearchPolicy(), p.searches.values())
	mergeAll(s, s.linkedNotebookPolicy(), p.linkedNotebooks.values())
	mergeAll(s, s.tagPolicy(), p.tags.values())
	mergeAll(s, s.notebookPolicy(), p.notebooks.values())
}
