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
	"github.com/pkg/errors"
)

// pendingSet holds the entities of one kind to merge and the guids to
// expunge. The last event seen for a guid wins, so an entity expunged and
// added again later in the changelog is merged, not expunged.
type pendingSet[T any] struct {
	order    []string
	items    map[string]T
	expunged map[string]bool
	// expungeOrder keeps expunges in changelog order
	expungeOrder []string
}

func newPendingSet[T any]() *pendingSet[T] {
	return &pendingSet[T]{
		items:    map[string]T{},
		expunged: map[string]bool{},
	}
}

func (p *pendingSet[T]) put(guid string, e T) {
	delete(p.expunged, guid)

	if _, ok := p.items[guid]; !ok {
		p.order = append(p.order, guid)
	}
	p.items[guid] = e
}

func (p *pendingSet[T]) expunge(guid string) {
	delete(p.items, guid)

	if !p.expunged[guid] {
		p.expunged[guid] = true
		p.expungeOrder = append(p.expungeOrder, guid)
	}
}

// values returns the entities to merge in the order they first appeared
func (p *pendingSet[T]) values() []T {
	ret := make([]T, 0, len(p.items))
	for _, guid := range p.order {
		if e, ok := p.items[guid]; ok {
			ret = append(ret, e)
		}
	}

	return ret
}

// expungedGUIDs returns the guids to expunge
func (p *pendingSet[T]) expungedGUIDs() []string {
	ret := make([]string, 0, len(p.expunged))
	for _, guid := range p.expungeOrder {
		if p.expunged[guid] {
			ret = append(ret, guid)
		}
	}

	return ret
}

func (p *pendingSet[T]) size() int {
	return len(p.items)
}

// pendingSets holds the pending entities of every kind for one scope
type pendingSets struct {
	tags            *pendingSet[models.Tag]
	searches        *pendingSet[models.SavedSearch]
	notebooks       *pendingSet[models.Notebook]
	notes           *pendingSet[models.Note]
	resources       *pendingSet[models.Resource]
	linkedNotebooks *pendingSet[models.LinkedNotebook]
}

func checkEntry(kind models.Kind, m models.SyncMeta) error {
	if m.GUID == "" {
		return errors.Wrapf(ErrMalformedChunk, "%s without a guid", kind)
	}
	if m.USN <= 0 {
		return errors.Wrapf(ErrMalformedChunk, "%s %s without a usn", kind, m.GUID)
	}

	return nil
}

func checkExpunged(kind models.Kind, guids []string) error {
	for _, guid := range guids {
		if guid == "" {
			return errors.Wrapf(ErrMalformedChunk, "expunged %s without a guid", kind)
		}
	}

	return nil
}

// checkChunk rejects entries the merge cannot identify
func checkChunk(c models.SyncChunk) error {
	expunged := []struct {
		kind  models.Kind
		guids []string
	}{
		{models.KindTag, c.ExpungedTags},
		{models.KindSavedSearch, c.ExpungedSearches},
		{models.KindNotebook, c.ExpungedNotebooks},
		{models.KindNote, c.ExpungedNotes},
		{models.KindLinkedNotebook, c.ExpungedLinkedNotebooks},
	}
	for _, e := range expunged {
		if err := checkExpunged(e.kind, e.guids); err != nil {
			return err
		}
	}

	var err error
	check := func(kind models.Kind, m models.SyncMeta) {
		if err == nil {
			err = checkEntry(kind, m)
		}
	}
	for _, t := range c.Tags {
		check(models.KindTag, t.SyncMeta)
	}
	for _, ss := range c.SavedSearches {
		check(models.KindSavedSearch, ss.SyncMeta)
	}
	for _, nb := range c.Notebooks {
		check(models.KindNotebook, nb.SyncMeta)
	}
	for _, n := range c.Notes {
		check(models.KindNote, n.SyncMeta)
	}
	for _, r := range c.Resources {
		check(models.KindResource, r.SyncMeta)
	}
	for _, ln := range c.LinkedNotebooks {
		check(models.KindLinkedNotebook, ln.SyncMeta)
	}

	return err
}

// buildPendingSets replays the chunks in download order. Within a chunk
// expunges are applied before additions. A chunk with an entry lacking a
// guid or a usn fails the whole set.
func buildPendingSets(chunks []models.SyncChunk) (*pendingSets, error) {
	p := &pendingSets{
		tags:            newPendingSet[models.Tag](),
		searches:        newPendingSet[models.SavedSearch](),
		notebooks:       newPendingSet[models.Notebook](),
		notes:           newPendingSet[models.Note](),
		resources:       newPendingSet[models.Resource](),
		linkedNotebooks: newPendingSet[models.LinkedNotebook](),
	}

	for i, c := range chunks {
		if err := checkChunk(c); err != nil {
			return nil, errors.Wrapf(err, "chunk %d ending at usn %d", i, c.HighUSN)
		}

		for _, guid := range c.ExpungedTags {
			p.tags.expunge(guid)
		}
		for _, guid := range c.ExpungedSearches {
			p.searches.expunge(guid)
		}
		for _, guid := range c.ExpungedNotebooks {
			p.notebooks.expunge(guid)
		}
		for _, guid := range c.ExpungedNotes {
			p.notes.expunge(guid)
		}
		for _, guid := range c.ExpungedLinkedNotebooks {
			p.linkedNotebooks.expunge(guid)
		}

		for _, t := range c.Tags {
			p.tags.put(t.GUID, t)
		}
		for _, ss := range c.SavedSearches {
			p.searches.put(ss.GUID, ss)
		}
		for _, nb := range c.Notebooks {
			p.notebooks.put(nb.GUID, nb)
		}
		for _, n := range c.Notes {
			p.notes.put(n.GUID, n)
		}
		for _, r := range c.Resources {
			p.resources.put(r.GUID, r)
		}
		for _, ln := range c.LinkedNotebooks {
			p.linkedNotebooks.put(ln.GUID, ln)
		}
	}

	// resources of expunged notes go away with their note
	for guid, r := range p.resources.items {
		if p.notes.expunged[r.NoteGUID] {
			delete(p.resources.items, guid)
		}
	}

	return p, nil
}

func (p *pendingSets) expungeCount() int {
	return len(p.tags.expunged) + len(p.searches.expunged) + len(p.notebooks.expunged) +
		len(p.notes.expunged) + len(p.linkedNotebooks.expunged)
}
