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

	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/models"
	"github.com/pkg/errors"
)

// expungeAll removes the local entities of a kind expunged remotely. An
// entity already gone locally is skipped. A remote expunge wins over local
// modifications.
func expungeAll[T any](s *session, kind models.Kind, repo Repository[T], guids []string, removed func(guid string)) {
	for _, guid := range guids {
		guid := guid

		s.local(workExpunge, func(ctx context.Context) (func(), error) {
			err := repo.Expunge(ctx, guid)
			if errors.Is(err, database.ErrNotFound) {
				log.WithFields(log.Fields{
					"kind": kind.String(),
					"guid": guid,
				}).Debug("expunged entity not found locally")
			} else if err != nil {
				return nil, errors.Wrapf(err, "expunging %s %s", kind, guid)
			}

			return func() {
				if removed != nil {
					removed(guid)
				}
				s.countExpunged()
			}, nil
		})
	}
}

func (s *session) countExpunged() {
	sc := s.scope
	sc.expungeDone++
	if sc.expungeTotal > 0 {
		s.progress(LabelExpunge, float64(sc.expungeDone)/float64(sc.expungeTotal))
	}
}

func (s *session) unmapLinked(guid string) {
	delete(s.guidMapping, guid)
}

// forgetLinkedNotebook drops everything known about an expunged linked notebook
func (s *session) forgetLinkedNotebook(guid string) {
	for g, ln := range s.guidMapping {
		if ln == guid {
			delete(s.guidMapping, g)
		}
	}

	delete(s.checkpoints.LinkedNotebooks, guid)
	delete(s.fullSyncDone.LinkedNotebooks, guid)
	s.linkedStale = true
}

// expungeScope applies the expunges of the current scope: notes, then
// notebooks, then saved searches, tags and linked notebooks, then the tags
// of linked notebooks no note refers to anymore
func (s *session) expungeScope(done func()) {
	s.setPhase(PhaseExpunge)

	sc := s.scope
	p := sc.pending
	st := s.e.storage

	sc.expungeTotal = p.expungeCount()
	sc.expungeDone = 0

	s.then(func() {
		s.then(func() {
			s.then(func() {
				s.then(done)
				s.expungeNotelessTags()
			})

			expungeAll(s, models.KindSavedSearch, st.SavedSearches, p.searches.expungedGUIDs(), nil)
			expungeAll(s, models.KindTag, st.Tags, p.tags.expungedGUIDs(), s.unmapLinked)
			expungeAll(s, models.KindLinkedNotebook, st.LinkedNotebooks, p.linkedNotebooks.expungedGUIDs(), s.forgetLinkedNotebook)
		})

		expungeAll(s, models.KindNotebook, st.Notebooks, p.notebooks.expungedGUIDs(), s.unmapLinked)
	})

	expungeAll(s, models.KindNote, st.Notes, p.notes.expungedGUIDs(), nil)
}

func (s *session) expungeNotelessTags() {
	local := s.e.storage.Local

	s.local(workNotelessTagScan, func(ctx context.Context) (func(), error) {
		n, err := local.ExpungeNotelessLinkedNotebookTags(ctx)
		if err != nil {
			return nil, err
		}

		if n > 0 {
			log.WithFields(log.Fields{"count": n}).Info("expunged linked notebook tags without notes")
		}

		return nil, nil
	})
}
