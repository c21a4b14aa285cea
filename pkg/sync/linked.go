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

	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/pkg/errors"
)

// syncLinkedNotebooks synchronizes every linked notebook of the account one
// after the other, then finalizes the pass
func (s *session) syncLinkedNotebooks() {
	s.setPhase(PhaseLinkedNotebooks)

	if s.linkedFetched && !s.linkedStale {
		s.authenticateLinkedNotebooks()
		return
	}

	local := s.e.storage.Local
	s.local(workListLinked, func(ctx context.Context) (func(), error) {
		lns, err := local.ListLinkedNotebooks(ctx)
		if err != nil {
			return nil, err
		}

		return func() {
			s.linked = lns
			s.linkedFetched = true
			s.linkedStale = false
			s.then(s.authenticateLinkedNotebooks)
		}, nil
	})
}

// authenticateLinkedNotebooks resolves the credentials of every linked
// notebook in one batch
func (s *session) authenticateLinkedNotebooks() {
	if len(s.linked) == 0 {
		s.finalize()
		return
	}

	refs := make([]credentials.LinkedNotebookRef, 0, len(s.linked))
	for _, ln := range s.linked {
		ref := credentials.LinkedNotebookRef{
			GUID:                   ln.GUID,
			SharedNotebookGlobalID: ln.SharedNotebookGlobalID,
			ShardID:                ln.ShardID,
			NoteStoreURL:           ln.NoteStoreURL,
		}
		refs = append(refs, ref)
		s.refs[credentials.LinkedNotebookScope(ln.GUID)] = ref
	}

	log.WithFields(log.Fields{"count": len(refs)}).Info("synchronizing linked notebooks")
	s.progress(LabelLinkedNotebooks, 0)

	s.then(func() { s.syncLinkedNotebook(0) })

	ctx := s.ctx
	creds := s.e.creds
	s.spawn(workAuthenticate, func() func() {
		auths, err := creds.LinkedNotebookAuth(ctx, refs)

		return func() {
			if err != nil {
				s.fail(errors.Wrap(err, "getting the linked notebook credentials"))
				return
			}

			for guid, a := range auths {
				s.auths[credentials.LinkedNotebookScope(guid)] = a
			}
		}
	})
}

// syncLinkedNotebook synchronizes the i-th linked notebook, then the next one
func (s *session) syncLinkedNotebook(i int) {
	if i >= len(s.linked) {
		s.finalize()
		return
	}

	ln := s.linked[i]
	sc := &scope{
		cred:               credentials.LinkedNotebookScope(ln.GUID),
		linkedNotebookGUID: ln.GUID,
		linkedNotebook:     ln,
	}
	s.scope = sc

	if _, ok := s.auths[sc.cred]; !ok {
		s.fail(errors.Errorf("no credential for linked notebook %s", ln.GUID))
		return
	}

	next := func() {
		s.progress(LabelLinkedNotebooks, float64(i+1)/float64(len(s.linked)))
		s.syncLinkedNotebook(i + 1)
	}

	cp := s.checkpoints.LinkedNotebooks[ln.GUID]
	if s.req.ForceFullSync || cp.IsZero() || !s.fullSyncDone.LinkedNotebooks[ln.GUID] {
		log.WithFields(log.Fields{"linked_notebook_guid": ln.GUID}).Info("full synchronization of linked notebook")
		s.downloadLinkedNotebook(sc, next)
		return
	}

	sc.incremental = true
	sc.afterUSN = cp.UpdateCount

	s.setPhase(PhaseCheckUpdates)
	s.then(func() {
		if sc.upToDate {
			s.checkpoints.LinkedNotebooks[ln.GUID] = sc.checkpoint()
			s.emit(Event{Type: EventProgress, Label: LabelLinkedNotebookDone, Fraction: 1})
			next()
			return
		}

		s.downloadLinkedNotebook(sc, next)
	})

	store := s.e.remote
	s.callRemote(workSyncState, sc.cred, func(ctx context.Context, auth remote.Auth) (func(), error) {
		st, err := store.GetLinkedNotebookSyncState(ctx, auth, ln)
		if err != nil {
			return nil, err
		}

		return func() {
			s.applySyncState(sc, cp, st)
		}, nil
	})
}

func (s *session) downloadLinkedNotebook(sc *scope, next func()) {
	store := s.e.remote
	pageSize := s.e.cfg.PageSize
	ln := sc.linkedNotebook

	fetch := func(ctx context.Context, auth remote.Auth, afterUSN int64) (models.SyncChunk, error) {
		return store.GetLinkedNotebookSyncChunk(ctx, auth, ln, afterUSN, pageSize, !sc.incremental)
	}

	s.downloadChunks(LabelLinkedChunks, fetch, func() {
		s.mergeScope(func() {
			s.expungeScope(func() {
				s.checkpoints.LinkedNotebooks[ln.GUID] = sc.checkpoint()
				if !sc.incremental {
					s.fullSyncDone.LinkedNotebooks[ln.GUID] = true
					if s.result.ResyncedLinkedNotebooks == nil {
						s.result.ResyncedLinkedNotebooks = map[string]bool{}
					}
					s.result.ResyncedLinkedNotebooks[ln.GUID] = true
				}

				log.WithFields(log.Fields{
					"linked_notebook_guid": ln.GUID,
					"update_count":         sc.maxUpdateCount,
				}).Info("linked notebook synchronized")
				s.emit(Event{Type: EventProgress, Label: LabelLinkedNotebookDone, Fraction: 1})

				next()
			})
		})
	})
}
