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
	"fmt"

	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/pkg/errors"
)

// policy describes how the entities of one kind are merged
type policy[T any] struct {
	kind models.Kind
	repo Repository[T]
	// named is set for kinds whose names are unique
	named NamedRepository[T]
	meta  func(*T) *models.SyncMeta

	name    func(*T) string
	setName func(*T, string)

	// fetch returns the complete remote entity. Nil when the chunk carries it whole.
	fetch func(ctx context.Context, auth remote.Auth, e T) (T, error)
	// keepConflictCopy keeps a dirty local entity as a renamed copy when a
	// remote update collides with it. Otherwise the remote version wins.
	keepConflictCopy bool
	// detach clears the data a conflicted copy must not share with the original
	detach func(*T)
	// report describes the differences between the local and remote versions
	report func(local, remote *T) string
	// written is called once the remote version is stored
	written func(e *T)
}

// mergeAll merges every pending entity of a kind
func mergeAll[T any](s *session, p *policy[T], items []T) {
	for _, item := range items {
		mergeOne(s, p, item)
	}
}

// mergeOne looks the remote entity up by guid, then by name, and decides
// whether to add it, overwrite the local copy or keep a conflicted copy
func mergeOne[T any](s *session, p *policy[T], r T) {
	s.stamp(p.meta(&r))
	guid := p.meta(&r).GUID

	s.local(workFind, func(ctx context.Context) (func(), error) {
		l, err := p.repo.FindByGUID(ctx, guid)
		if errors.Is(err, database.ErrNotFound) {
			return func() { findByName(s, p, r) }, nil
		} else if err != nil {
			return nil, err
		}

		return func() { resolveByGUID(s, p, l, r) }, nil
	})
}

func findByName[T any](s *session, p *policy[T], r T) {
	if p.named == nil {
		addRemote(s, p, r)
		return
	}

	name := p.name(&r)
	lnGUID := s.scope.linkedNotebookGUID

	s.local(workFindByName, func(ctx context.Context) (func(), error) {
		l, err := p.named.FindByName(ctx, name, lnGUID)
		if errors.Is(err, database.ErrNotFound) {
			return func() { addRemote(s, p, r) }, nil
		} else if err != nil {
			return nil, err
		}

		return func() { resolveByName(s, p, l, r) }, nil
	})
}

func resolveByGUID[T any](s *session, p *policy[T], l *T, r T) {
	lm, rm := p.meta(l), p.meta(&r)

	switch {
	case rm.USN <= lm.USN:
		log.WithFields(log.Fields{
			"kind":       p.kind.String(),
			"guid":       rm.GUID,
			"local_usn":  lm.USN,
			"remote_usn": rm.USN,
		}).Debug("local copy is current")
	case !lm.Dirty || !p.keepConflictCopy:
		overwrite(s, p, l, r)
	default:
		keepConflictCopy(s, p, l, r)
	}
}

// resolveByName handles a local entity holding the name of a remote entity
// it does not share a guid with
func resolveByName[T any](s *session, p *policy[T], l *T, r T) {
	lm, rm := p.meta(l), p.meta(&r)

	switch {
	case rm.USN <= lm.USN:
		log.WithFields(log.Fields{
			"kind": p.kind.String(),
			"name": p.name(&r),
		}).Debug("local entity with the same name is current")
	case !lm.Dirty:
		overwrite(s, p, l, r)
	default:
		renameThenAdd(s, p, l, r)
	}
}

// withFull calls f with the complete remote entity
func withFull[T any](s *session, p *policy[T], r T, f func(full T)) {
	if p.fetch == nil {
		f(r)
		return
	}

	sc := s.scope
	s.callRemote(workFetch, sc.cred, func(ctx context.Context, auth remote.Auth) (func(), error) {
		full, err := p.fetch(ctx, auth, r)
		if err != nil {
			return nil, err
		}

		return func() {
			s.stamp(p.meta(&full))
			f(full)
		}, nil
	})
}

func addRemote[T any](s *session, p *policy[T], r T) {
	withFull(s, p, r, func(full T) {
		m := p.meta(&full)
		m.LocalID = ""
		m.Dirty = false

		s.local(workAdd, func(ctx context.Context) (func(), error) {
			if err := p.repo.Add(ctx, &full); err != nil {
				return nil, err
			}

			return func() { written(p, &full) }, nil
		})
	})
}

// overwrite replaces the local entity with the remote version
func overwrite[T any](s *session, p *policy[T], l *T, r T) {
	localID := p.meta(l).LocalID

	withFull(s, p, r, func(full T) {
		m := p.meta(&full)
		m.LocalID = localID
		m.Dirty = false

		s.local(workUpdate, func(ctx context.Context) (func(), error) {
			if err := p.repo.Update(ctx, &full); err != nil {
				return nil, err
			}

			return func() { written(p, &full) }, nil
		})
	})
}

// keepConflictCopy adds the dirty local entity as a new renamed entity and
// overwrites the original with the remote version
func keepConflictCopy[T any](s *session, p *policy[T], l *T, r T) {
	withFull(s, p, r, func(full T) {
		cp := *l
		cm := p.meta(&cp)
		cm.LocalID = ""
		cm.GUID = ""
		cm.USN = 0
		cm.Dirty = true
		p.setName(&cp, models.ConflictName(p.kind, p.name(l), s.e.clock.Now()))
		if p.detach != nil {
			p.detach(&cp)
		}

		var report string
		if p.report != nil {
			report = p.report(l, &full)
		}

		m := p.meta(&full)
		m.LocalID = p.meta(l).LocalID
		m.Dirty = false

		log.WithFields(log.Fields{
			"kind": p.kind.String(),
			"guid": m.GUID,
		}).Info("conflict, keeping the local version as a copy")

		s.local(workAdd, func(ctx context.Context) (func(), error) {
			if err := p.repo.Add(ctx, &cp); err != nil {
				return nil, err
			}

			return func() {
				s.local(workUpdate, func(ctx context.Context) (func(), error) {
					if err := p.repo.Update(ctx, &full); err != nil {
						return nil, err
					}

					return func() {
						written(p, &full)
						s.recordConflict(p.kind, m.GUID, m.LocalID, cm.LocalID, report)
					}, nil
				})
			}, nil
		})
	})
}

// renameThenAdd renames a dirty local entity that holds the name of a remote
// entity, then adds the remote entity. The new name is checked once for a
// further clash before it is used.
func renameThenAdd[T any](s *session, p *policy[T], l *T, r T) {
	lm := p.meta(l)
	newName := models.ConflictName(p.kind, p.name(l), s.e.clock.Now())

	if s.refindTried[lm.LocalID] {
		rename(s, p, l, r, newName)
		return
	}
	s.refindTried[lm.LocalID] = true

	lnGUID := s.scope.linkedNotebookGUID
	s.local(workFindByName, func(ctx context.Context) (func(), error) {
		other, err := p.named.FindByName(ctx, newName, lnGUID)
		if errors.Is(err, database.ErrNotFound) {
			return func() { rename(s, p, l, r, newName) }, nil
		} else if err != nil {
			return nil, err
		}

		name := newName
		if p.meta(other).LocalID != lm.LocalID {
			name = fmt.Sprintf("%s 2", newName)
		}

		return func() { rename(s, p, l, r, name) }, nil
	})
}

func rename[T any](s *session, p *policy[T], l *T, r T, name string) {
	renamed := *l
	m := p.meta(&renamed)
	m.GUID = ""
	m.USN = 0
	m.Dirty = true
	p.setName(&renamed, name)

	log.WithFields(log.Fields{
		"kind": p.kind.String(),
		"name": name,
	}).Info("renaming local entity holding the name of a remote one")

	s.local(workUpdate, func(ctx context.Context) (func(), error) {
		if err := p.repo.Update(ctx, &renamed); err != nil {
			return nil, err
		}

		return func() {
			s.recordConflict(p.kind, p.meta(&r).GUID, "", m.LocalID, "")
			addRemote(s, p, r)
		}, nil
	})
}

func (s *session) recordConflict(kind models.Kind, guid, localID, conflictLocalID, report string) {
	s.result.Conflicts++

	c := models.Conflict{
		Kind:            kind,
		GUID:            guid,
		LocalID:         localID,
		ConflictLocalID: conflictLocalID,
		Report:          report,
		CreatedAt:       s.e.clock.Now(),
	}

	local := s.e.storage.Local
	s.local(workConflict, func(ctx context.Context) (func(), error) {
		return nil, local.AddConflict(ctx, c)
	})
}

// stamp marks an entity of a linked notebook with the linked notebook's guid
func (s *session) stamp(m *models.SyncMeta) {
	m.LinkedNotebookGUID = s.scope.linkedNotebookGUID
}

func written[T any](p *policy[T], e *T) {
	if p.written != nil {
		p.written(e)
	}
}
