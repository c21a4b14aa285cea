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

// Package sender uploads the entities modified locally to the remote service
package sender

import (
	"context"
	"math"
	gosync "sync"

	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/dnote/notesync/pkg/sync"
	"github.com/pkg/errors"
)

// LabelSend is the progress label of the upload
const LabelSend = "sending local changes"

// ErrAlreadyRunning is returned when a send starts while another one is active
var ErrAlreadyRunning = errors.New("sending already running")

// Repository stores the dirty entities of one kind
type Repository[T any] interface {
	ListDirty(ctx context.Context) ([]T, error)
	Update(ctx context.Context, e *T) error
}

// Storage is the local database as seen by the sender
type Storage struct {
	SavedSearches Repository[models.SavedSearch]
	Tags          Repository[models.Tag]
	Notebooks     Repository[models.Notebook]
	Notes         Repository[models.Note]
}

// NewStorage returns the storage backed by the database
func NewStorage(db *database.DB) Storage {
	return Storage{
		SavedSearches: db.SavedSearches(),
		Tags:          db.Tags(),
		Notebooks:     db.Notebooks(),
		Notes:         db.Notes(),
	}
}

// Request is the input of a send
type Request struct {
	Auth remote.Auth
	// UpdateCount is the account update count the local database is known to match
	UpdateCount int64
	Listener    sync.Listener
}

// Result is the outcome of a send
type Result struct {
	// UpdateCount is the account update count after the uploads that
	// followed the baseline without a gap
	UpdateCount int64
	// Behind is set when the remote service received changes from elsewhere
	// while sending
	Behind bool
	// Conflict is set when an upload was rejected for colliding with a
	// remote change. The entity stays dirty.
	Conflict bool
	Sent     int
}

// Sender uploads dirty own-account entities
type Sender struct {
	remote  remote.Store
	storage Storage
	clock   clock.Clock

	mu      gosync.Mutex
	active  bool
	paused  bool
	stopped bool
	wake    chan struct{}
}

// New returns a new sender
func New(r remote.Store, storage Storage, c clock.Clock) *Sender {
	return &Sender{
		remote:  r,
		storage: storage,
		clock:   c,
		wake:    make(chan struct{}),
	}
}

// Active tells whether a send is running
func (s *Sender) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// Pause holds the send before the next upload
func (s *Sender) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
}

// Resume continues a paused send
func (s *Sender) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = false
	s.notify()
}

// Stop ends the send before the next upload. Send then returns sync.ErrStopped.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}

	s.stopped = true
	s.notify()
}

// notify wakes up a paused send. Callers hold s.mu.
func (s *Sender) notify() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// gate blocks while the send is paused
func (s *Sender) gate(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return sync.ErrStopped
		}
		if !s.paused {
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run is the state of one send
type run struct {
	s   *Sender
	req Request

	total  int
	result Result
}

func (r *run) emit(e sync.Event) {
	if r.req.Listener != nil {
		r.req.Listener(e)
	}
}

// track records the update count returned for an upload. An update count
// following the baseline advances it; any other means the remote service
// holds changes not yet downloaded.
func (r *run) track(usn int64) {
	r.result.Sent++

	if usn == r.result.UpdateCount+1 {
		r.result.UpdateCount = usn
	} else {
		r.result.Behind = true
	}

	log.WithFields(log.Fields{
		"usn":          usn,
		"update_count": r.result.UpdateCount,
		"behind":       r.result.Behind,
	}).Debug("sent entity")

	if r.total > 0 {
		r.emit(sync.Event{Type: sync.EventProgress, Label: LabelSend, Fraction: float64(r.result.Sent) / float64(r.total)})
	}
}

// call runs an upload, waiting out rate limits
func (r *run) call(ctx context.Context, f func() error) error {
	for {
		err := f()

		d, ok := remote.RetryAfter(err)
		if !ok {
			return err
		}
		if d <= 0 {
			return errors.Wrapf(err, "invalid rate limit duration %s", d)
		}

		r.emit(sync.Event{Type: sync.EventRateLimitExceeded, Seconds: int(math.Ceil(d.Seconds()))})

		fired := make(chan struct{})
		t := r.s.clock.AfterFunc(d, func() { close(fired) })

		select {
		case <-fired:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// Send uploads every dirty own-account entity: saved searches, tags,
// notebooks, then notes. Entities rejected with a conflict stay dirty.
func (s *Sender) Send(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	s.active = true
	s.stopped = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.paused = false
		s.mu.Unlock()
	}()

	r := &run{s: s, req: req, result: Result{UpdateCount: req.UpdateCount}}

	searches, err := ownDirty(ctx, s.storage.SavedSearches, func(e *models.SavedSearch) *models.SyncMeta { return &e.SyncMeta })
	if err != nil {
		return r.result, errors.Wrap(err, "listing dirty saved searches")
	}
	tags, err := ownDirty(ctx, s.storage.Tags, func(e *models.Tag) *models.SyncMeta { return &e.SyncMeta })
	if err != nil {
		return r.result, errors.Wrap(err, "listing dirty tags")
	}
	notebooks, err := ownDirty(ctx, s.storage.Notebooks, func(e *models.Notebook) *models.SyncMeta { return &e.SyncMeta })
	if err != nil {
		return r.result, errors.Wrap(err, "listing dirty notebooks")
	}
	notes, err := ownDirty(ctx, s.storage.Notes, func(e *models.Note) *models.SyncMeta { return &e.SyncMeta })
	if err != nil {
		return r.result, errors.Wrap(err, "listing dirty notes")
	}

	r.total = len(searches) + len(tags) + len(notebooks) + len(notes)
	log.WithFields(log.Fields{"count": r.total}).Info("sending local changes")

	store := s.remote
	auth := req.Auth

	if err := sendAll(ctx, r, models.KindSavedSearch, s.storage.SavedSearches, searches, uploader[models.SavedSearch]{
		meta:   func(e *models.SavedSearch) *models.SyncMeta { return &e.SyncMeta },
		create: func(e models.SavedSearch) (models.SavedSearch, error) { return store.CreateSavedSearch(ctx, auth, e) },
		update: func(e models.SavedSearch) (int64, error) { return store.UpdateSavedSearch(ctx, auth, e) },
	}); err != nil {
		return r.result, errors.Wrap(err, "sending saved searches")
	}

	if err := sendAll(ctx, r, models.KindTag, s.storage.Tags, tags, uploader[models.Tag]{
		meta:   func(e *models.Tag) *models.SyncMeta { return &e.SyncMeta },
		create: func(e models.Tag) (models.Tag, error) { return store.CreateTag(ctx, auth, e) },
		update: func(e models.Tag) (int64, error) { return store.UpdateTag(ctx, auth, e) },
	}); err != nil {
		return r.result, errors.Wrap(err, "sending tags")
	}

	if err := sendAll(ctx, r, models.KindNotebook, s.storage.Notebooks, notebooks, uploader[models.Notebook]{
		meta:   func(e *models.Notebook) *models.SyncMeta { return &e.SyncMeta },
		create: func(e models.Notebook) (models.Notebook, error) { return store.CreateNotebook(ctx, auth, e) },
		update: func(e models.Notebook) (int64, error) { return store.UpdateNotebook(ctx, auth, e) },
	}); err != nil {
		return r.result, errors.Wrap(err, "sending notebooks")
	}

	if err := sendAll(ctx, r, models.KindNote, s.storage.Notes, notes, uploader[models.Note]{
		meta:   func(e *models.Note) *models.SyncMeta { return &e.SyncMeta },
		create: func(e models.Note) (models.Note, error) { return store.CreateNote(ctx, auth, e) },
		update: func(e models.Note) (int64, error) { return store.UpdateNote(ctx, auth, e) },
	}); err != nil {
		return r.result, errors.Wrap(err, "sending notes")
	}

	return r.result, nil
}

// ownDirty lists the dirty entities that do not belong to a linked notebook
func ownDirty[T any](ctx context.Context, repo Repository[T], meta func(*T) *models.SyncMeta) ([]T, error) {
	items, err := repo.ListDirty(ctx)
	if err != nil {
		return nil, err
	}

	ret := items[:0]
	for _, item := range items {
		if meta(&item).LinkedNotebookGUID == "" {
			ret = append(ret, item)
		}
	}

	return ret, nil
}

type uploader[T any] struct {
	meta   func(*T) *models.SyncMeta
	create func(T) (T, error)
	update func(T) (int64, error)
}

func sendAll[T any](ctx context.Context, r *run, kind models.Kind, repo Repository[T], items []T, u uploader[T]) error {
	for _, item := range items {
		if err := r.s.gate(ctx); err != nil {
			return err
		}

		if err := sendOne(ctx, r, kind, repo, item, u); err != nil {
			return err
		}
	}

	return nil
}

func sendOne[T any](ctx context.Context, r *run, kind models.Kind, repo Repository[T], item T, u uploader[T]) error {
	m := u.meta(&item)
	localID := m.LocalID

	var usn int64
	err := r.call(ctx, func() error {
		if m.GUID == "" {
			created, err := u.create(item)
			if err != nil {
				return err
			}

			cm := u.meta(&created)
			m.GUID = cm.GUID
			usn = cm.USN
			return nil
		}

		var err error
		usn, err = u.update(item)
		return err
	})

	if errors.Is(err, remote.ErrConflict) {
		log.WithFields(log.Fields{
			"kind":     kind.String(),
			"guid":     m.GUID,
			"local_id": localID,
		}).Info("upload conflicts with a remote change")
		r.result.Conflict = true
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "uploading %s %s", kind, localID)
	}

	m.LocalID = localID
	m.USN = usn
	m.Dirty = false
	if err := repo.Update(ctx, &item); err != nil {
		return errors.Wrapf(err, "marking %s %s as sent", kind, localID)
	}

	r.track(usn)

	return nil
}
