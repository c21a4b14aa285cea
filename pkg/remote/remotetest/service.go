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

// Package remotetest provides an in-memory remote service for tests
package remotetest

import (
	"context"
	"sync"
	"time"

	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Method names used to record calls and to inject failures
const (
	MethodCheckVersion                 = "CheckVersion"
	MethodGetUser                      = "GetUser"
	MethodGetAccountLimits             = "GetAccountLimits"
	MethodGetSyncState                 = "GetSyncState"
	MethodGetSyncChunk                 = "GetSyncChunk"
	MethodGetLinkedNotebookSyncState   = "GetLinkedNotebookSyncState"
	MethodGetLinkedNotebookSyncChunk   = "GetLinkedNotebookSyncChunk"
	MethodGetNote                      = "GetNote"
	MethodGetResource                  = "GetResource"
	MethodAuthenticateToSharedNotebook = "AuthenticateToSharedNotebook"
	MethodCreateTag                    = "CreateTag"
	MethodUpdateTag                    = "UpdateTag"
	MethodCreateSavedSearch            = "CreateSavedSearch"
	MethodUpdateSavedSearch            = "UpdateSavedSearch"
	MethodCreateNotebook               = "CreateNotebook"
	MethodUpdateNotebook               = "UpdateNotebook"
	MethodCreateNote                   = "CreateNote"
	MethodUpdateNote                   = "UpdateNote"
)

// ErrNotFound is returned for unknown guids
var ErrNotFound = errors.New("not found")

// Call is a recorded invocation of the service
type Call struct {
	Method       string
	Token        string
	AfterUSN     int64
	MaxEntries   int
	Filter       remote.ChunkFilter
	FullSyncOnly bool
	GUID         string
}

type failure struct {
	method string
	match  func(Call) bool
	err    error
}

type change struct {
	usn     int64
	kind    models.Kind
	guid    string
	expunge bool
	value   interface{}
}

// Changelog is the USN-numbered history of one account or linked notebook
type Changelog struct {
	svc *Service

	usn            int64
	fullSyncBefore int64
	changes        []change

	tags      map[string]models.Tag
	notebooks map[string]models.Notebook
	searches  map[string]models.SavedSearch
	notes     map[string]models.Note
	resources map[string]models.Resource
}

func newChangelog(s *Service) *Changelog {
	return &Changelog{
		svc:       s,
		tags:      map[string]models.Tag{},
		notebooks: map[string]models.Notebook{},
		searches:  map[string]models.SavedSearch{},
		notes:     map[string]models.Note{},
		resources: map[string]models.Resource{},
	}
}

// Service is an in-memory remote service. It implements remote.Store.
type Service struct {
	mu sync.Mutex

	clock   clock.Clock
	account *Changelog
	linked  map[string]*Changelog

	User              models.User
	Limits            models.AccountLimits
	Compatible        bool
	SharedAuthTTL     time.Duration
	SharedAuthPrefix  string
	RejectStaleUpdate bool

	calls    []Call
	failures []failure
}

var _ remote.Store = (*Service)(nil)

// NewService returns an empty service
func NewService(c clock.Clock) *Service {
	s := &Service{
		clock:             c,
		linked:            map[string]*Changelog{},
		User:              models.User{ID: 1, Username: "user", ServiceLevel: "basic", ShardID: "s1"},
		Compatible:        true,
		SharedAuthTTL:     24 * time.Hour,
		SharedAuthPrefix:  "shared-",
		RejectStaleUpdate: true,
	}
	s.account = newChangelog(s)

	return s
}

// Account returns the changelog of the own account
func (s *Service) Account() *Changelog {
	return s.account
}

// LinkedNotebook returns the changelog of the linked notebook, creating it if needed
func (s *Service) LinkedNotebook(guid string) *Changelog {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.linked[guid]
	if !ok {
		c = newChangelog(s)
		s.linked[guid] = c
	}

	return c
}

// FailOnce makes the next call of the method fail with the error
func (s *Service) FailOnce(method string, err error) {
	s.FailOnceWhen(method, nil, err)
}

// FailOnceWhen makes the next call of the method matching the predicate fail with the error
func (s *Service) FailOnceWhen(method string, match func(Call) bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = append(s.failures, failure{method: method, match: match, err: err})
}

// Calls returns the recorded calls
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]Call, len(s.calls))
	copy(ret, s.calls)

	return ret
}

// CallsTo returns the recorded calls of the given method
func (s *Service) CallsTo(method string) []Call {
	var ret []Call
	for _, c := range s.Calls() {
		if c.Method == method {
			ret = append(ret, c)
		}
	}

	return ret
}

// record stores the call and returns the injected failure, if any. Callers hold s.mu.
func (s *Service) record(c Call) error {
	s.calls = append(s.calls, c)

	for i, f := range s.failures {
		if f.method != c.Method {
			continue
		}
		if f.match != nil && !f.match(c) {
			continue
		}

		s.failures = append(s.failures[:i], s.failures[i+1:]...)
		return f.err
	}

	return nil
}

func newGUID() string {
	return uuid.New().String()
}

// next appends a change and returns its USN. Callers hold s.mu.
func (c *Changelog) next(kind models.Kind, guid string, expunge bool, value interface{}) int64 {
	c.usn++
	c.changes = append(c.changes, change{usn: c.usn, kind: kind, guid: guid, expunge: expunge, value: value})

	return c.usn
}

// PutTag adds or replaces a tag and returns it with its guid and USN
func (c *Changelog) PutTag(t models.Tag) models.Tag {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if t.GUID == "" {
		t.GUID = newGUID()
	}
	t.LocalID = ""
	t.Dirty = false
	t.USN = c.usn + 1
	c.tags[t.GUID] = t
	c.next(models.KindTag, t.GUID, false, t)

	return t
}

// PutNotebook adds or replaces a notebook
func (c *Changelog) PutNotebook(n models.Notebook) models.Notebook {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if n.GUID == "" {
		n.GUID = newGUID()
	}
	n.LocalID = ""
	n.Dirty = false
	n.USN = c.usn + 1
	c.notebooks[n.GUID] = n
	c.next(models.KindNotebook, n.GUID, false, n)

	return n
}

// PutSavedSearch adds or replaces a saved search
func (c *Changelog) PutSavedSearch(ss models.SavedSearch) models.SavedSearch {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if ss.GUID == "" {
		ss.GUID = newGUID()
	}
	ss.LocalID = ""
	ss.Dirty = false
	ss.USN = c.usn + 1
	c.searches[ss.GUID] = ss
	c.next(models.KindSavedSearch, ss.GUID, false, ss)

	return ss
}

// PutNote adds or replaces a note. Its resources are stored as well.
func (c *Changelog) PutNote(n models.Note) models.Note {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if n.GUID == "" {
		n.GUID = newGUID()
	}
	n.LocalID = ""
	n.Dirty = false
	n.USN = c.usn + 1
	n.Resources = append([]models.Resource(nil), n.Resources...)
	for i := range n.Resources {
		r := &n.Resources[i]
		if r.GUID == "" {
			r.GUID = newGUID()
		}
		r.NoteGUID = n.GUID
		r.USN = n.USN
		c.resources[r.GUID] = *r
	}
	c.notes[n.GUID] = n
	c.next(models.KindNote, n.GUID, false, n)

	return n
}

// PutResource adds or replaces a resource of an existing note
func (c *Changelog) PutResource(r models.Resource) models.Resource {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if r.GUID == "" {
		r.GUID = newGUID()
	}
	r.LocalID = ""
	r.Dirty = false
	r.USN = c.usn + 1
	c.resources[r.GUID] = r
	c.next(models.KindResource, r.GUID, false, r)

	return r
}

// PutLinkedNotebook adds or replaces a linked notebook in the own account
func (c *Changelog) PutLinkedNotebook(ln models.LinkedNotebook) models.LinkedNotebook {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	if ln.GUID == "" {
		ln.GUID = newGUID()
	}
	ln.LocalID = ""
	ln.Dirty = false
	ln.USN = c.usn + 1
	c.next(models.KindLinkedNotebook, ln.GUID, false, ln)

	return ln
}

// Expunge removes the entity and records the expunge in the changelog
func (c *Changelog) Expunge(kind models.Kind, guid string) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	switch kind {
	case models.KindTag:
		delete(c.tags, guid)
	case models.KindNotebook:
		delete(c.notebooks, guid)
	case models.KindSavedSearch:
		delete(c.searches, guid)
	case models.KindNote:
		delete(c.notes, guid)
	case models.KindResource:
		delete(c.resources, guid)
	}

	c.next(kind, guid, true, nil)
}

// SetFullSyncBefore makes clients whose last sync is older than ts resync everything
func (c *Changelog) SetFullSyncBefore(ts int64) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	c.fullSyncBefore = ts
}

// UpdateCount returns the USN of the latest change
func (c *Changelog) UpdateCount() int64 {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	return c.usn
}

// Note returns the current version of a note
func (c *Changelog) Note(guid string) (models.Note, bool) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	n, ok := c.notes[guid]
	return n, ok
}

// Tag returns the current version of a tag
func (c *Changelog) Tag(guid string) (models.Tag, bool) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	t, ok := c.tags[guid]
	return t, ok
}

func (s *Service) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

// state returns the sync state of the changelog. Callers hold s.mu.
func (c *Changelog) state() models.SyncState {
	return models.SyncState{
		UpdateCount:    c.usn,
		FullSyncBefore: c.fullSyncBefore,
		CurrentTime:    c.svc.nowMillis(),
	}
}

func stripNote(n models.Note) models.Note {
	n.Content = ""
	if len(n.Resources) > 0 {
		res := make([]models.Resource, len(n.Resources))
		for i, r := range n.Resources {
			r.Data = nil
			res[i] = r
		}
		n.Resources = res
	}

	return n
}

// chunk builds a page of the changelog. Callers hold s.mu.
func (c *Changelog) chunk(afterUSN int64, maxEntries int, f remote.ChunkFilter) models.SyncChunk {
	ret := models.SyncChunk{
		HighUSN:     c.usn,
		UpdateCount: c.usn,
		CurrentTime: c.svc.nowMillis(),
	}

	var page []change
	for _, ch := range c.changes {
		if ch.usn <= afterUSN {
			continue
		}
		if maxEntries > 0 && len(page) >= maxEntries {
			break
		}
		page = append(page, ch)
		ret.HighUSN = ch.usn
	}

	// a page carries only the latest state of each entity
	type entityKey struct {
		kind models.Kind
		guid string
	}
	latest := make(map[entityKey]int64, len(page))
	for _, ch := range page {
		latest[entityKey{ch.kind, ch.guid}] = ch.usn
	}

	for _, ch := range page {
		if latest[entityKey{ch.kind, ch.guid}] != ch.usn {
			continue
		}

		if ch.expunge {
			if !f.IncludeExpunged {
				continue
			}

			switch ch.kind {
			case models.KindTag:
				ret.ExpungedTags = append(ret.ExpungedTags, ch.guid)
			case models.KindNotebook:
				ret.ExpungedNotebooks = append(ret.ExpungedNotebooks, ch.guid)
			case models.KindSavedSearch:
				ret.ExpungedSearches = append(ret.ExpungedSearches, ch.guid)
			case models.KindNote:
				ret.ExpungedNotes = append(ret.ExpungedNotes, ch.guid)
			case models.KindLinkedNotebook:
				ret.ExpungedLinkedNotebooks = append(ret.ExpungedLinkedNotebooks, ch.guid)
			}
			continue
		}

		switch v := ch.value.(type) {
		case models.Tag:
			if f.IncludeTags {
				ret.Tags = append(ret.Tags, v)
			}
		case models.Notebook:
			if f.IncludeNotebooks {
				ret.Notebooks = append(ret.Notebooks, v)
			}
		case models.SavedSearch:
			if f.IncludeSearches {
				ret.SavedSearches = append(ret.SavedSearches, v)
			}
		case models.Note:
			if f.IncludeNotes {
				ret.Notes = append(ret.Notes, stripNote(v))
			}
		case models.Resource:
			if f.IncludeResources {
				v.Data = nil
				ret.Resources = append(ret.Resources, v)
			}
		case models.LinkedNotebook:
			if f.IncludeLinkedNotebooks {
				ret.LinkedNotebooks = append(ret.LinkedNotebooks, v)
			}
		}
	}

	return ret
}

// linkedFilter is the filter applied to linked notebook chunks
func linkedFilter(fullSyncOnly bool) remote.ChunkFilter {
	return remote.ChunkFilter{
		IncludeTags:      true,
		IncludeNotebooks: true,
		IncludeNotes:     true,
		IncludeResources: !fullSyncOnly,
		IncludeExpunged:  !fullSyncOnly,
	}
}

// CheckVersion implements remote.Store
func (s *Service) CheckVersion(ctx context.Context, clientName string, major, minor int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Method: MethodCheckVersion}); err != nil {
		return false, err
	}

	return s.Compatible, nil
}

// GetUser implements remote.Store
func (s *Service) GetUser(ctx context.Context, auth remote.Auth) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Method: MethodGetUser, Token: auth.Token}); err != nil {
		return models.User{}, err
	}

	return s.User, nil
}

// GetAccountLimits implements remote.Store
func (s *Service) GetAccountLimits(ctx context.Context, auth remote.Auth, serviceLevel string) (models.AccountLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Method: MethodGetAccountLimits, Token: auth.Token}); err != nil {
		return models.AccountLimits{}, err
	}

	return s.Limits, nil
}

// GetSyncState implements remote.Store
func (s *Service) GetSyncState(ctx context.Context, auth remote.Auth) (models.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Method: MethodGetSyncState, Token: auth.Token}); err != nil {
		return models.SyncState{}, err
	}

	return s.account.state(), nil
}

// GetSyncChunk implements remote.Store
func (s *Service) GetSyncChunk(ctx context.Context, auth remote.Auth, afterUSN int64, maxEntries int, filter remote.ChunkFilter) (models.SyncChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{Method: MethodGetSyncChunk, Token: auth.Token, AfterUSN: afterUSN, MaxEntries: maxEntries, Filter: filter}
	if err := s.record(call); err != nil {
		return models.SyncChunk{}, err
	}

	return s.account.chunk(afterUSN, maxEntries, filter), nil
}

// GetLinkedNotebookSyncState implements remote.Store
func (s *Service) GetLinkedNotebookSyncState(ctx context.Context, auth remote.Auth, ln models.LinkedNotebook) (models.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Method: MethodGetLinkedNotebookSyncState, Token: auth.Token, GUID: ln.GUID}); err != nil {
		return models.SyncState{}, err
	}

	c, ok := s.linked[ln.GUID]
	if !ok {
		return models.SyncState{}, errors.Wrapf(ErrNotFound, "linked notebook %s", ln.GUID)
	}

	return c.state(), nil
}

// GetLinkedNotebookSyncChunk implements remote.Store
func (s *Service) GetLinkedNotebookSyncChunk(ctx context.Context, auth remote.Auth, ln models.LinkedNotebook, afterUSN int64, maxEntries int, fullSyncOnly bool) (models.SyncChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{Method: MethodGetLinkedNotebookSyncChunk, Token: auth.Token, GUID: ln.GUID, AfterUSN: afterUSN, MaxEntries: maxEntries, FullSyncOnly: fullSyncOnly}
	if err := s.record(call); err != nil {
		return models.SyncChunk{}, err
	}

	c, ok := s.linked[ln.GUID]
	if !ok {
		return models.SyncChunk{}, errors.Wrapf(ErrNotFound, "linked notebook %s", ln.GUID)
	}

	return c.chunk(afterUSN, maxEntries, linkedFilter(fullSyncOnly)), nil
}

// findNote looks a note up in every changelog. Callers hold s.mu.
func (s *Service) findNote(guid string) (models.Note, bool) {
	if n, ok := s.account.notes[guid]; ok {
		return n, true
	}
	for _, c := range s.linked {
		if n, ok := c.notes[guid]; ok {
			return n, true
		}
	}

	return models.Note{}, false
}

// GetNote implements remote.Store
func (s *Service) GetNote(ctx context.Context, auth remote.Auth, guid string, opts remote.NoteOptions) (models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Method: MethodGetNote, Token: auth.Token, GUID: guid}); err != nil {
		return models.Note{}, err
	}

	n, ok := s.findNote(guid)
	if !ok {
		return models.Note{}, errors.Wrapf(ErrNotFound, "note %s", guid)
	}

	if !opts.WithResourcesData {
		content := n.Content
		n = stripNote(n)
		n.Content = content
	}
	if !opts.WithContent {
		n.Content = ""
	}

	return n, nil
}

// GetResource implements remote.Store
func (s *Service) GetResource(ctx context.Context, auth remote.Auth, guid string, opts remote.ResourceOptions) (models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Method: MethodGetResource, Token: auth.Token, GUID: guid}); err != nil {
		return models.Resource{}, err
	}

	if r, ok := s.account.resources[guid]; ok {
		if !opts.WithData {
			r.Data = nil
		}
		return r, nil
	}
	for _, c := range s.linked {
		if r, ok := c.resources[guid]; ok {
			if !opts.WithData {
				r.Data = nil
			}
			return r, nil
		}
	}

	return models.Resource{}, errors.Wrapf(ErrNotFound, "resource %s", guid)
}

// AuthenticateToSharedNotebook implements remote.Store
func (s *Service) AuthenticateToSharedNotebook(ctx context.Context, auth remote.Auth, shareKey string) (remote.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Method: MethodAuthenticateToSharedNotebook, Token: auth.Token, GUID: shareKey}); err != nil {
		return remote.AuthResult{}, err
	}

	return remote.AuthResult{
		Token:      s.SharedAuthPrefix + shareKey,
		ShardID:    s.User.ShardID,
		UserID:     s.User.ID,
		Expiration: s.clock.Now().Add(s.SharedAuthTTL).UnixMilli(),
	}, nil
}

// CreateTag implements remote.Store
func (s *Service) CreateTag(ctx context.Context, auth remote.Auth, tag models.Tag) (models.Tag, error) {
	s.mu.Lock()
	if err := s.record(Call{Method: MethodCreateTag, Token: auth.Token}); err != nil {
		s.mu.Unlock()
		return models.Tag{}, err
	}
	s.mu.Unlock()

	tag.GUID = ""
	return s.account.PutTag(tag), nil
}

// UpdateTag implements remote.Store
func (s *Service) UpdateTag(ctx context.Context, auth remote.Auth, tag models.Tag) (int64, error) {
	s.mu.Lock()
	if err := s.record(Call{Method: MethodUpdateTag, Token: auth.Token, GUID: tag.GUID}); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	cur, ok := s.account.tags[tag.GUID]
	s.mu.Unlock()

	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "tag %s", tag.GUID)
	}
	if s.RejectStaleUpdate && tag.USN < cur.USN {
		return 0, remote.ErrConflict
	}

	return s.account.PutTag(tag).USN, nil
}

// CreateSavedSearch implements remote.Store
func (s *Service) CreateSavedSearch(ctx context.Context, auth remote.Auth, search models.SavedSearch) (models.SavedSearch, error) {
	s.mu.Lock()
	if err := s.record(Call{Method: MethodCreateSavedSearch, Token: auth.Token}); err != nil {
		s.mu.Unlock()
		return models.SavedSearch{}, err
	}
	s.mu.Unlock()

	search.GUID = ""
	return s.account.PutSavedSearch(search), nil
}

// UpdateSavedSearch implements remote.Store
func (s *Service) UpdateSavedSearch(ctx context.Context, auth remote.Auth, search models.SavedSearch) (int64, error) {
	s.mu.Lock()
	if err := s.record(Call{Method: MethodUpdateSavedSearch, Token: auth.Token, GUID: search.GUID}); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	cur, ok := s.account.searches[search.GUID]
	s.mu.Unlock()

	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "saved search %s", search.GUID)
	}
	if s.RejectStaleUpdate && search.USN < cur.USN {
		return 0, remote.ErrConflict
	}

	return s.account.PutSavedSearch(search).USN, nil
}

// CreateNotebook implements remote.Store
func (s *Service) CreateNotebook(ctx context.Context, auth remote.Auth, notebook models.Notebook) (models.Notebook, error) {
	s.mu.Lock()
	if err := s.record(Call{Method: MethodCreateNotebook, Token: auth.Token}); err != nil {
		s.mu.Unlock()
		return models.Notebook{}, err
	}
	s.mu.Unlock()

	notebook.GUID = ""
	return s.account.PutNotebook(notebook), nil
}

// UpdateNotebook implements remote.Store
func (s *Service) UpdateNotebook(ctx context.Context, auth remote.Auth, notebook models.Notebook) (int64, error) {
	s.mu.Lock()
	if err := s.record(Call{Method: MethodUpdateNotebook, Token: auth.Token, GUID: notebook.GUID}); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	cur, ok := s.account.notebooks[notebook.GUID]
	s.mu.Unlock()

	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "notebook %s", notebook.GUID)
	}
	if s.RejectStaleUpdate && notebook.USN < cur.USN {
		return 0, remote.ErrConflict
	}

	return s.account.PutNotebook(notebook).USN, nil
}

// CreateNote implements remote.Store
func (s *Service) CreateNote(ctx context.Context, auth remote.Auth, note models.Note) (models.Note, error) {
	s.mu.Lock()
	if err := s.record(Call{Method: MethodCreateNote, Token: auth.Token}); err != nil {
		s.mu.Unlock()
		return models.Note{}, err
	}
	s.mu.Unlock()

	note.GUID = ""
	return s.account.PutNote(note), nil
}

// UpdateNote implements remote.Store
func (s *Service) UpdateNote(ctx context.Context, auth remote.Auth, note models.Note) (int64, error) {
	s.mu.Lock()
	if err := s.record(Call{Method: MethodUpdateNote, Token: auth.Token, GUID: note.GUID}); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	cur, ok := s.account.notes[note.GUID]
	s.mu.Unlock()

	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "note %s", note.GUID)
	}
	if s.RejectStaleUpdate && note.USN < cur.USN {
		return 0, remote.ErrConflict
	}

	return s.account.PutNote(note).USN, nil
}
