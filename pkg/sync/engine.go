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

// Package sync downloads the changelog of the remote service and merges it
// into the local database.
//
// A pass runs on a single loop goroutine. Every local storage and remote
// request runs in its own goroutine and hands a continuation back to the
// loop. A phase advances once every request it issued has drained.
package sync

import (
	"context"
	gosync "sync"

	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/media"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/dnote/notesync/pkg/settings"
	"github.com/pkg/errors"
)

const (
	// DefaultClientName identifies the client in the protocol check
	DefaultClientName = "notesync"
	// ProtocolMajor is the major version of the synchronization protocol
	ProtocolMajor = 1
	// ProtocolMinor is the minor version of the synchronization protocol
	ProtocolMinor = 25
	// DefaultPageSize is the number of changelog entries requested per chunk
	DefaultPageSize = 50
)

// Phase is a step of a pass
type Phase string

const (
	PhaseAuthenticate    Phase = "authenticate"
	PhaseProtocolCheck   Phase = "protocol check"
	PhaseUserSync        Phase = "user sync"
	PhaseSyncMode        Phase = "sync mode"
	PhaseCheckUpdates    Phase = "check remote updates"
	PhaseDownload        Phase = "download sync chunks"
	PhaseMerge           Phase = "merge"
	PhaseExpunge         Phase = "expunge"
	PhaseLinkedNotebooks Phase = "linked notebooks"
	PhaseFinalize        Phase = "finalize"
)

// Credentials provides the tokens of every scope
type Credentials interface {
	AccountAuth(ctx context.Context) (credentials.Auth, error)
	LinkedNotebookAuth(ctx context.Context, refs []credentials.LinkedNotebookRef) (map[string]credentials.Auth, error)
	Invalidate(scope credentials.Scope) error
}

// Downloader fetches the images of notes
type Downloader interface {
	InkImage(ctx context.Context, r media.Request) (string, error)
	Thumbnail(ctx context.Context, r media.Request) (string, error)
}

// LimitsCache caches the account limits
type LimitsCache interface {
	LoadAccountLimits() (models.AccountLimits, bool, error)
	SaveAccountLimits(l models.AccountLimits) error
}

// Config configures the engine
type Config struct {
	ClientName         string
	PageSize           int
	DownloadInkImages  bool
	DownloadThumbnails bool
}

// Request is the input of a pass
type Request struct {
	Checkpoints  models.Checkpoints
	FullSyncDone settings.FullSyncDone
	// ForceFullSync downloads every changelog from the start
	ForceFullSync bool
	Limits        LimitsCache
	Listener      Listener
}

// Result is the outcome of a completed pass
type Result struct {
	// Checkpoints holds the new checkpoint of every scope
	Checkpoints models.Checkpoints
	// Checkpoint is the highest checkpoint across scopes
	Checkpoint models.Checkpoint
	// FullSync is set when the own account was synchronized from the start
	FullSync bool
	// ResyncedLinkedNotebooks holds the guids of the linked notebooks
	// synchronized from the start
	ResyncedLinkedNotebooks map[string]bool
	FullSyncDone            settings.FullSyncDone
	User         models.User
	// LinkedNotebookGUIDs maps the guid of every tag and notebook written
	// for a linked notebook to the linked notebook's guid
	LinkedNotebookGUIDs map[string]string
	Conflicts           int
}

// Engine synchronizes the local database with the remote service
type Engine struct {
	remote     remote.Store
	creds      Credentials
	storage    Storage
	downloader Downloader
	clock      clock.Clock
	cfg        Config

	mu      gosync.Mutex
	current *session
}

// NewEngine returns a new engine. The downloader may be nil when no media
// is downloaded.
func NewEngine(r remote.Store, creds Credentials, storage Storage, downloader Downloader, c clock.Clock, cfg Config) *Engine {
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	return &Engine{
		remote:     r,
		creds:      creds,
		storage:    storage,
		downloader: downloader,
		clock:      c,
		cfg:        cfg,
	}
}

func (e *Engine) session() *session {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.current
}

// Active tells whether a pass is running
func (e *Engine) Active() bool {
	return e.session() != nil
}

// Pause holds the pass after the requests in flight complete
func (e *Engine) Pause() {
	if s := e.session(); s != nil {
		s.post(s.pause)
	}
}

// Resume continues a paused pass
func (e *Engine) Resume() {
	if s := e.session(); s != nil {
		s.post(s.unpause)
	}
}

// Stop ends the pass once the requests in flight complete. Run then returns ErrStopped.
func (e *Engine) Stop() {
	if s := e.session(); s != nil {
		s.post(s.stop)
	}
}

// scope is the changelog being synchronized: the own account or a linked notebook
type scope struct {
	cred               credentials.Scope
	linkedNotebookGUID string
	linkedNotebook     models.LinkedNotebook

	incremental bool
	afterUSN    int64
	upToDate    bool

	chunks  []models.SyncChunk
	pending *pendingSets

	maxUpdateCount int64
	maxSyncTime    int64

	mergeTotal   int
	mergeDone    int
	expungeTotal int
	expungeDone  int
}

func (sc *scope) checkpoint() models.Checkpoint {
	return models.Checkpoint{UpdateCount: sc.maxUpdateCount, SyncTime: sc.maxSyncTime}
}

type session struct {
	e   *Engine
	req Request

	ctx      context.Context
	cancel   context.CancelFunc
	localCtx context.Context

	mailbox chan func()
	done    chan struct{}

	nextID      uint64
	ops         map[uint64]*pendingOp
	outstanding map[work]int
	next        func()
	deferred    []func()

	paused   bool
	halted   bool
	finished bool
	err      error
	phase    Phase

	auths        map[credentials.Scope]credentials.Auth
	refs         map[credentials.Scope]credentials.LinkedNotebookRef
	refreshing   map[credentials.Scope]bool
	awaitingAuth map[credentials.Scope][]remoteCall

	user          models.User
	checkpoints   models.Checkpoints
	fullSyncDone  settings.FullSyncDone
	scope         *scope
	guidMapping   map[string]string
	refindTried   map[string]bool
	linked        []models.LinkedNotebook
	linkedFetched bool
	linkedStale   bool

	result Result
}

func newSession(e *Engine, parent context.Context, req Request) *session {
	ctx, cancel := context.WithCancel(parent)

	if req.Checkpoints.LinkedNotebooks == nil {
		req.Checkpoints.LinkedNotebooks = map[string]models.Checkpoint{}
	}

	fsd := settings.FullSyncDone{
		Account:         req.FullSyncDone.Account,
		LinkedNotebooks: map[string]bool{},
	}
	for guid, done := range req.FullSyncDone.LinkedNotebooks {
		fsd.LinkedNotebooks[guid] = done
	}

	return &session{
		e:            e,
		req:          req,
		ctx:          ctx,
		cancel:       cancel,
		localCtx:     context.WithoutCancel(parent),
		mailbox:      make(chan func(), 64),
		done:         make(chan struct{}),
		ops:          map[uint64]*pendingOp{},
		outstanding:  map[work]int{},
		auths:        map[credentials.Scope]credentials.Auth{},
		refs:         map[credentials.Scope]credentials.LinkedNotebookRef{},
		refreshing:   map[credentials.Scope]bool{},
		awaitingAuth: map[credentials.Scope][]remoteCall{},
		checkpoints:  req.Checkpoints.Clone(),
		fullSyncDone: fsd,
		guidMapping:  map[string]string{},
		refindTried:  map[string]bool{},
	}
}

// Run performs a pass and returns the new checkpoints. On failure no
// checkpoint is returned so that the same range is downloaded again.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	s := newSession(e, ctx, req)

	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	e.current = s
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
	}()

	changes, unsubscribe := e.storage.Local.Subscribe()
	defer unsubscribe()

	s.then(s.authenticate)
	s.loop(ctx, changes)

	close(s.done)
	s.cancel()

	if s.err != nil {
		if errors.Is(s.err, ErrStopped) {
			s.emit(Event{Type: EventStopped})
		} else {
			s.emit(Event{Type: EventFailure, Err: s.err})
		}

		return Result{}, s.err
	}

	return s.result, nil
}

func (s *session) setPhase(p Phase) {
	s.phase = p
	log.WithFields(log.Fields{"phase": string(p)}).Debug("entering phase")
}

func (s *session) authenticate() {
	s.setPhase(PhaseAuthenticate)
	s.then(s.checkProtocol)

	ctx := s.ctx
	creds := s.e.creds
	s.spawn(workAuthenticate, func() func() {
		a, err := creds.AccountAuth(ctx)
		return func() {
			if err != nil {
				s.fail(errors.Wrap(err, "getting the account credential"))
				return
			}
			s.auths[credentials.AccountScope] = a
		}
	})
}

func (s *session) checkProtocol() {
	s.setPhase(PhaseProtocolCheck)
	s.then(s.syncUser)

	store := s.e.remote
	cfg := s.e.cfg
	s.callRemote(workProtocolCheck, credentials.AccountScope, func(ctx context.Context, auth remote.Auth) (func(), error) {
		ok, err := store.CheckVersion(ctx, cfg.ClientName, ProtocolMajor, ProtocolMinor)
		if err != nil {
			return nil, err
		}

		return func() {
			if !ok {
				s.fail(ErrIncompatibleProtocol)
			}
		}, nil
	})
}

func (s *session) syncUser() {
	s.setPhase(PhaseUserSync)
	s.then(s.determineSyncMode)

	store := s.e.remote
	s.callRemote(workUser, credentials.AccountScope, func(ctx context.Context, auth remote.Auth) (func(), error) {
		u, err := store.GetUser(ctx, auth)
		if err != nil {
			return nil, err
		}

		return func() {
			s.user = u
			s.result.User = u
			s.saveUser(u)
			s.syncAccountLimits(u)
		}, nil
	})
}

func (s *session) saveUser(u models.User) {
	local := s.e.storage.Local

	s.local(workUser, func(ctx context.Context) (func(), error) {
		_, err := local.FindUser(ctx, u.ID)
		if errors.Is(err, database.ErrNotFound) {
			return nil, local.AddUser(ctx, u)
		} else if err != nil {
			return nil, err
		}

		return nil, local.UpdateUser(ctx, u)
	})
}

func (s *session) syncAccountLimits(u models.User) {
	cache := s.req.Limits
	if cache == nil {
		return
	}

	s.local(workAccountLimits, func(ctx context.Context) (func(), error) {
		_, fresh, err := cache.LoadAccountLimits()
		if err != nil {
			return nil, err
		}
		if fresh {
			return nil, nil
		}

		return func() {
			store := s.e.remote
			s.callRemote(workAccountLimits, credentials.AccountScope, func(ctx context.Context, auth remote.Auth) (func(), error) {
				l, err := store.GetAccountLimits(ctx, auth, u.ServiceLevel)
				if err != nil {
					return nil, err
				}

				return func() {
					s.local(workAccountLimits, func(ctx context.Context) (func(), error) {
						return nil, cache.SaveAccountLimits(l)
					})
				}, nil
			})
		}, nil
	})
}

func (s *session) determineSyncMode() {
	s.setPhase(PhaseSyncMode)

	cp := s.req.Checkpoints.Account
	sc := &scope{cred: credentials.AccountScope}
	s.scope = sc

	if s.req.ForceFullSync || cp.IsZero() || !s.fullSyncDone.Account {
		log.WithFields(log.Fields{"forced": s.req.ForceFullSync}).Info("full synchronization")
		s.downloadOwnAccount()
		return
	}

	sc.incremental = true
	sc.afterUSN = cp.UpdateCount
	s.checkRemoteHasUpdates()
}

func (s *session) checkRemoteHasUpdates() {
	s.setPhase(PhaseCheckUpdates)

	sc := s.scope
	cp := s.req.Checkpoints.Account
	store := s.e.remote

	s.then(func() {
		if sc.upToDate {
			log.Info("own account is up to date")
			s.checkpoints.Account = sc.checkpoint()
			s.syncLinkedNotebooks()
			return
		}

		s.downloadOwnAccount()
	})

	s.callRemote(workSyncState, credentials.AccountScope, func(ctx context.Context, auth remote.Auth) (func(), error) {
		st, err := store.GetSyncState(ctx, auth)
		if err != nil {
			return nil, err
		}

		return func() {
			s.applySyncState(sc, cp, st)
		}, nil
	})
}

// applySyncState decides how to synchronize a scope given its remote state
func (s *session) applySyncState(sc *scope, cp models.Checkpoint, st models.SyncState) {
	switch {
	case st.FullSyncBefore > cp.SyncTime:
		log.WithFields(log.Fields{
			"scope":            sc.cred.String(),
			"full_sync_before": st.FullSyncBefore,
			"last_sync_time":   cp.SyncTime,
		}).Info("remote requires a full synchronization")
		sc.incremental = false
		sc.afterUSN = 0
	case st.UpdateCount == cp.UpdateCount:
		sc.upToDate = true
		sc.maxUpdateCount = cp.UpdateCount
		sc.maxSyncTime = max(cp.SyncTime, st.CurrentTime)
	}
}

func (s *session) downloadOwnAccount() {
	sc := s.scope
	store := s.e.remote
	pageSize := s.e.cfg.PageSize
	filter := remote.NewChunkFilter(sc.incremental)

	fetch := func(ctx context.Context, auth remote.Auth, afterUSN int64) (models.SyncChunk, error) {
		return store.GetSyncChunk(ctx, auth, afterUSN, pageSize, filter)
	}

	s.downloadChunks(LabelChunks, fetch, func() {
		s.mergeScope(func() {
			s.expungeScope(func() {
				s.checkpoints.Account = sc.checkpoint()
				if !sc.incremental {
					s.fullSyncDone.Account = true
					s.result.FullSync = true
				}

				s.syncLinkedNotebooks()
			})
		})
	})
}

type chunkFetcher func(ctx context.Context, auth remote.Auth, afterUSN int64) (models.SyncChunk, error)

// downloadChunks pages through the changelog of the current scope until it
// is caught up, then builds the pending sets
func (s *session) downloadChunks(label string, fetch chunkFetcher, done func()) {
	s.setPhase(PhaseDownload)

	sc := s.scope
	s.then(func() {
		pending, err := buildPendingSets(sc.chunks)
		sc.chunks = nil
		if err != nil {
			s.fail(err)
			return
		}

		sc.pending = pending
		done()
	})

	s.fetchChunk(sc, label, fetch, sc.afterUSN)
}

func (s *session) fetchChunk(sc *scope, label string, fetch chunkFetcher, afterUSN int64) {
	s.callRemote(workSyncChunk, sc.cred, func(ctx context.Context, auth remote.Auth) (func(), error) {
		chunk, err := fetch(ctx, auth, afterUSN)
		if err != nil {
			return nil, err
		}

		return func() {
			sc.chunks = append(sc.chunks, chunk)
			sc.maxUpdateCount = max(sc.maxUpdateCount, chunk.UpdateCount)
			sc.maxSyncTime = max(sc.maxSyncTime, chunk.CurrentTime)

			log.WithFields(log.Fields{
				"scope":        sc.cred.String(),
				"after_usn":    afterUSN,
				"high_usn":     chunk.HighUSN,
				"update_count": chunk.UpdateCount,
			}).Debug("received sync chunk")

			if span := chunk.UpdateCount - sc.afterUSN; span > 0 {
				s.progress(label, float64(chunk.HighUSN-sc.afterUSN)/float64(span))
			}

			if chunk.CaughtUp() || chunk.UpdateCount <= afterUSN {
				return
			}
			if chunk.HighUSN <= afterUSN {
				s.fail(errors.Wrapf(ErrMalformedChunk, "chunk after usn %d ends at %d below update count %d",
					afterUSN, chunk.HighUSN, chunk.UpdateCount))
				return
			}
			s.fetchChunk(sc, label, fetch, chunk.HighUSN)
		}, nil
	})
}

func (s *session) finalize() {
	s.setPhase(PhaseFinalize)

	s.result.Checkpoints = s.checkpoints
	s.result.Checkpoint = s.checkpoints.Max()
	s.result.FullSyncDone = s.fullSyncDone
	s.result.LinkedNotebookGUIDs = s.guidMapping

	s.scope = nil
	s.linked = nil
	s.finished = true

	log.WithFields(log.Fields{
		"update_count": s.result.Checkpoint.UpdateCount,
		"sync_time":    s.result.Checkpoint.SyncTime,
		"conflicts":    s.result.Conflicts,
	}).Info("synchronization finished")

	s.emit(Event{Type: EventFinished, Checkpoint: s.result.Checkpoint})
}
