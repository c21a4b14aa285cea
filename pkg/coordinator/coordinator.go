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

// Package coordinator runs a synchronization session: it authenticates,
// downloads the remote changes, persists the checkpoints and sends the local
// changes
package coordinator

import (
	"context"
	gosync "sync"

	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/dnote/notesync/pkg/sender"
	"github.com/dnote/notesync/pkg/settings"
	"github.com/dnote/notesync/pkg/sync"
	"github.com/pkg/errors"
)

// DefaultMaxRounds bounds the download and send rounds of a session
const DefaultMaxRounds = 3

// State is the step a session is at
type State int

const (
	// StateIdle means no session is running
	StateIdle State = iota
	// StateAuthenticating means the account credential is being resolved
	StateAuthenticating
	// StateSyncingRemoteToLocal means remote changes are being downloaded
	StateSyncingRemoteToLocal
	// StateSendingLocalChanges means local changes are being uploaded
	StateSendingLocalChanges
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncingRemoteToLocal:
		return "syncing remote to local"
	case StateSendingLocalChanges:
		return "sending local changes"
	default:
		return "unknown"
	}
}

// Credentials provides the account credential
type Credentials interface {
	AccountAuth(ctx context.Context) (credentials.Auth, error)
	Invalidate(scope credentials.Scope) error
}

// Engine downloads the remote changes
type Engine interface {
	Run(ctx context.Context, req sync.Request) (sync.Result, error)
	Pause()
	Resume()
	Stop()
}

// Sender uploads the local changes
type Sender interface {
	Send(ctx context.Context, req sender.Request) (sender.Result, error)
	Pause()
	Resume()
	Stop()
}

// Options configures a session
type Options struct {
	// ForceFullSync downloads every changelog from the start
	ForceFullSync bool
}

// Coordinator runs synchronization sessions one at a time
type Coordinator struct {
	engine   Engine
	sender   Sender
	creds    Credentials
	settings settings.Backend
	clock    clock.Clock
	listener sync.Listener

	// MaxRounds bounds the download and send rounds of a session
	MaxRounds int

	mu      gosync.Mutex
	active  bool
	state   State
	paused  bool
	target  State
	stopped bool
}

// New returns a new coordinator. The listener may be nil.
func New(engine Engine, s Sender, creds Credentials, backend settings.Backend, c clock.Clock, listener sync.Listener) *Coordinator {
	return &Coordinator{
		engine:    engine,
		sender:    s,
		creds:     creds,
		settings:  backend,
		clock:     c,
		listener:  listener,
		MaxRounds: DefaultMaxRounds,
	}
}

// State returns the step of the running session
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Active tells whether a session is running
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active
}

// Paused tells whether the running session is paused
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paused
}

// Pause pauses the step that is running and remembers it for Resume
func (c *Coordinator) Pause() {
	c.mu.Lock()
	if !c.active || c.paused {
		c.mu.Unlock()
		return
	}

	target := c.state
	switch target {
	case StateSyncingRemoteToLocal:
		c.engine.Pause()
	case StateSendingLocalChanges:
		c.sender.Pause()
	default:
		c.mu.Unlock()
		return
	}

	c.paused = true
	c.target = target
	c.mu.Unlock()

	// the engine reports its own pause
	if target == StateSendingLocalChanges {
		c.emit(sync.Event{Type: sync.EventPaused})
	}
}

// Resume resumes the step that was paused
func (c *Coordinator) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}

	target := c.target
	switch target {
	case StateSyncingRemoteToLocal:
		c.engine.Resume()
	case StateSendingLocalChanges:
		c.sender.Resume()
	}
	c.paused = false
	c.mu.Unlock()

	if target == StateSendingLocalChanges {
		c.emit(sync.Event{Type: sync.EventResumed})
	}
}

// Stop stops both steps. Synchronize then returns sync.ErrStopped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}

	c.stopped = true
	c.paused = false
	c.engine.Stop()
	c.sender.Stop()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = s
	log.WithFields(log.Fields{"state": s.String()}).Debug("synchronization state")
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopped
}

func (c *Coordinator) emit(e sync.Event) {
	if c.listener != nil {
		c.listener(e)
	}
}

// forward relays the events of the steps. Outcomes are reported once for
// the whole session.
func (c *Coordinator) forward(e sync.Event) {
	switch e.Type {
	case sync.EventFinished, sync.EventFailure, sync.EventStopped:
		return
	}

	c.emit(e)
}

// Synchronize runs a session: authenticate, download the remote changes,
// persist the checkpoints, then send the local changes. A send that
// collides with remote changes triggers another incremental download before
// sending again.
func (c *Coordinator) Synchronize(ctx context.Context, opts Options) (sync.Result, error) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return sync.Result{}, sync.ErrAlreadyRunning
	}
	c.active = true
	c.stopped = false
	c.paused = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active = false
		c.paused = false
		c.state = StateIdle
		c.mu.Unlock()
	}()

	res, err := c.synchronize(ctx, opts)
	if err != nil {
		if errors.Is(err, sync.ErrStopped) || c.isStopped() {
			log.Info("synchronization stopped")
			c.emit(sync.Event{Type: sync.EventStopped})
			return sync.Result{}, sync.ErrStopped
		}

		log.ErrorWrap(err, "synchronization failed")
		c.emit(sync.Event{Type: sync.EventFailure, Err: err})
		return sync.Result{}, err
	}

	log.WithFields(log.Fields{
		"update_count": res.Checkpoint.UpdateCount,
		"conflicts":    res.Conflicts,
	}).Info("synchronization finished")
	c.emit(sync.Event{Type: sync.EventFinished, Checkpoint: res.Checkpoint})

	return res, nil
}

func (c *Coordinator) synchronize(ctx context.Context, opts Options) (sync.Result, error) {
	c.setState(StateAuthenticating)

	auth, err := c.creds.AccountAuth(ctx)
	if err != nil {
		return sync.Result{}, errors.Wrap(err, "authenticating")
	}

	store := settings.New(c.settings, auth.UserID, c.clock)

	cp, err := store.LoadCheckpoints()
	if err != nil {
		return sync.Result{}, errors.Wrap(err, "loading checkpoints")
	}
	fsd, err := store.LoadFullSyncDone()
	if err != nil {
		return sync.Result{}, errors.Wrap(err, "loading full sync flags")
	}

	maxRounds := c.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	var res sync.Result
	conflicts := 0
	// a send that found the account ahead gets one follow-up round
	followUp := true

	for round := 0; round < maxRounds; round++ {
		if c.isStopped() {
			return sync.Result{}, sync.ErrStopped
		}

		c.setState(StateSyncingRemoteToLocal)

		res, err = c.engine.Run(ctx, sync.Request{
			Checkpoints:   cp,
			FullSyncDone:  fsd,
			ForceFullSync: opts.ForceFullSync && round == 0,
			Limits:        store,
			Listener:      c.forward,
		})
		if err != nil {
			return sync.Result{}, errors.Wrap(err, "downloading remote changes")
		}
		conflicts += res.Conflicts

		cp, fsd = res.Checkpoints, res.FullSyncDone
		if err := persist(store, res); err != nil {
			return sync.Result{}, err
		}

		if c.isStopped() {
			return sync.Result{}, sync.ErrStopped
		}

		c.setState(StateSendingLocalChanges)

		sres, err := c.send(ctx, &auth, cp.Account.UpdateCount)
		if err != nil {
			return sync.Result{}, errors.Wrap(err, "sending local changes")
		}

		if sres.UpdateCount > cp.Account.UpdateCount {
			cp.Account.UpdateCount = sres.UpdateCount
			cp.Account.SyncTime = max(cp.Account.SyncTime, c.clock.Now().UnixMilli())
			if err := store.SaveCheckpoints(cp); err != nil {
				return sync.Result{}, errors.Wrap(err, "saving checkpoints after sending")
			}
		}

		log.WithFields(log.Fields{
			"round":        round,
			"sent":         sres.Sent,
			"update_count": sres.UpdateCount,
			"behind":       sres.Behind,
			"conflict":     sres.Conflict,
		}).Debug("sent local changes")

		if sres.Conflict {
			followUp = false
			continue
		}
		if sres.Behind && followUp {
			followUp = false
			continue
		}

		break
	}

	res.Checkpoints = cp
	res.Checkpoint = cp.Max()
	res.FullSyncDone = fsd
	res.Conflicts = conflicts

	return res, nil
}

// persist saves the checkpoints of a completed download. The checkpoint of
// a scope downloaded from the start may move backwards.
func persist(store *settings.Store, res sync.Result) error {
	resynced := settings.Resynced{
		Account:         res.FullSync,
		LinkedNotebooks: res.ResyncedLinkedNotebooks,
	}

	if err := store.SaveResyncedCheckpoints(res.Checkpoints, resynced); err != nil {
		return errors.Wrap(err, "saving checkpoints")
	}
	if err := store.SaveFullSyncDone(res.FullSyncDone); err != nil {
		return errors.Wrap(err, "saving full sync flags")
	}

	return nil
}

// send runs the sender, renewing the account credential once if it expired
func (c *Coordinator) send(ctx context.Context, auth *credentials.Auth, baseline int64) (sender.Result, error) {
	req := sender.Request{Auth: auth.Remote(), UpdateCount: baseline, Listener: c.forward}

	res, err := c.sender.Send(ctx, req)
	if !errors.Is(err, remote.ErrAuthExpired) {
		return res, err
	}

	log.Info("credential expired while sending, renewing")
	c.emit(sync.Event{Type: sync.EventPaused, PendingAuth: true})

	if err := c.creds.Invalidate(credentials.AccountScope); err != nil {
		return res, errors.Wrap(err, "invalidating the account credential")
	}
	a, err := c.creds.AccountAuth(ctx)
	if err != nil {
		return res, errors.Wrap(err, "renewing the account credential")
	}
	*auth = a
	c.emit(sync.Event{Type: sync.EventResumed})

	// entities sent before the expiry are no longer dirty
	req.Auth = a.Remote()
	req.UpdateCount = max(baseline, res.UpdateCount)
	again, err := c.sender.Send(ctx, req)
	again.Sent += res.Sent
	again.Behind = again.Behind || res.Behind
	again.Conflict = again.Conflict || res.Conflict

	return again, err
}

// Checkpoints returns the persisted checkpoints of an account
func Checkpoints(backend settings.Backend, userID int64, c clock.Clock) (models.Checkpoints, error) {
	return settings.New(backend, userID, c).LoadCheckpoints()
}
