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
	"math"
	"time"

	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/pkg/errors"
)

// work is the kind of an operation tracked by a session
type work string

const (
	workAuthenticate    work = "authenticate"
	workProtocolCheck   work = "check protocol version"
	workUser            work = "synchronize user"
	workAccountLimits   work = "synchronize account limits"
	workSyncState       work = "get sync state"
	workSyncChunk       work = "get sync chunk"
	workFind            work = "find by guid"
	workFindByName      work = "find by name"
	workFetch           work = "fetch full entity"
	workAdd             work = "add"
	workUpdate          work = "update"
	workConflict        work = "record conflict"
	workExpunge         work = "expunge"
	workListLinked      work = "list linked notebooks"
	workMediaDownload   work = "download media"
	workNotelessTagScan work = "expunge noteless linked notebook tags"
)

// pendingOp is an operation in flight. An operation waiting for a rate limit
// to reset carries its timer.
type pendingOp struct {
	work  work
	timer clock.Timer
}

type remoteJob func(ctx context.Context, auth remote.Auth) (func(), error)

type remoteCall struct {
	work work
	job  remoteJob
}

// register adds an operation to the arena and returns its id
func (s *session) register(w work) uint64 {
	s.nextID++
	id := s.nextID

	s.ops[id] = &pendingOp{work: w}
	s.outstanding[w]++

	return id
}

// complete removes an operation from the arena. Completing an unknown or
// already completed operation does nothing.
func (s *session) complete(id uint64) {
	op, ok := s.ops[id]
	if !ok {
		return
	}
	delete(s.ops, id)

	if s.outstanding[op.work] > 0 {
		s.outstanding[op.work]--
	}
	if s.outstanding[op.work] == 0 {
		delete(s.outstanding, op.work)
	}
}

// post hands a function over to the loop
func (s *session) post(f func()) {
	select {
	case s.mailbox <- f:
	case <-s.done:
	}
}

// resume runs a continuation, or keeps it for later while the session is
// paused. Privileged continuations run even while paused.
func (s *session) resume(cont func(), privileged bool) {
	if cont == nil || s.halted {
		return
	}
	if !privileged && (s.paused || s.pendingAuth()) {
		s.deferred = append(s.deferred, cont)
		return
	}

	cont()
}

// flush runs the continuations kept while paused
func (s *session) flush() {
	if s.paused || s.pendingAuth() {
		return
	}

	d := s.deferred
	s.deferred = nil
	for _, f := range d {
		s.resume(f, false)
	}
}

// start runs job in its own goroutine and its returned continuation on the loop
func (s *session) start(w work, privileged bool, job func() func()) {
	id := s.register(w)

	go func() {
		cont := job()

		s.post(func() {
			s.complete(id)
			s.resume(cont, privileged)
		})
	}()
}

// spawn starts a job whose continuation is held while the session is paused
func (s *session) spawn(w work, job func() func()) {
	s.start(w, false, job)
}

// local runs a local storage operation. Its context is not canceled by stop
// so that no request is interrupted midway.
func (s *session) local(w work, job func(ctx context.Context) (func(), error)) {
	ctx := s.localCtx

	s.spawn(w, func() func() {
		cont, err := job(ctx)
		if err != nil {
			return func() {
				s.fail(errors.Wrap(err, string(w)))
			}
		}

		return cont
	})
}

// callRemote runs a remote request with the credential of the scope. Rate
// limited requests are replayed once the limit resets and requests rejected
// for an expired credential are replayed after it was renewed.
func (s *session) callRemote(w work, scope credentials.Scope, job remoteJob) {
	if s.refreshing[scope] {
		s.awaitingAuth[scope] = append(s.awaitingAuth[scope], remoteCall{work: w, job: job})
		return
	}

	ctx := s.ctx
	auth := s.auths[scope].Remote()

	s.start(w, true, func() func() {
		cont, err := job(ctx, auth)
		if err != nil {
			return func() {
				s.onRemoteError(w, scope, job, err)
			}
		}

		return func() {
			s.resume(cont, false)
		}
	})
}

func (s *session) onRemoteError(w work, scope credentials.Scope, job remoteJob, err error) {
	if s.halted {
		return
	}

	if d, ok := remote.RetryAfter(err); ok {
		if d <= 0 {
			s.fail(errors.Wrapf(err, "%s: invalid rate limit duration %s", w, d))
			return
		}

		seconds := int(math.Ceil(d.Seconds()))
		log.WithFields(log.Fields{
			"work":    string(w),
			"scope":   scope.String(),
			"seconds": seconds,
		}).Info("rate limit exceeded, waiting")
		s.emit(Event{Type: EventRateLimitExceeded, Seconds: seconds})

		s.after(w, d, func() {
			s.callRemote(w, scope, job)
		})
		return
	}

	if errors.Is(err, remote.ErrAuthExpired) {
		s.reauthenticate(scope, remoteCall{work: w, job: job})
		return
	}

	s.fail(errors.Wrap(err, string(w)))
}

// after runs f once d has elapsed. The wait counts as an operation of kind w.
func (s *session) after(w work, d time.Duration, f func()) {
	id := s.register(w)
	op := s.ops[id]

	op.timer = s.e.clock.AfterFunc(d, func() {
		s.post(func() {
			if _, ok := s.ops[id]; !ok {
				return
			}

			s.complete(id)
			s.resume(f, false)
		})
	})
}

func (s *session) pendingAuth() bool {
	return len(s.refreshing) > 0
}

// reauthenticate renews the credential of the scope and replays the calls
// that were rejected meanwhile. The session is paused until then.
func (s *session) reauthenticate(scope credentials.Scope, call remoteCall) {
	s.awaitingAuth[scope] = append(s.awaitingAuth[scope], call)
	if s.refreshing[scope] {
		return
	}

	s.refreshing[scope] = true
	log.WithFields(log.Fields{"scope": scope.String()}).Info("credential expired, renewing")
	s.emit(Event{Type: EventPaused, PendingAuth: true})

	ctx := s.ctx
	creds := s.e.creds
	ref, isLinked := s.refs[scope]

	s.start(workAuthenticate, true, func() func() {
		var a credentials.Auth

		err := creds.Invalidate(scope)
		if err == nil {
			if scope == credentials.AccountScope {
				a, err = creds.AccountAuth(ctx)
			} else if !isLinked {
				err = errors.Errorf("unknown credential scope %s", scope)
			} else {
				var auths map[string]credentials.Auth
				auths, err = creds.LinkedNotebookAuth(ctx, []credentials.LinkedNotebookRef{ref})
				a = auths[ref.GUID]
			}
		}

		return func() {
			if err != nil {
				s.fail(errors.Wrapf(err, "renewing the credential of %s", scope))
				return
			}

			s.auths[scope] = a
			delete(s.refreshing, scope)

			calls := s.awaitingAuth[scope]
			delete(s.awaitingAuth, scope)

			if !s.pendingAuth() && !s.paused {
				s.emit(Event{Type: EventResumed})
			}
			for _, c := range calls {
				s.callRemote(c.work, scope, c.job)
			}
			s.flush()
		}
	})
}

// then sets the step run once every operation drained
func (s *session) then(f func()) {
	s.next = f
}

// checkBarrier runs the next step while nothing is in flight
func (s *session) checkBarrier() {
	for !s.halted && !s.finished && !s.paused && !s.pendingAuth() &&
		len(s.ops) == 0 && len(s.deferred) == 0 && s.next != nil {
		f := s.next
		s.next = nil
		f()
	}
}

func (s *session) pause() {
	if s.paused || s.halted || s.finished {
		return
	}

	s.paused = true
	s.emit(Event{Type: EventPaused, PendingAuth: s.pendingAuth()})
}

func (s *session) unpause() {
	if !s.paused || s.halted {
		return
	}

	s.paused = false
	if !s.pendingAuth() {
		s.emit(Event{Type: EventResumed})
	}
	s.flush()
}

func (s *session) stop() {
	if s.halted || s.finished {
		return
	}

	log.Info("stopping synchronization")
	s.halt(ErrStopped)
}

// fail aborts the session. The first failure wins.
func (s *session) fail(err error) {
	if s.halted {
		return
	}

	err = &FailureError{Phase: s.phase, Err: err}
	log.ErrorWrap(err, "synchronization failed")
	s.halt(err)
}

// halt cancels remote requests and pending timers. Operations already in
// flight drain before the loop exits.
func (s *session) halt(err error) {
	s.halted = true
	s.err = err
	s.cancel()

	for id, op := range s.ops {
		if op.timer != nil {
			op.timer.Stop()
			s.complete(id)
		}
	}

	s.next = nil
	s.deferred = nil
	s.awaitingAuth = map[credentials.Scope][]remoteCall{}
}

func (s *session) emit(e Event) {
	if s.req.Listener != nil {
		s.req.Listener(e)
	}
}

func (s *session) progress(label string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	s.emit(Event{Type: EventProgress, Label: label, Fraction: fraction})
}

func (s *session) onChange(ev models.ChangeEvent) {
	if ev.Kind == models.KindLinkedNotebook {
		s.linkedStale = true
	}
}

// loop runs every continuation until the session finishes or drains after halting
func (s *session) loop(parent context.Context, changes <-chan models.ChangeEvent) {
	parentDone := parent.Done()

	for {
		s.checkBarrier()

		if s.finished || (s.halted && len(s.ops) == 0) {
			return
		}

		select {
		case f := <-s.mailbox:
			f()
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.onChange(ev)
		case <-parentDone:
			parentDone = nil
			if !s.halted {
				s.halt(parent.Err())
			}
		}
	}
}
