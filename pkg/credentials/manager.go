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

package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Manager resolves the credentials of every scope. Successful lookups are
// cached in memory and in the secret store.
type Manager struct {
	store      remote.Store
	secrets    SecretStore
	authorizer Authorizer
	clock      clock.Clock

	// authMu serializes lookups so that a scope is authenticated at most once
	// at a time
	authMu sync.Mutex

	mu     sync.Mutex
	cache  map[Scope]Auth
	states map[Scope]State
}

// NewManager returns a new credential manager
func NewManager(store remote.Store, secrets SecretStore, authorizer Authorizer, c clock.Clock) *Manager {
	return &Manager{
		store:      store,
		secrets:    secrets,
		authorizer: authorizer,
		clock:      c,
		cache:      map[Scope]Auth{},
		states:     map[Scope]State{},
	}
}

// State returns the resolution state of the scope
func (m *Manager) State(scope Scope) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.states[scope]
}

// States returns the resolution state of every scope looked up so far
func (m *Manager) States() map[Scope]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	ret := make(map[Scope]State, len(m.states))
	for k, v := range m.states {
		ret[k] = v
	}

	return ret
}

func (m *Manager) setState(scope Scope, s State) {
	m.mu.Lock()
	m.states[scope] = s
	m.mu.Unlock()
}

func (m *Manager) cached(scope Scope) (Auth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.cache[scope]
	if !ok || a.ExpiringSoon(m.clock.Now()) {
		return Auth{}, false
	}

	return a, true
}

// Invalidate drops the credential of the scope so that the next lookup
// authenticates again
func (m *Manager) Invalidate(scope Scope) error {
	m.mu.Lock()
	delete(m.cache, scope)
	m.states[scope] = StateUnknown
	m.mu.Unlock()

	if err := m.secrets.Delete(scope.secretKey()); err != nil {
		return errors.Wrapf(err, "deleting the credential of %s", scope)
	}

	return nil
}

// Save caches and persists the credential of the scope
func (m *Manager) Save(scope Scope, a Auth) error {
	b, err := msgpack.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encoding credential")
	}
	if err := m.secrets.Put(scope.secretKey(), string(b)); err != nil {
		return errors.Wrapf(err, "saving the credential of %s", scope)
	}

	m.mu.Lock()
	m.cache[scope] = a
	m.states[scope] = StateValid
	m.mu.Unlock()

	return nil
}

// read looks the scope up in the secret store and reports whether a usable
// credential was found
func (m *Manager) read(scope Scope) (Auth, bool, error) {
	m.setState(scope, StateReading)

	raw, ok, err := m.secrets.Get(scope.secretKey())
	if err != nil {
		m.setState(scope, StateUnknown)
		return Auth{}, false, errors.Wrapf(err, "reading the credential of %s", scope)
	}
	if !ok {
		m.setState(scope, StateMissing)
		return Auth{}, false, nil
	}

	var a Auth
	if err := msgpack.Unmarshal([]byte(raw), &a); err != nil {
		log.WithFields(log.Fields{"scope": scope.String()}).ErrorWrap(err, "decoding stored credential")
		m.setState(scope, StateMissing)
		return Auth{}, false, nil
	}

	if a.ExpiringSoon(m.clock.Now()) {
		log.WithFields(log.Fields{"scope": scope.String()}).Info("stored credential expires soon")
		m.setState(scope, StateMissing)
		return Auth{}, false, nil
	}

	m.mu.Lock()
	m.cache[scope] = a
	m.states[scope] = StateValid
	m.mu.Unlock()

	return a, true, nil
}

// lookup returns the cached or stored credential of the scope
func (m *Manager) lookup(scope Scope) (Auth, bool, error) {
	if a, ok := m.cached(scope); ok {
		return a, true, nil
	}

	return m.read(scope)
}

// Stored returns the usable credential of the scope without authenticating
func (m *Manager) Stored(scope Scope) (Auth, bool, error) {
	return m.lookup(scope)
}

// wait blocks until d has elapsed on the clock or ctx is done
func (m *Manager) wait(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(fired) })

	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// withRetry calls f until it succeeds or fails with anything but a rate limit
func (m *Manager) withRetry(ctx context.Context, scope Scope, f func() (remote.AuthResult, error)) (remote.AuthResult, error) {
	for {
		res, err := f()
		d, limited := remote.RetryAfter(err)
		if !limited {
			return res, err
		}
		if d <= 0 {
			return res, errors.Wrap(err, "invalid rate limit duration")
		}

		log.WithFields(log.Fields{
			"scope":   scope.String(),
			"seconds": d.Seconds(),
		}).Info("authentication rate limited, waiting")

		if err := m.wait(ctx, d); err != nil {
			return res, err
		}
	}
}

// AccountAuth returns a valid credential for the own account, asking the
// authorizer for a new one if none is stored or the stored one expires soon
func (m *Manager) AccountAuth(ctx context.Context) (Auth, error) {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	return m.accountAuth(ctx)
}

func (m *Manager) accountAuth(ctx context.Context) (Auth, error) {
	a, ok, err := m.lookup(AccountScope)
	if err != nil {
		return Auth{}, err
	}
	if ok {
		return a, nil
	}

	return m.authenticateAccount(ctx)
}

func (m *Manager) authenticateAccount(ctx context.Context) (Auth, error) {
	if m.authorizer == nil {
		m.setState(AccountScope, StateMissing)
		return Auth{}, errors.New("not logged in")
	}

	m.setState(AccountScope, StateAuthenticating)

	res, err := m.withRetry(ctx, AccountScope, func() (remote.AuthResult, error) {
		return m.authorizer.Authorize(ctx)
	})
	if err != nil {
		m.setState(AccountScope, StateMissing)
		return Auth{}, errors.Wrap(err, "authorizing the account")
	}

	a := FromResult(res)
	if err := m.Save(AccountScope, a); err != nil {
		return Auth{}, err
	}

	log.WithFields(log.Fields{"user_id": a.UserID}).Info("authenticated the account")

	return a, nil
}

// LinkedNotebookAuth returns a valid credential for every given linked
// notebook, keyed by linked notebook guid. Each notebook is resolved on its
// own and cached as soon as it succeeds, so a failed batch can be retried
// without authenticating the resolved ones again. An expired account token
// causes the account to be authenticated again before the rest of the batch
// is resolved.
func (m *Manager) LinkedNotebookAuth(ctx context.Context, refs []LinkedNotebookRef) (map[string]Auth, error) {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	ret := make(map[string]Auth, len(refs))

	var pending []LinkedNotebookRef
	for _, ref := range refs {
		a, ok, err := m.lookup(LinkedNotebookScope(ref.GUID))
		if err != nil {
			return ret, err
		}
		if ok {
			ret[ref.GUID] = a
		} else {
			pending = append(pending, ref)
		}
	}

	escalated := false
	for len(pending) > 0 {
		account, err := m.accountAuth(ctx)
		if err != nil {
			return ret, errors.Wrap(err, "getting the account credential")
		}

		rest, err := m.authenticateLinkedNotebooks(ctx, account, pending, ret)
		if err != nil {
			return ret, err
		}
		if len(rest) == 0 {
			break
		}
		if escalated {
			return ret, errors.Wrap(remote.ErrAuthExpired, "account token rejected after renewal")
		}

		log.Info("account token expired while authenticating linked notebooks")
		escalated = true
		pending = rest

		if err := m.Invalidate(AccountScope); err != nil {
			return ret, err
		}
		if _, err := m.authenticateAccount(ctx); err != nil {
			return ret, err
		}
	}

	return ret, nil
}

// authenticateLinkedNotebooks authenticates each ref in turn. It stops at the
// first expired account token and returns the refs left unresolved.
func (m *Manager) authenticateLinkedNotebooks(ctx context.Context, account Auth, refs []LinkedNotebookRef, dest map[string]Auth) ([]LinkedNotebookRef, error) {
	for i, ref := range refs {
		scope := LinkedNotebookScope(ref.GUID)
		m.setState(scope, StateAuthenticating)

		callAuth := remote.Auth{
			Token:        account.Token,
			ShardID:      ref.ShardID,
			NoteStoreURL: ref.NoteStoreURL,
		}
		res, err := m.withRetry(ctx, scope, func() (remote.AuthResult, error) {
			return m.store.AuthenticateToSharedNotebook(ctx, callAuth, ref.SharedNotebookGlobalID)
		})
		if errors.Is(err, remote.ErrAuthExpired) {
			m.setState(scope, StateMissing)
			return refs[i:], nil
		}
		if err != nil {
			m.setState(scope, StateMissing)
			return nil, errors.Wrapf(err, "authenticating to linked notebook %s", ref.GUID)
		}

		a := FromResult(res)
		if a.ShardID == "" {
			a.ShardID = ref.ShardID
		}
		if a.NoteStoreURL == "" {
			a.NoteStoreURL = ref.NoteStoreURL
		}
		if err := m.Save(scope, a); err != nil {
			return nil, err
		}

		dest[ref.GUID] = a
	}

	return nil, nil
}
