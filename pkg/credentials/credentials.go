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

// Package credentials manages the authentication tokens of the own account
// and of every linked notebook
package credentials

import (
	"context"
	"strings"
	"time"

	"github.com/dnote/notesync/pkg/remote"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ExpiryMargin is the remaining lifetime under which a token is renewed
const ExpiryMargin = 6 * time.Hour

// Scope names the owner of a credential. The own account is AccountScope.
type Scope string

// AccountScope is the scope of the own account
const AccountScope Scope = ""

// LinkedNotebookScope returns the scope of the linked notebook with the given guid
func LinkedNotebookScope(guid string) Scope {
	return Scope("linked/" + guid)
}

// IsLinkedNotebook tells if the scope belongs to a linked notebook
func (s Scope) IsLinkedNotebook() bool {
	return strings.HasPrefix(string(s), "linked/")
}

func (s Scope) String() string {
	if s == AccountScope {
		return "account"
	}

	return string(s)
}

func (s Scope) secretKey() string {
	return "auth/" + s.String()
}

// State is the resolution state of a credential
type State int

const (
	// StateUnknown means the credential was never looked up
	StateUnknown State = iota
	// StateReading means the credential is being read from the secret store
	StateReading
	// StateValid means a usable credential is cached
	StateValid
	// StateMissing means no usable credential exists
	StateMissing
	// StateAuthenticating means a new credential is being requested
	StateAuthenticating
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateValid:
		return "valid"
	case StateMissing:
		return "missing"
	case StateAuthenticating:
		return "authenticating"
	default:
		return "unknown"
	}
}

// Auth is an authentication token with the routing data that comes with it
type Auth struct {
	Token        string `msgpack:"token"`
	ShardID      string `msgpack:"shard_id"`
	NoteStoreURL string `msgpack:"note_store_url"`
	UserID       int64  `msgpack:"user_id"`
	// Expiration is a unix timestamp in milliseconds. Zero means unknown.
	Expiration int64 `msgpack:"expiration"`
}

// ExpiringSoon tells if the token has less than ExpiryMargin left. A token
// without a known expiration never expires soon.
func (a Auth) ExpiringSoon(now time.Time) bool {
	if a.Expiration == 0 {
		return false
	}

	return time.UnixMilli(a.Expiration).Sub(now) < ExpiryMargin
}

// Remote returns the auth used to call the remote store
func (a Auth) Remote() remote.Auth {
	return remote.Auth{
		Token:        a.Token,
		ShardID:      a.ShardID,
		NoteStoreURL: a.NoteStoreURL,
	}
}

// FromResult builds an Auth from an authentication result. When the result
// carries no expiration, the exp claim of a JWT token is used.
func FromResult(r remote.AuthResult) Auth {
	a := Auth{
		Token:        r.Token,
		ShardID:      r.ShardID,
		NoteStoreURL: r.NoteStoreURL,
		UserID:       r.UserID,
		Expiration:   r.Expiration,
	}

	if a.Expiration == 0 {
		if exp, err := TokenExpiration(r.Token); err == nil {
			a.Expiration = exp.UnixMilli()
		}
	}

	return a
}

// TokenExpiration reads the exp claim of a JWT token without verifying its signature
func TokenExpiration(token string) (time.Time, error) {
	t, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parsing token")
	}

	exp, err := t.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "reading exp claim")
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}

	return exp.Time, nil
}

// LinkedNotebookRef identifies a linked notebook needing a token
type LinkedNotebookRef struct {
	GUID                   string
	SharedNotebookGlobalID string
	ShardID                string
	NoteStoreURL           string
}

// SecretStore keeps credentials encrypted at rest
type SecretStore interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Delete(key string) error
}

// Authorizer obtains a token for the own account, usually by asking the user
type Authorizer interface {
	Authorize(ctx context.Context) (remote.AuthResult, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface
type AuthorizerFunc func(ctx context.Context) (remote.AuthResult, error)

// Authorize calls f
func (f AuthorizerFunc) Authorize(ctx context.Context) (remote.AuthResult, error) {
	return f(ctx)
}
