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

package infra

import (
	stdctx "context"
	"os"

	"github.com/dnote/notesync/pkg/cli/consts"
	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/coordinator"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/media"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/dnote/notesync/pkg/sender"
	"github.com/dnote/notesync/pkg/sync"
	"github.com/pkg/errors"
)

// ErrNotLoggedIn is returned when no account token is available
var ErrNotLoggedIn = errors.New("not logged in. Run 'notesync login' first")

// Stack is the wired synchronization stack
type Stack struct {
	Remote      remote.Store
	Credentials *credentials.Manager
	Engine      *sync.Engine
	Sender      *sender.Sender
	Coordinator *coordinator.Coordinator
}

// NewStack wires the synchronization stack of the context. A nil store
// means the HTTP store at the configured endpoint.
func NewStack(ctx context.Ctx, store remote.Store, authorizer credentials.Authorizer, listener sync.Listener) *Stack {
	if store == nil {
		store = remote.NewHTTPStore(ctx.APIEndpoint, ctx.Version, ctx.HTTPClient)
	}

	creds := credentials.NewManager(store, ctx.Secrets, authorizer, ctx.Clock)

	var downloader sync.Downloader
	if ctx.DownloadInkImages || ctx.DownloadThumbnails {
		downloader = media.NewDownloader(ctx.APIEndpoint, ctx.Paths.MediaDir(), 0)
	}

	engine := sync.NewEngine(store, creds, sync.NewStorage(ctx.DB), downloader, ctx.Clock, sync.Config{
		PageSize:           ctx.PageSize,
		DownloadInkImages:  ctx.DownloadInkImages,
		DownloadThumbnails: ctx.DownloadThumbnails,
	})
	s := sender.New(store, sender.NewStorage(ctx.DB), ctx.Clock)

	c := coordinator.New(engine, s, creds, ctx.DB, ctx.Clock, listener)
	if ctx.MaxRounds > 0 {
		c.MaxRounds = ctx.MaxRounds
	}

	return &Stack{
		Remote:      store,
		Credentials: creds,
		Engine:      engine,
		Sender:      s,
		Coordinator: c,
	}
}

// Authenticate builds the account credential of a token, looking up the
// user it belongs to. expiration is a unix timestamp in milliseconds; zero
// falls back to the exp claim of the token.
func Authenticate(ctx stdctx.Context, store remote.Store, token string, expiration int64) (credentials.Auth, error) {
	if token == "" {
		return credentials.Auth{}, errors.New("empty token")
	}

	a := credentials.FromResult(remote.AuthResult{Token: token, Expiration: expiration})

	user, err := store.GetUser(ctx, a.Remote())
	if err != nil {
		return credentials.Auth{}, errors.Wrap(err, "getting the user of the token")
	}
	a.UserID = user.ID
	a.ShardID = user.ShardID

	return a, nil
}

// Authorizer renews the account credential without user interaction, from
// the NOTESYNC_TOKEN variable
func Authorizer(store remote.Store) credentials.Authorizer {
	return credentials.AuthorizerFunc(func(ctx stdctx.Context) (remote.AuthResult, error) {
		token := os.Getenv(consts.EnvToken)
		if token == "" {
			return remote.AuthResult{}, ErrNotLoggedIn
		}

		a, err := Authenticate(ctx, store, token, 0)
		if err != nil {
			return remote.AuthResult{}, err
		}

		return remote.AuthResult{
			Token:      a.Token,
			ShardID:    a.ShardID,
			UserID:     a.UserID,
			Expiration: a.Expiration,
		}, nil
	})
}
