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

package login

import (
	stdctx "context"
	"testing"
	"time"

	"github.com/dnote/notesync/pkg/assert"
	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/cli/infra"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/dnote/notesync/pkg/remote/remotetest"
	"github.com/pkg/errors"
)

func TestDo(t *testing.T) {
	ctx := context.InitTestCtx(t)
	svc := remotetest.NewService(ctx.Clock)

	a, err := Do(stdctx.Background(), ctx, svc, "secret", 48*time.Hour)
	if err != nil {
		t.Fatal(errors.Wrap(err, "logging in"))
	}

	assert.Equal(t, a.UserID, int64(1), "user id mismatch")
	assert.Equal(t, a.Expiration, ctx.Clock.Now().Add(48*time.Hour).UnixMilli(), "expiration mismatch")

	id, ok, err := infra.CurrentUser(ctx.DB)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, ok, true, "user should be signed in")
	assert.Equal(t, id, int64(1), "current user mismatch")

	// a fresh manager reads the credential back from the secret store
	stored, ok, err := infra.NewStack(ctx, svc, nil, nil).Credentials.Stored(credentials.AccountScope)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, ok, true, "credential should be stored")
	assert.Equal(t, stored.Token, "secret", "token mismatch")
}

func TestDoRejectedToken(t *testing.T) {
	ctx := context.InitTestCtx(t)
	svc := remotetest.NewService(ctx.Clock)
	svc.FailOnce(remotetest.MethodGetUser, remote.ErrAuthExpired)

	_, err := Do(stdctx.Background(), ctx, svc, "stale", 0)
	assert.ErrorIs(t, err, remote.ErrAuthExpired, "error mismatch")

	_, ok, err := infra.CurrentUser(ctx.DB)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, ok, false, "nobody should be signed in")
}
