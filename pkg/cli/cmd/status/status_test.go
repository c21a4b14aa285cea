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

package status

import (
	stdctx "context"
	"testing"

	"github.com/dnote/notesync/pkg/assert"
	"github.com/dnote/notesync/pkg/cli/cmd/login"
	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote/remotetest"
	"github.com/dnote/notesync/pkg/settings"
	"github.com/pkg/errors"
)

func TestDoNotLoggedIn(t *testing.T) {
	ctx := context.InitTestCtx(t)

	st, err := Do(stdctx.Background(), ctx, remotetest.NewService(ctx.Clock))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, st.LoggedIn, false, "nobody should be signed in")
}

func TestDo(t *testing.T) {
	c := stdctx.Background()
	ctx := context.InitTestCtx(t)
	svc := remotetest.NewService(ctx.Clock)

	if _, err := login.Do(c, ctx, svc, "secret", 0); err != nil {
		t.Fatal(errors.Wrap(err, "logging in"))
	}

	cp := models.NewCheckpoints()
	cp.Account = models.Checkpoint{UpdateCount: 12, SyncTime: 1000}
	cp.LinkedNotebooks["ln1"] = models.Checkpoint{UpdateCount: 3}
	if err := settings.New(ctx.DB, 1, ctx.Clock).SaveCheckpoints(cp); err != nil {
		t.Fatal(errors.Wrap(err, "saving checkpoints"))
	}

	ln := models.LinkedNotebook{SyncMeta: models.SyncMeta{GUID: "ln1"}, ShareName: "shared"}
	if err := ctx.DB.LinkedNotebooks().Add(c, &ln); err != nil {
		t.Fatal(errors.Wrap(err, "adding linked notebook"))
	}
	tag := models.Tag{Name: "a", SyncMeta: models.SyncMeta{Dirty: true}}
	if err := ctx.DB.Tags().Add(c, &tag); err != nil {
		t.Fatal(errors.Wrap(err, "adding tag"))
	}
	if err := ctx.DB.AddConflict(c, models.Conflict{Kind: models.KindNote, GUID: "n1", LocalID: "l1", ConflictLocalID: "l2", CreatedAt: ctx.Clock.Now()}); err != nil {
		t.Fatal(errors.Wrap(err, "adding conflict"))
	}

	st, err := Do(c, ctx, svc)
	if err != nil {
		t.Fatal(errors.Wrap(err, "reading status"))
	}

	expected := Status{
		LoggedIn:   true,
		UserID:     1,
		Credential: credentials.StateValid,
		Checkpoint: models.Checkpoint{UpdateCount: 12, SyncTime: 1000},
		LinkedNotebooks: []LinkedNotebook{
			{GUID: "ln1", Name: "shared", Checkpoint: models.Checkpoint{UpdateCount: 3}, Credential: credentials.StateMissing},
		},
		Dirty:     1,
		Conflicts: 1,
	}
	assert.DeepEqual(t, st, expected, "status mismatch")
}
