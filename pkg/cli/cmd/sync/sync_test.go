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
	"bytes"
	stdctx "context"
	"testing"
	"time"

	"github.com/dnote/notesync/pkg/assert"
	"github.com/dnote/notesync/pkg/cli/cmd/login"
	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/cli/infra"
	"github.com/dnote/notesync/pkg/cli/log"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote/remotetest"
	"github.com/dnote/notesync/pkg/sync"
	"github.com/fatih/color"
	"github.com/pkg/errors"
)

func setup(t *testing.T) (context.Ctx, *remotetest.Service, *infra.Stack) {
	ctx := context.InitTestCtx(t)
	ctx.PageSize = 10
	svc := remotetest.NewService(ctx.Clock)

	if _, err := login.Do(stdctx.Background(), ctx, svc, "secret", 0); err != nil {
		t.Fatal(errors.Wrap(err, "logging in"))
	}

	return ctx, svc, infra.NewStack(ctx, svc, nil, nil)
}

func TestDo(t *testing.T) {
	ctx, svc, stack := setup(t)
	svc.Account().PutNotebook(models.Notebook{Name: "inbox"})

	res, err := Do(stdctx.Background(), stack, false)
	if err != nil {
		t.Fatal(errors.Wrap(err, "synchronizing"))
	}
	assert.Equal(t, res.Checkpoint.UpdateCount, int64(1), "checkpoint mismatch")

	t.Run("full", func(t *testing.T) {
		if _, err := Do(stdctx.Background(), stack, true); err != nil {
			t.Fatal(errors.Wrap(err, "synchronizing"))
		}

		chunks := svc.CallsTo(remotetest.MethodGetSyncChunk)
		assert.Equal(t, chunks[len(chunks)-1].AfterUSN, int64(0), "full sync should start from the beginning")

		nbs, err := ctx.DB.Notebooks().List(stdctx.Background())
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, len(nbs), 1, "notebook count mismatch")
	})
}

func TestWatch(t *testing.T) {
	ctx, svc, stack := setup(t)
	svc.Account().PutTag(models.Tag{Name: "a"})

	c, cancel := stdctx.WithCancel(stdctx.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(c, stack, "@every 1h")
	}()

	assert.Eventually(t, func() bool {
		n, err := ctx.DB.Tags().Count(stdctx.Background())
		return err == nil && n == 1
	}, 5*time.Second, "the first session should run right away")

	cancel()
	if err := <-done; err != nil {
		t.Fatal(errors.Wrap(err, "watching"))
	}
}

func TestWatchInvalidSchedule(t *testing.T) {
	_, _, stack := setup(t)

	err := Watch(stdctx.Background(), stack, "whenever")
	assert.NotEqual(t, err, nil, "error should be returned")
}

func TestRender(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(color.Output)

	testCases := []struct {
		event    sync.Event
		expected string
	}{
		{
			event:    sync.Event{Type: sync.EventRateLimitExceeded, Seconds: 30},
			expected: "  • rate limited, waiting 30 seconds\n",
		},
		{
			event:    sync.Event{Type: sync.EventPaused, PendingAuth: true},
			expected: "  • renewing credentials\n",
		},
		{
			event:    sync.Event{Type: sync.EventFinished, Checkpoint: models.Checkpoint{UpdateCount: 7}},
			expected: "  ✔ synchronized up to update count 7\n",
		},
		{
			event:    sync.Event{Type: sync.EventProgress, Label: "downloading notes", Fraction: 1},
			expected: "\r  • downloading notes 100%\n",
		},
	}

	for _, tc := range testCases {
		buf.Reset()
		render(tc.event)

		assert.Equal(t, buf.String(), tc.expected, "output mismatch")
	}
}
