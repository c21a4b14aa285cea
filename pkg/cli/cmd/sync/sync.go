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
	stdctx "context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dnote/notesync/pkg/cli/consts"
	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/cli/infra"
	"github.com/dnote/notesync/pkg/cli/log"
	"github.com/dnote/notesync/pkg/coordinator"
	"github.com/dnote/notesync/pkg/prompt"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/dnote/notesync/pkg/sync"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var example = `
  notesync sync
  notesync sync --full
  notesync sync --watch`

var isFullSync bool
var isWatch bool
var isYes bool
var apiEndpointFlag string

// NewCmd returns a new sync command
func NewCmd(ctx context.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sync",
		Aliases: []string{"s"},
		Short:   "Download the remote changes and send the local ones",
		Example: example,
		RunE:    newRun(ctx),
	}

	f := cmd.Flags()
	f.BoolVarP(&isFullSync, "full", "f", false, "download every change from the start instead of only the new ones")
	f.BoolVarP(&isWatch, "watch", "w", false, "keep running and synchronize on the configured schedule")
	f.BoolVarP(&isYes, "yes", "y", false, "do not ask for confirmation of a full sync")
	f.StringVar(&apiEndpointFlag, "apiEndpoint", "", "API endpoint to connect to (defaults to value in config)")

	return cmd
}

// render prints the events of a session
func render(e sync.Event) {
	switch e.Type {
	case sync.EventProgress:
		log.Progress(e.Label, e.Fraction)
	case sync.EventRateLimitExceeded:
		log.Warnf("rate limited, waiting %d seconds\n", e.Seconds)
	case sync.EventPaused:
		if e.PendingAuth {
			log.Infof("renewing credentials\n")
		} else {
			log.Infof("paused\n")
		}
	case sync.EventResumed:
		log.Debug("resumed\n")
	case sync.EventStopped:
		log.Warnf("stopped\n")
	case sync.EventFailure:
		log.Errorf("synchronization failed: %s\n", e.Err)
	case sync.EventFinished:
		log.Successf("synchronized up to update count %d\n", e.Checkpoint.UpdateCount)
	}
}

// Do runs a single session
func Do(c stdctx.Context, stack *infra.Stack, full bool) (sync.Result, error) {
	return stack.Coordinator.Synchronize(c, coordinator.Options{ForceFullSync: full})
}

// Watch runs sessions on the schedule until c is done. A first session runs
// right away.
func Watch(c stdctx.Context, stack *infra.Stack, schedule string) error {
	s, err := coordinator.NewScheduler(c, stack.Coordinator, schedule)
	if err != nil {
		return err
	}

	s.Tick()
	s.Start()
	<-c.Done()
	s.Stop()
	stack.Coordinator.Stop()

	return nil
}

// interruptible returns a context cancelled on SIGINT or SIGTERM. The
// running session is stopped as well.
func interruptible(parent stdctx.Context, stack *infra.Stack) (stdctx.Context, stdctx.CancelFunc) {
	c, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c.Done()
		stack.Coordinator.Stop()
	}()

	return c, cancel
}

func newRun(ctx context.Ctx) infra.RunEFunc {
	return func(cmd *cobra.Command, args []string) error {
		if apiEndpointFlag != "" {
			ctx.APIEndpoint = apiEndpointFlag
		}

		if _, ok, err := infra.CurrentUser(ctx.DB); err != nil {
			return err
		} else if !ok && os.Getenv(consts.EnvToken) == "" {
			return infra.ErrNotLoggedIn
		}

		store := remote.NewHTTPStore(ctx.APIEndpoint, ctx.Version, ctx.HTTPClient)
		stack := infra.NewStack(ctx, store, infra.Authorizer(store), render)

		c, cancel := interruptible(cmd.Context(), stack)
		defer cancel()

		if isWatch {
			log.Infof("synchronizing on schedule %s\n", ctx.Schedule)
			return Watch(c, stack, ctx.Schedule)
		}

		if isFullSync && !isYes {
			ok, err := prompt.Confirm(os.Stdin, os.Stdout, "  Download every change from the start?", true)
			if err != nil {
				return errors.Wrap(err, "confirming")
			}
			if !ok {
				return nil
			}
		}

		if _, err := Do(c, stack, isFullSync); err != nil {
			if errors.Is(err, sync.ErrStopped) {
				return nil
			}
			return errors.Wrap(err, "synchronizing")
		}

		return nil
	}
}
