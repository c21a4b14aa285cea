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
	"sort"
	"time"

	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/cli/infra"
	"github.com/dnote/notesync/pkg/cli/log"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/models"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/dnote/notesync/pkg/settings"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var example = `
  notesync status`

// NewCmd returns a new status command
func NewCmd(ctx context.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Print the synchronization state",
		Example: example,
		RunE:    newRun(ctx),
	}

	return cmd
}

// LinkedNotebook is the state of one linked notebook
type LinkedNotebook struct {
	GUID       string
	Name       string
	Checkpoint models.Checkpoint
	Credential credentials.State
}

// Status is the synchronization state of the signed in account
type Status struct {
	LoggedIn        bool
	UserID          int64
	Credential      credentials.State
	Checkpoint      models.Checkpoint
	LinkedNotebooks []LinkedNotebook
	// Dirty counts the local changes not sent yet
	Dirty     int
	Conflicts int
}

func countDirty[T any](c stdctx.Context, list func(stdctx.Context) ([]T, error)) (int, error) {
	items, err := list(c)
	if err != nil {
		return 0, err
	}

	return len(items), nil
}

// Do reads the synchronization state
func Do(c stdctx.Context, ctx context.Ctx, store remote.Store) (Status, error) {
	var ret Status

	userID, ok, err := infra.CurrentUser(ctx.DB)
	if err != nil {
		return ret, err
	}
	if !ok {
		return ret, nil
	}
	ret.LoggedIn = true
	ret.UserID = userID

	creds := infra.NewStack(ctx, store, nil, nil).Credentials
	if _, _, err := creds.Stored(credentials.AccountScope); err != nil {
		return ret, errors.Wrap(err, "reading the account credential")
	}
	ret.Credential = creds.State(credentials.AccountScope)

	cp, err := settings.New(ctx.DB, userID, ctx.Clock).LoadCheckpoints()
	if err != nil {
		return ret, errors.Wrap(err, "loading checkpoints")
	}
	ret.Checkpoint = cp.Account

	lns, err := ctx.DB.ListLinkedNotebooks(c)
	if err != nil {
		return ret, errors.Wrap(err, "listing linked notebooks")
	}
	for _, ln := range lns {
		scope := credentials.LinkedNotebookScope(ln.GUID)
		if _, _, err := creds.Stored(scope); err != nil {
			return ret, errors.Wrapf(err, "reading the credential of linked notebook %s", ln.GUID)
		}

		ret.LinkedNotebooks = append(ret.LinkedNotebooks, LinkedNotebook{
			GUID:       ln.GUID,
			Name:       ln.ShareName,
			Checkpoint: cp.LinkedNotebooks[ln.GUID],
			Credential: creds.State(scope),
		})
	}
	sort.Slice(ret.LinkedNotebooks, func(i, j int) bool {
		return ret.LinkedNotebooks[i].Name < ret.LinkedNotebooks[j].Name
	})

	counts := []func() (int, error){
		func() (int, error) { return countDirty(c, ctx.DB.SavedSearches().ListDirty) },
		func() (int, error) { return countDirty(c, ctx.DB.Tags().ListDirty) },
		func() (int, error) { return countDirty(c, ctx.DB.Notebooks().ListDirty) },
		func() (int, error) { return countDirty(c, ctx.DB.Notes().ListDirty) },
	}
	for _, count := range counts {
		n, err := count()
		if err != nil {
			return ret, errors.Wrap(err, "counting local changes")
		}
		ret.Dirty += n
	}

	conflicts, err := ctx.DB.ListConflicts(c)
	if err != nil {
		return ret, errors.Wrap(err, "listing conflicts")
	}
	ret.Conflicts = len(conflicts)

	return ret, nil
}

func formatSyncTime(ms int64) string {
	if ms == 0 {
		return "never"
	}

	return time.UnixMilli(ms).Local().Format(time.RFC1123)
}

func newRun(ctx context.Ctx) infra.RunEFunc {
	return func(cmd *cobra.Command, args []string) error {
		st, err := Do(cmd.Context(), ctx, remote.NewHTTPStore(ctx.APIEndpoint, ctx.Version, ctx.HTTPClient))
		if err != nil {
			return errors.Wrap(err, "reading status")
		}

		if !st.LoggedIn {
			log.Warnf("not logged in\n")
			return nil
		}

		log.Infof("user %d, credential %s\n", st.UserID, st.Credential)
		log.Infof("account: update count %d, last synchronized %s\n", st.Checkpoint.UpdateCount, formatSyncTime(st.Checkpoint.SyncTime))
		for _, ln := range st.LinkedNotebooks {
			log.Plainf("  %s: update count %d, credential %s\n", ln.Name, ln.Checkpoint.UpdateCount, ln.Credential)
		}
		log.Infof("%d local changes to send\n", st.Dirty)
		if st.Conflicts > 0 {
			log.Warnf("%d conflicts recorded\n", st.Conflicts)
		}

		return nil
	}
}
