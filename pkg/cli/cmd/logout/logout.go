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

package logout

import (
	stdctx "context"

	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/cli/infra"
	"github.com/dnote/notesync/pkg/cli/log"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ErrNotLoggedIn is an error for logging out when not logged in
var ErrNotLoggedIn = errors.New("not logged in")

var example = `
  notesync logout`

// NewCmd returns a new logout command
func NewCmd(ctx context.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "logout",
		Short:   "Forget the credentials of your account",
		Example: example,
		RunE:    newRun(ctx),
	}

	return cmd
}

// Do drops the account credential and the credentials of the linked
// notebooks synchronized so far
func Do(c stdctx.Context, ctx context.Ctx, store remote.Store) error {
	_, ok, err := infra.CurrentUser(ctx.DB)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotLoggedIn
	}

	creds := infra.NewStack(ctx, store, nil, nil).Credentials

	lns, err := ctx.DB.ListLinkedNotebooks(c)
	if err != nil {
		return errors.Wrap(err, "listing linked notebooks")
	}
	for _, ln := range lns {
		if err := creds.Invalidate(credentials.LinkedNotebookScope(ln.GUID)); err != nil {
			return errors.Wrapf(err, "dropping the credential of linked notebook %s", ln.GUID)
		}
	}

	if err := creds.Invalidate(credentials.AccountScope); err != nil {
		return errors.Wrap(err, "dropping the account credential")
	}
	if err := ctx.DB.DeleteSystem(database.SystemCurrentUser); err != nil {
		return errors.Wrap(err, "deleting the current user")
	}

	return nil
}

func newRun(ctx context.Ctx) infra.RunEFunc {
	return func(cmd *cobra.Command, args []string) error {
		err := Do(cmd.Context(), ctx, remote.NewHTTPStore(ctx.APIEndpoint, ctx.Version, ctx.HTTPClient))
		if errors.Is(err, ErrNotLoggedIn) {
			log.Error("not logged in\n")
			return nil
		} else if err != nil {
			return errors.Wrap(err, "logging out")
		}

		log.Success("logged out\n")

		return nil
	}
}
