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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/cli/infra"
	"github.com/dnote/notesync/pkg/cli/log"
	"github.com/dnote/notesync/pkg/credentials"
	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/remote"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var example = `
  notesync login
  notesync login --expiresIn 720h`

var tokenFlag string
var expiresInFlag time.Duration
var apiEndpointFlag string

// NewCmd returns a new login command
func NewCmd(ctx context.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "login",
		Short:   "Store the token of your account",
		Example: example,
		RunE:    newRun(ctx),
	}

	f := cmd.Flags()
	f.StringVar(&tokenFlag, "token", "", "the account token (prompted for when omitted)")
	f.DurationVar(&expiresInFlag, "expiresIn", 0, "lifetime of the token (defaults to the exp claim of the token)")
	f.StringVar(&apiEndpointFlag, "apiEndpoint", "", "API endpoint to connect to (defaults to value in config)")

	return cmd
}

// Do verifies the token against the remote service and stores it as the
// account credential
func Do(c stdctx.Context, ctx context.Ctx, store remote.Store, token string, expiresIn time.Duration) (credentials.Auth, error) {
	var expiration int64
	if expiresIn > 0 {
		expiration = ctx.Clock.Now().Add(expiresIn).UnixMilli()
	}

	a, err := infra.Authenticate(c, store, token, expiration)
	if err != nil {
		return a, errors.Wrap(err, "verifying the token")
	}

	stack := infra.NewStack(ctx, store, nil, nil)
	if err := stack.Credentials.Save(credentials.AccountScope, a); err != nil {
		return a, errors.Wrap(err, "saving the credential")
	}
	if err := ctx.DB.UpdateSystem(database.SystemCurrentUser, a.UserID); err != nil {
		return a, errors.Wrap(err, "saving the current user")
	}

	return a, nil
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no token given and stdin is not a terminal. Use --token")
	}

	log.Askf("token", true)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", errors.Wrap(err, "reading token")
	}

	return strings.TrimSpace(string(b)), nil
}

func newRun(ctx context.Ctx) infra.RunEFunc {
	return func(cmd *cobra.Command, args []string) error {
		if apiEndpointFlag != "" {
			ctx.APIEndpoint = apiEndpointFlag
		}

		token := tokenFlag
		if token == "" {
			var err error
			if token, err = readToken(); err != nil {
				return err
			}
		}

		store := remote.NewHTTPStore(ctx.APIEndpoint, ctx.Version, ctx.HTTPClient)
		a, err := Do(cmd.Context(), ctx, store, token, expiresInFlag)
		if err != nil {
			return errors.Wrap(err, "logging in")
		}

		log.Successf("logged in as user %d\n", a.UserID)

		return nil
	}
}
