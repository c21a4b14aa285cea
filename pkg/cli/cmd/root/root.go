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

package root

import (
	"github.com/spf13/cobra"
)

var dbPathFlag string

var root = &cobra.Command{
	Use:           "notesync",
	Short:         "Keep a local note database in sync with the remote service",
	Long: `notesync downloads the remote changelog of an account and of the
notebooks shared with it into a local database, and uploads local edits back.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func init() {
	// parsed ahead of cobra in main, declared here so that cobra accepts it
	root.PersistentFlags().StringVar(&dbPathFlag, "dbPath", "", "local database file (defaults to the XDG data directory)")
}

// Register adds cmd as a subcommand of notesync
func Register(cmd *cobra.Command) {
	root.AddCommand(cmd)
}

// Execute parses os.Args and runs the matching subcommand
func Execute() error {
	return root.Execute()
}
