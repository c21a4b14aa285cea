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

package context

import (
	"testing"

	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/database"
	"github.com/pkg/errors"
)

// InitTestCtx initializes a test context with an in-memory database and a
// temporary directory for all paths
func InitTestCtx(t *testing.T) Ctx {
	tmpDir := t.TempDir()
	paths := Paths{Config: tmpDir, Data: tmpDir, Cache: tmpDir}

	if err := paths.Ensure(); err != nil {
		t.Fatal(errors.Wrap(err, "creating test directories"))
	}

	db := database.InitTestMemoryDB(t)
	secrets, err := database.NewSecretStore(db, []byte("test"))
	if err != nil {
		t.Fatal(errors.Wrap(err, "opening secret store"))
	}

	return Ctx{
		DB:      db,
		Paths:   paths,
		Clock:   clock.NewMock(),
		Secrets: secrets,
		Version: "test",
	}
}
