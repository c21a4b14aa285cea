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

package database

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func fail(t *testing.T, err error, what, message string) {
	t.Helper()
	t.Fatal(errors.Wrap(errors.Wrap(err, what), message))
}

// MustScan scans row into args
func MustScan(t *testing.T, message string, row *sql.Row, args ...interface{}) {
	t.Helper()
	if err := row.Scan(args...); err != nil {
		fail(t, err, "scanning a row", message)
	}
}

// MustExec runs query against db
func MustExec(t *testing.T, message string, db *DB, query string, args ...interface{}) sql.Result {
	t.Helper()
	result, err := db.Exec(query, args...)
	if err != nil {
		fail(t, err, "executing sql", message)
	}

	return result
}

func openTestDB(t *testing.T, dsn string) *DB {
	t.Helper()
	db, err := Open(dsn)
	if err != nil {
		t.Fatal(errors.Wrapf(err, "opening test database %s", dsn))
	}
	t.Cleanup(func() { db.Close() })

	return db
}

// InitTestMemoryDB returns a migrated database private to the calling test
func InitTestMemoryDB(t *testing.T) *DB {
	return openTestDB(t, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
}

// InitTestFileDB returns a migrated database backed by a temporary file, and
// the path of that file
func InitTestFileDB(t *testing.T) (*DB, string) {
	path := filepath.Join(t.TempDir(), "notesync-test.db")
	return openTestDB(t, path), path
}
