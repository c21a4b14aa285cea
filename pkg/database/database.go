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

// Package database provides the local SQLite storage of synchronized data
package database

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/models"
	// sqlite driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
)

// ErrNotFound is returned when no row matches a lookup
var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	driverName = "sqlite3"
	// migrationTable is the table in which applied migrations are recorded
	migrationTable = "migrations"
	// subscriberBuffer is the capacity of a change notification channel
	subscriberBuffer = 256
)

// DB is the local database
type DB struct {
	conn *sql.DB

	tags            *NamedRepo[models.Tag]
	savedSearches   *NamedRepo[models.SavedSearch]
	notebooks       *NamedRepo[models.Notebook]
	notes           *Repo[models.Note]
	resources       *Repo[models.Resource]
	linkedNotebooks *Repo[models.LinkedNotebook]

	subMu   sync.Mutex
	subs    map[int]chan models.ChangeEvent
	nextSub int
}

// Open opens the database at the given path and migrates its schema
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening db connection")
	}

	// SQLite allows a single writer. Serializing on one connection avoids
	// lock errors under concurrent requests.
	conn.SetMaxOpenConns(1)

	db := &DB{
		conn: conn,
		subs: map[int]chan models.ChangeEvent{},
	}
	db.initRepos()

	if err := db.Migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrating")
	}

	return db, nil
}

// Migrate applies the pending schema migrations
func (d *DB) Migrate() error {
	migrate.SetTable(migrationTable)

	src := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "migrations",
	}

	n, err := migrate.Exec(d.conn, driverName, src, migrate.Up)
	if err != nil {
		return errors.Wrap(err, "running migrations")
	}

	if n > 0 {
		log.WithFields(log.Fields{"count": n}).Debug("applied migrations")
	}

	return nil
}

// Close closes the database and every change subscription
func (d *DB) Close() error {
	d.subMu.Lock()
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
	d.subMu.Unlock()

	return d.conn.Close()
}

// Exec executes a query without returning any rows
func (d *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return d.conn.Exec(query, args...)
}

// QueryRow executes a query that is expected to return at most one row
func (d *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

func (d *DB) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.conn.ExecContext(ctx, query, args...)
}

// Subscribe returns a channel receiving every change written to the
// database and a function cancelling the subscription. Events are dropped
// when the subscriber does not keep up.
func (d *DB) Subscribe() (<-chan models.ChangeEvent, func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	id := d.nextSub
	d.nextSub++

	ch := make(chan models.ChangeEvent, subscriberBuffer)
	d.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()

			if c, ok := d.subs[id]; ok {
				close(c)
				delete(d.subs, id)
			}
		})
	}

	return ch, cancel
}

func (d *DB) publish(e models.ChangeEvent) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	for _, ch := range d.subs {
		select {
		case ch <- e:
		default:
			log.WithFields(log.Fields{"kind": e.Kind.String(), "guid": e.GUID}).Warn("dropping change notification")
		}
	}
}
