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
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/dnote/notesync/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// nullableGUID stores an empty guid as NULL so that local-only entities do
// not collide on the unique guid index
type nullableGUID struct {
	s *string
}

func (g nullableGUID) Value() (driver.Value, error) {
	if *g.s == "" {
		return nil, nil
	}

	return *g.s, nil
}

func (g nullableGUID) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*g.s = ""
	case string:
		*g.s = v
	case []byte:
		*g.s = string(v)
	default:
		return errors.Errorf("unsupported guid type %T", src)
	}

	return nil
}

var metaColumns = []string{"local_id", "guid", "usn", "dirty", "linked_notebook_guid"}

func metaFields(m *models.SyncMeta) []interface{} {
	return []interface{}{&m.LocalID, nullableGUID{&m.GUID}, &m.USN, &m.Dirty, &m.LinkedNotebookGUID}
}

// schema maps an entity type onto its table
type schema[T any] struct {
	kind    models.Kind
	table   string
	columns []string
	fields  func(*T) []interface{}
	meta    func(*T) *models.SyncMeta

	beforeWrite   func(ctx context.Context, d *DB, e *T) error
	afterWrite    func(ctx context.Context, d *DB, e *T) error
	afterLoad     func(ctx context.Context, d *DB, e *T) error
	beforeExpunge func(ctx context.Context, d *DB, localID string) error
}

// Repo stores the entities of one kind
type Repo[T any] struct {
	db *DB
	s  schema[T]
}

// NamedRepo stores entities that carry a unique name
type NamedRepo[T any] struct {
	*Repo[T]
}

func newRepo[T any](db *DB, s schema[T]) *Repo[T] {
	return &Repo[T]{db: db, s: s}
}

func (r *Repo[T]) allColumns() []string {
	return append(append([]string{}, metaColumns...), r.s.columns...)
}

func (r *Repo[T]) dest(e *T) []interface{} {
	return append(metaFields(r.s.meta(e)), r.s.fields(e)...)
}

func (r *Repo[T]) selectQuery(where string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(r.allColumns(), ", "), r.s.table, where)
}

func (r *Repo[T]) findOne(ctx context.Context, where string, args ...interface{}) (*T, error) {
	var e T
	err := r.db.conn.QueryRowContext(ctx, r.selectQuery(where), args...).Scan(r.dest(&e)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "querying %s", r.s.table)
	}

	if r.s.afterLoad != nil {
		if err := r.s.afterLoad(ctx, r.db, &e); err != nil {
			return nil, errors.Wrapf(err, "loading %s", r.s.kind)
		}
	}

	return &e, nil
}

func (r *Repo[T]) findMany(ctx context.Context, where string, args ...interface{}) ([]T, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.selectQuery(where), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", r.s.table)
	}

	ret := []T{}
	for rows.Next() {
		var e T
		if err := rows.Scan(r.dest(&e)...); err != nil {
			rows.Close()
			return nil, errors.Wrapf(err, "scanning %s", r.s.table)
		}
		ret = append(ret, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrapf(err, "iterating %s", r.s.table)
	}
	rows.Close()

	// related rows are loaded after the cursor is released since the
	// database has a single connection
	if r.s.afterLoad != nil {
		for i := range ret {
			if err := r.s.afterLoad(ctx, r.db, &ret[i]); err != nil {
				return nil, errors.Wrapf(err, "loading %s", r.s.kind)
			}
		}
	}

	return ret, nil
}

// FindByGUID finds the entity with the given guid
func (r *Repo[T]) FindByGUID(ctx context.Context, guid string) (*T, error) {
	return r.findOne(ctx, "guid = ?", guid)
}

// FindByLocalID finds the entity with the given local id
func (r *Repo[T]) FindByLocalID(ctx context.Context, localID string) (*T, error) {
	return r.findOne(ctx, "local_id = ?", localID)
}

// List returns every entity
func (r *Repo[T]) List(ctx context.Context) ([]T, error) {
	return r.findMany(ctx, "1 = 1 ORDER BY rowid")
}

// ListDirty returns the locally modified entities of the own account
func (r *Repo[T]) ListDirty(ctx context.Context) ([]T, error) {
	return r.findMany(ctx, "dirty = 1 AND linked_notebook_guid = '' ORDER BY rowid")
}

// Count returns the number of stored entities
func (r *Repo[T]) Count(ctx context.Context) (int, error) {
	var ret int
	q := fmt.Sprintf("SELECT count(*) FROM %s", r.s.table)
	if err := r.db.conn.QueryRowContext(ctx, q).Scan(&ret); err != nil {
		return 0, errors.Wrapf(err, "counting %s", r.s.table)
	}

	return ret, nil
}

// Add inserts a new entity. A local id is assigned if it has none.
func (r *Repo[T]) Add(ctx context.Context, e *T) error {
	m := r.s.meta(e)
	if m.LocalID == "" {
		m.LocalID = uuid.New().String()
	}

	if r.s.beforeWrite != nil {
		if err := r.s.beforeWrite(ctx, r.db, e); err != nil {
			return errors.Wrapf(err, "preparing %s", r.s.kind)
		}
	}

	if err := r.insert(ctx, e); err != nil {
		return err
	}

	if r.s.afterWrite != nil {
		if err := r.s.afterWrite(ctx, r.db, e); err != nil {
			return errors.Wrapf(err, "writing related rows of %s", r.s.kind)
		}
	}

	r.db.publish(models.ChangeEvent{Kind: r.s.kind, Op: models.OpPut, GUID: m.GUID, LocalID: m.LocalID})

	return nil
}

// insert writes the row without running hooks or notifying subscribers
func (r *Repo[T]) insert(ctx context.Context, e *T) error {
	cols := r.allColumns()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", r.s.table, strings.Join(cols, ", "), placeholders)

	if _, err := r.db.execContext(ctx, q, r.dest(e)...); err != nil {
		return errors.Wrapf(err, "inserting %s with guid '%s'", r.s.kind, r.s.meta(e).GUID)
	}

	return nil
}

// Update overwrites the entity identified by its local id
func (r *Repo[T]) Update(ctx context.Context, e *T) error {
	m := r.s.meta(e)
	if m.LocalID == "" {
		return errors.Errorf("updating %s without a local id", r.s.kind)
	}

	if r.s.beforeWrite != nil {
		if err := r.s.beforeWrite(ctx, r.db, e); err != nil {
			return errors.Wrapf(err, "preparing %s", r.s.kind)
		}
	}

	cols := r.allColumns()[1:]
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = ?", c)
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE local_id = ?", r.s.table, strings.Join(sets, ", "))

	args := append(r.dest(e)[1:], m.LocalID)
	res, err := r.db.execContext(ctx, q, args...)
	if err != nil {
		return errors.Wrapf(err, "updating %s with local id '%s'", r.s.kind, m.LocalID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "counting affected rows")
	} else if n == 0 {
		return errors.Wrapf(ErrNotFound, "updating %s with local id '%s'", r.s.kind, m.LocalID)
	}

	if r.s.afterWrite != nil {
		if err := r.s.afterWrite(ctx, r.db, e); err != nil {
			return errors.Wrapf(err, "writing related rows of %s", r.s.kind)
		}
	}

	r.db.publish(models.ChangeEvent{Kind: r.s.kind, Op: models.OpUpdate, GUID: m.GUID, LocalID: m.LocalID})

	return nil
}

// Expunge hard-deletes the entity with the given guid. It returns
// ErrNotFound if no such entity exists.
func (r *Repo[T]) Expunge(ctx context.Context, guid string) error {
	var localID string
	q := fmt.Sprintf("SELECT local_id FROM %s WHERE guid = ?", r.s.table)
	err := r.db.conn.QueryRowContext(ctx, q, guid).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return errors.Wrapf(err, "finding %s to expunge", r.s.kind)
	}

	if r.s.beforeExpunge != nil {
		if err := r.s.beforeExpunge(ctx, r.db, localID); err != nil {
			return errors.Wrapf(err, "expunging related rows of %s", r.s.kind)
		}
	}

	q = fmt.Sprintf("DELETE FROM %s WHERE local_id = ?", r.s.table)
	if _, err := r.db.execContext(ctx, q, localID); err != nil {
		return errors.Wrapf(err, "expunging %s with guid '%s'", r.s.kind, guid)
	}

	r.db.publish(models.ChangeEvent{Kind: r.s.kind, Op: models.OpExpunge, GUID: guid, LocalID: localID})

	return nil
}

// FindByName finds the entity with the given name, compared case
// insensitively, within the own account or the given linked notebook
func (r *NamedRepo[T]) FindByName(ctx context.Context, name, linkedNotebookGUID string) (*T, error) {
	return r.findOne(ctx, "name = ? COLLATE NOCASE AND linked_notebook_guid = ? ORDER BY rowid LIMIT 1", name, linkedNotebookGUID)
}
