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
	"time"

	"github.com/dnote/notesync/pkg/models"
	"github.com/pkg/errors"
)

const (
	// SystemDeviceID is the key for the identifier of this installation
	SystemDeviceID = "device_id"
	// SystemSecretSalt is the key for the salt of the secret store key
	SystemSecretSalt = "secret_salt"
	// SystemCurrentUser is the key for the id of the signed in user
	SystemCurrentUser = "current_user"
)

// GetSystem scans the value of the system configuration with the given key into dest
func (d *DB) GetSystem(key string, dest interface{}) error {
	err := d.conn.QueryRow("SELECT value FROM system WHERE key = ?", key).Scan(dest)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "system key %s", key)
	} else if err != nil {
		return errors.Wrapf(err, "finding system configuration record %s", key)
	}

	return nil
}

// UpdateSystem inserts or replaces the system configuration with the given key
func (d *DB) UpdateSystem(key string, val interface{}) error {
	if _, err := d.conn.Exec("INSERT INTO system (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, val); err != nil {
		return errors.Wrapf(err, "updating system config for %s", key)
	}

	return nil
}

// DeleteSystem deletes the system configuration with the given key
func (d *DB) DeleteSystem(key string) error {
	if _, err := d.conn.Exec("DELETE FROM system WHERE key = ?", key); err != nil {
		return errors.Wrapf(err, "deleting system config for %s", key)
	}

	return nil
}

// GetSetting returns the setting with the given key
func (d *DB) GetSetting(key string) ([]byte, bool, error) {
	var ret []byte
	err := d.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&ret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "reading setting %s", key)
	}

	return ret, true, nil
}

// PutSetting inserts or replaces the setting with the given key
func (d *DB) PutSetting(key string, value []byte) error {
	if _, err := d.conn.Exec("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value); err != nil {
		return errors.Wrapf(err, "writing setting %s", key)
	}

	return nil
}

// DeleteSetting deletes the setting with the given key
func (d *DB) DeleteSetting(key string) error {
	if _, err := d.conn.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return errors.Wrapf(err, "deleting setting %s", key)
	}

	return nil
}

// FindUser finds the user with the given id
func (d *DB) FindUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := d.conn.QueryRowContext(ctx, "SELECT id, username, email, service_level, shard_id, updated FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Username, &u.Email, &u.ServiceLevel, &u.ShardID, &u.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "finding user %d", id)
	}

	return &u, nil
}

// AddUser inserts a user
func (d *DB) AddUser(ctx context.Context, u models.User) error {
	_, err := d.execContext(ctx, "INSERT INTO users (id, username, email, service_level, shard_id, updated) VALUES (?, ?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.ServiceLevel, u.ShardID, u.Updated)
	if err != nil {
		return errors.Wrapf(err, "inserting user %d", u.ID)
	}

	return nil
}

// UpdateUser overwrites a user
func (d *DB) UpdateUser(ctx context.Context, u models.User) error {
	res, err := d.execContext(ctx, "UPDATE users SET username = ?, email = ?, service_level = ?, shard_id = ?, updated = ? WHERE id = ?",
		u.Username, u.Email, u.ServiceLevel, u.ShardID, u.Updated, u.ID)
	if err != nil {
		return errors.Wrapf(err, "updating user %d", u.ID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "counting affected rows")
	} else if n == 0 {
		return errors.Wrapf(ErrNotFound, "updating user %d", u.ID)
	}

	return nil
}

// AddConflict records a conflict
func (d *DB) AddConflict(ctx context.Context, c models.Conflict) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err := d.execContext(ctx, "INSERT INTO conflicts (kind, guid, local_id, conflict_local_id, report, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		int(c.Kind), c.GUID, c.LocalID, c.ConflictLocalID, c.Report, c.CreatedAt.UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "recording conflict of %s %s", c.Kind, c.GUID)
	}

	return nil
}

// ListConflicts returns the recorded conflicts, most recent first
func (d *DB) ListConflicts(ctx context.Context) ([]models.Conflict, error) {
	rows, err := d.conn.QueryContext(ctx, "SELECT id, kind, guid, local_id, conflict_local_id, report, created_at FROM conflicts ORDER BY id DESC")
	if err != nil {
		return nil, errors.Wrap(err, "querying conflicts")
	}
	defer rows.Close()

	ret := []models.Conflict{}
	for rows.Next() {
		var c models.Conflict
		var kind int
		var createdAt int64
		if err := rows.Scan(&c.ID, &kind, &c.GUID, &c.LocalID, &c.ConflictLocalID, &c.Report, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scanning conflict")
		}
		c.Kind = models.Kind(kind)
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		ret = append(ret, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating conflicts")
	}

	return ret, nil
}
