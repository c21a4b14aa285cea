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

// Package settings persists the synchronization checkpoints and cached
// account data of each account
package settings

import (
	"fmt"
	"sort"
	"time"

	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/models"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrCheckpointRegression is returned when saving a checkpoint older than the stored one
var ErrCheckpointRegression = errors.New("checkpoint update count went backwards")

// AccountLimitsTTL is how long cached account limits stay fresh
const AccountLimitsTTL = 30 * 24 * time.Hour

const (
	keyCheckpoints   = "sync/checkpoints"
	keyFullSyncDone  = "sync/full_sync_done"
	keyAccountLimits = "account/limits"
)

// Backend is the key-value storage of settings
type Backend interface {
	GetSetting(key string) ([]byte, bool, error)
	PutSetting(key string, value []byte) error
	DeleteSetting(key string) error
}

// Store reads and writes the settings of one account
type Store struct {
	backend Backend
	userID  int64
	clock   clock.Clock
}

// New returns the settings of the given account
func New(b Backend, userID int64, c clock.Clock) *Store {
	return &Store{
		backend: b,
		userID:  userID,
		clock:   c,
	}
}

func (s *Store) key(name string) string {
	return fmt.Sprintf("%d/%s", s.userID, name)
}

func (s *Store) read(name string, v interface{}) (bool, error) {
	b, ok, err := s.backend.GetSetting(s.key(name))
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", name)
	}
	if !ok {
		return false, nil
	}

	if err := msgpack.Unmarshal(b, v); err != nil {
		return false, errors.Wrapf(err, "decoding %s", name)
	}

	return true, nil
}

func (s *Store) write(name string, v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", name)
	}

	if err := s.backend.PutSetting(s.key(name), b); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}

	return nil
}

type linkedCheckpointRecord struct {
	GUID            string `msgpack:"linked_notebook_guid"`
	LastUpdateCount int64  `msgpack:"last_update_count"`
	LastSyncTime    int64  `msgpack:"last_sync_time"`
}

type checkpointRecord struct {
	LastUpdateCount int64                    `msgpack:"last_update_count"`
	LastSyncTime    int64                    `msgpack:"last_sync_time"`
	LinkedNotebooks []linkedCheckpointRecord `msgpack:"linked_notebooks"`
}

// LoadCheckpoints returns the stored checkpoints, empty if none were saved
func (s *Store) LoadCheckpoints() (models.Checkpoints, error) {
	ret := models.NewCheckpoints()

	var rec checkpointRecord
	ok, err := s.read(keyCheckpoints, &rec)
	if err != nil || !ok {
		return ret, err
	}

	ret.Account = models.Checkpoint{UpdateCount: rec.LastUpdateCount, SyncTime: rec.LastSyncTime}
	for _, l := range rec.LinkedNotebooks {
		ret.LinkedNotebooks[l.GUID] = models.Checkpoint{UpdateCount: l.LastUpdateCount, SyncTime: l.LastSyncTime}
	}

	return ret, nil
}

// Resynced names the scopes synchronized from the start, whose update
// counts may move backwards
type Resynced struct {
	Account         bool
	LinkedNotebooks map[string]bool
}

// checkRegression reports the first scope whose update count would decrease.
// Linked notebooks missing from next were removed and are not compared.
func checkRegression(prev, next models.Checkpoints, resynced Resynced) error {
	if !resynced.Account && next.Account.UpdateCount < prev.Account.UpdateCount {
		return errors.Wrapf(ErrCheckpointRegression, "account: %d < %d", next.Account.UpdateCount, prev.Account.UpdateCount)
	}

	for guid, cp := range next.LinkedNotebooks {
		if resynced.LinkedNotebooks[guid] {
			continue
		}

		old, ok := prev.LinkedNotebooks[guid]
		if ok && cp.UpdateCount < old.UpdateCount {
			return errors.Wrapf(ErrCheckpointRegression, "linked notebook %s: %d < %d", guid, cp.UpdateCount, old.UpdateCount)
		}
	}

	return nil
}

// SaveCheckpoints stores the checkpoints. It refuses to move any scope's
// update count backwards.
func (s *Store) SaveCheckpoints(cp models.Checkpoints) error {
	return s.SaveResyncedCheckpoints(cp, Resynced{})
}

// SaveResyncedCheckpoints stores the checkpoints. Only the scopes in
// resynced may move backwards.
func (s *Store) SaveResyncedCheckpoints(cp models.Checkpoints, resynced Resynced) error {
	prev, err := s.LoadCheckpoints()
	if err != nil {
		return errors.Wrap(err, "loading previous checkpoints")
	}

	if err := checkRegression(prev, cp, resynced); err != nil {
		return err
	}

	return s.ReplaceCheckpoints(cp)
}

// ReplaceCheckpoints stores the checkpoints without comparing them to the
// stored ones. It is used after a full resynchronization.
func (s *Store) ReplaceCheckpoints(cp models.Checkpoints) error {
	rec := checkpointRecord{
		LastUpdateCount: cp.Account.UpdateCount,
		LastSyncTime:    cp.Account.SyncTime,
	}

	guids := make([]string, 0, len(cp.LinkedNotebooks))
	for guid := range cp.LinkedNotebooks {
		guids = append(guids, guid)
	}
	sort.Strings(guids)

	for _, guid := range guids {
		l := cp.LinkedNotebooks[guid]
		rec.LinkedNotebooks = append(rec.LinkedNotebooks, linkedCheckpointRecord{
			GUID:            guid,
			LastUpdateCount: l.UpdateCount,
			LastSyncTime:    l.SyncTime,
		})
	}

	return s.write(keyCheckpoints, rec)
}

// FullSyncDone tells, per scope, whether a full synchronization ever completed
type FullSyncDone struct {
	Account         bool            `msgpack:"account"`
	LinkedNotebooks map[string]bool `msgpack:"linked_notebooks"`
}

// LoadFullSyncDone returns the persisted full sync flags
func (s *Store) LoadFullSyncDone() (FullSyncDone, error) {
	ret := FullSyncDone{LinkedNotebooks: map[string]bool{}}

	if _, err := s.read(keyFullSyncDone, &ret); err != nil {
		return FullSyncDone{LinkedNotebooks: map[string]bool{}}, err
	}
	if ret.LinkedNotebooks == nil {
		ret.LinkedNotebooks = map[string]bool{}
	}

	return ret, nil
}

// SaveFullSyncDone persists the full sync flags
func (s *Store) SaveFullSyncDone(f FullSyncDone) error {
	return s.write(keyFullSyncDone, f)
}

// Reset forgets the checkpoints and full sync flags so that the next
// synchronization downloads everything
func (s *Store) Reset() error {
	for _, name := range []string{keyCheckpoints, keyFullSyncDone} {
		if err := s.backend.DeleteSetting(s.key(name)); err != nil {
			return errors.Wrapf(err, "deleting %s", name)
		}
	}

	return nil
}

type cachedLimits struct {
	Limits    models.AccountLimits `msgpack:"limits"`
	FetchedAt int64                `msgpack:"fetched_at"`
}

// LoadAccountLimits returns the cached account limits and whether they are
// still fresh
func (s *Store) LoadAccountLimits() (models.AccountLimits, bool, error) {
	var c cachedLimits
	ok, err := s.read(keyAccountLimits, &c)
	if err != nil || !ok {
		return models.AccountLimits{}, false, err
	}

	age := s.clock.Now().Sub(time.UnixMilli(c.FetchedAt))

	return c.Limits, age >= 0 && age < AccountLimitsTTL, nil
}

// SaveAccountLimits caches the account limits
func (s *Store) SaveAccountLimits(l models.AccountLimits) error {
	return s.write(keyAccountLimits, cachedLimits{Limits: l, FetchedAt: s.clock.Now().UnixMilli()})
}
