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
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// ErrSecretCorrupted is returned when a secret cannot be decrypted
var ErrSecretCorrupted = errors.New("secret cannot be decrypted")

const (
	saltLen = 16
	keyLen  = 32
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// SecretStore keeps secrets encrypted at rest
type SecretStore struct {
	db  *DB
	key [keyLen]byte
}

func (d *DB) secretSalt() ([]byte, error) {
	var encoded string
	err := d.GetSystem(SystemSecretSalt, &encoded)
	if err == nil {
		salt, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, errors.Wrap(err, "decoding salt")
		}
		return salt, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "generating salt")
	}
	if err := d.UpdateSystem(SystemSecretSalt, hex.EncodeToString(salt)); err != nil {
		return nil, errors.Wrap(err, "saving salt")
	}

	return salt, nil
}

// NewSecretStore returns a secret store whose key is derived from the passphrase
func NewSecretStore(db *DB, passphrase []byte) (*SecretStore, error) {
	salt, err := db.secretSalt()
	if err != nil {
		return nil, errors.Wrap(err, "getting salt")
	}

	k, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, errors.Wrap(err, "deriving key")
	}

	s := &SecretStore{db: db}
	copy(s.key[:], k)

	return s, nil
}

// Get returns the secret with the given key
func (s *SecretStore) Get(key string) (string, bool, error) {
	var nonceBytes, box []byte
	err := s.db.conn.QueryRow("SELECT nonce, value FROM secrets WHERE key = ?", key).Scan(&nonceBytes, &box)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, errors.Wrapf(err, "reading secret %s", key)
	}

	var nonce [24]byte
	if len(nonceBytes) != len(nonce) {
		return "", false, errors.Wrapf(ErrSecretCorrupted, "secret %s", key)
	}
	copy(nonce[:], nonceBytes)

	plain, ok := secretbox.Open(nil, box, &nonce, &s.key)
	if !ok {
		return "", false, errors.Wrapf(ErrSecretCorrupted, "secret %s", key)
	}

	return string(plain), true, nil
}

// Put encrypts and stores the secret with the given key
func (s *SecretStore) Put(key, value string) error {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return errors.Wrap(err, "generating nonce")
	}

	box := secretbox.Seal(nil, []byte(value), &nonce, &s.key)

	_, err := s.db.conn.Exec("INSERT INTO secrets (key, nonce, value) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET nonce = excluded.nonce, value = excluded.value",
		key, nonce[:], box)
	if err != nil {
		return errors.Wrapf(err, "writing secret %s", key)
	}

	return nil
}

// Delete removes the secret with the given key
func (s *SecretStore) Delete(key string) error {
	if _, err := s.db.conn.Exec("DELETE FROM secrets WHERE key = ?", key); err != nil {
		return errors.Wrapf(err, "deleting secret %s", key)
	}

	return nil
}
