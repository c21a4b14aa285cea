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

// Package infra initializes the runtime of the CLI and wires the
// synchronization stack
package infra

import (
	"os"

	"github.com/dnote/notesync/pkg/cli/config"
	"github.com/dnote/notesync/pkg/cli/consts"
	"github.com/dnote/notesync/pkg/cli/context"
	clilog "github.com/dnote/notesync/pkg/cli/log"
	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RunEFunc is a function type of notesync commands
type RunEFunc func(*cobra.Command, []string) error

// Init initializes the notesync environment and returns a new context.
// apiEndpoint is written to a new config file; dbPath overrides the default
// location of the database.
func Init(versionTag, apiEndpoint, dbPath string) (*context.Ctx, error) {
	paths := context.NewPaths()
	if err := paths.Ensure(); err != nil {
		return nil, errors.Wrap(err, "creating the notesync dirs")
	}

	if err := config.Init(paths, apiEndpoint); err != nil {
		return nil, errors.Wrap(err, "generating the config file")
	}
	cf, err := config.Load(paths)
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}

	setupLogging(paths, cf)

	if dbPath == "" {
		dbPath = paths.DBFile()
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to db")
	}

	ctx, err := setupCtx(paths, versionTag, cf, db)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting up the context")
	}

	clilog.Debug("context: %s %s %s\n", ctx.APIEndpoint, dbPath, ctx.Version)

	return ctx, nil
}

// setupLogging routes the structured log to a rotating file
func setupLogging(paths context.Paths, cf config.Config) {
	path := cf.LogFile
	if path == "" {
		path = paths.LogFile()
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	})

	// validated on load
	level, _ := log.ParseLevel(cf.LogLevel)
	if clilog.IsDebug() {
		level = log.LevelDebug
	}
	log.SetLevel(level)
}

func setupCtx(paths context.Paths, versionTag string, cf config.Config, db *database.DB) (*context.Ctx, error) {
	deviceID, err := InitSystem(db)
	if err != nil {
		return nil, errors.Wrap(err, "initializing system data")
	}

	passphrase := os.Getenv(consts.EnvPassphrase)
	if passphrase == "" {
		passphrase = deviceID
	}
	secrets, err := database.NewSecretStore(db, []byte(passphrase))
	if err != nil {
		return nil, errors.Wrap(err, "opening the secret store")
	}

	return &context.Ctx{
		Paths:              paths,
		Version:            versionTag,
		DB:                 db,
		Clock:              clock.New(),
		Secrets:            secrets,
		APIEndpoint:        cf.APIEndpoint,
		PageSize:           cf.PageSize,
		DownloadInkImages:  cf.DownloadInkImages,
		DownloadThumbnails: cf.DownloadThumbnails,
		Schedule:           cf.Schedule,
		MaxRounds:          cf.MaxRounds,
	}, nil
}

// InitSystem generates the device id on first run and returns it
func InitSystem(db *database.DB) (string, error) {
	var id string
	err := db.GetSystem(database.SystemDeviceID, &id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return "", errors.Wrap(err, "reading device id")
	}

	id = uuid.NewString()
	if err := db.UpdateSystem(database.SystemDeviceID, id); err != nil {
		return "", errors.Wrap(err, "saving device id")
	}

	return id, nil
}

// CurrentUser returns the id of the signed in user
func CurrentUser(db *database.DB) (int64, bool, error) {
	var id int64
	err := db.GetSystem(database.SystemCurrentUser, &id)
	if errors.Is(err, database.ErrNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, errors.Wrap(err, "reading current user")
	}

	return id, true, nil
}
