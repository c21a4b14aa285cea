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

// Package context defines the runtime context of the CLI
package context

import (
	"net/http"
	"path/filepath"

	"github.com/dnote/notesync/pkg/cli/consts"
	"github.com/dnote/notesync/pkg/clock"
	"github.com/dnote/notesync/pkg/database"
	"github.com/dnote/notesync/pkg/dirs"
)

// Paths contain the directories of notesync
type Paths struct {
	Config string
	Data   string
	Cache  string
}

// NewPaths returns the paths under the XDG base directories
func NewPaths() Paths {
	app := dirs.ForApp(consts.DirName)

	return Paths{
		Config: app.Config,
		Data:   app.Data,
		Cache:  app.Cache,
	}
}

// Ensure creates the directories
func (p Paths) Ensure() error {
	return dirs.App{Config: p.Config, Data: p.Data, Cache: p.Cache}.Ensure()
}

// ConfigFile is the path of the config file
func (p Paths) ConfigFile() string {
	return filepath.Join(p.Config, consts.ConfigFilename)
}

// EnvFile is the path of the optional file of environment overrides
func (p Paths) EnvFile() string {
	return filepath.Join(p.Config, consts.EnvFilename)
}

// DBFile is the default path of the database
func (p Paths) DBFile() string {
	return filepath.Join(p.Data, consts.DBFileName)
}

// LogFile is the default path of the log file
func (p Paths) LogFile() string {
	return filepath.Join(p.Cache, consts.LogFilename)
}

// MediaDir is the directory of downloaded images
func (p Paths) MediaDir() string {
	return filepath.Join(p.Cache, consts.MediaDirName)
}

// Ctx is a context holding the information of the current runtime
type Ctx struct {
	Paths   Paths
	Version string
	DB      *database.DB
	Clock   clock.Clock
	// Secrets holds the credentials. It is nil until opened.
	Secrets    *database.SecretStore
	HTTPClient *http.Client

	APIEndpoint        string
	PageSize           int
	DownloadInkImages  bool
	DownloadThumbnails bool
	Schedule           string
	MaxRounds          int
}
