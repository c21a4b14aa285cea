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

// Package consts provides definitions of constants
package consts

var (
	// DirName is the name of the directory containing notesync files
	DirName = "notesync"
	// DBFileName is a filename for the notesync SQLite database
	DBFileName = "notesync.db"
	// ConfigFilename is the name of the config file
	ConfigFilename = "notesyncrc"
	// EnvFilename is the name of the optional file holding environment overrides
	EnvFilename = ".env"
	// LogFilename is the name of the rotating log file
	LogFilename = "notesync.log"
	// MediaDirName is the name of the directory holding downloaded images
	MediaDirName = "media"

	// EnvPrefix prefixes the environment variables read by notesync
	EnvPrefix = "NOTESYNC_"
	// EnvPassphrase names the variable holding the secret store passphrase
	EnvPassphrase = EnvPrefix + "PASSPHRASE"
	// EnvToken names the variable holding an account token for non-interactive use
	EnvToken = EnvPrefix + "TOKEN"
)
