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

// Package dirs resolves the XDG base directories of the user
package dirs

import (
	"os"
	"os/user"
	"path/filepath"
)

// The environment variable names for the XDG base directory specification
const (
	envConfigHome = "XDG_CONFIG_HOME"
	envDataHome   = "XDG_DATA_HOME"
	envCacheHome  = "XDG_CACHE_HOME"
)

var (
	// Home is the home directory of the user
	Home string
	// ConfigHome is the directory in which user-specific configurations
	// should be written
	ConfigHome string
	// DataHome is the directory in which user-specific data files should be
	// written
	DataHome string
	// CacheHome is the directory in which user-specific non-essential data
	// should be written
	CacheHome string
)

func init() {
	Reload()
}

// Reload reads the directory definitions from the environment again
func Reload() {
	Home = homeDir()
	ConfigHome = readPath(envConfigHome, filepath.Join(Home, ".config"))
	DataHome = readPath(envDataHome, filepath.Join(Home, ".local", "share"))
	CacheHome = readPath(envCacheHome, filepath.Join(Home, ".cache"))
}

// App holds the directories of one application
type App struct {
	Config string
	Data   string
	Cache  string
}

// ForApp returns the directories of the application with the given name
func ForApp(name string) App {
	return App{
		Config: filepath.Join(ConfigHome, name),
		Data:   filepath.Join(DataHome, name),
		Cache:  filepath.Join(CacheHome, name),
	}
}

// Ensure creates the directories if they do not exist
func (a App) Ensure() error {
	for _, dir := range []string{a.Config, a.Data, a.Cache} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func homeDir() string {
	if dir := os.Getenv("HOME"); dir != "" {
		return dir
	}

	usr, err := user.Current()
	if err != nil {
		return os.TempDir()
	}

	return usr.HomeDir
}

func readPath(envName, defaultPath string) string {
	if dir := os.Getenv(envName); dir != "" {
		return dir
	}

	return defaultPath
}
