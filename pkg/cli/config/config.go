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

// Package config reads and validates the configuration of notesync
package config

import (
	"net/url"
	"os"
	"strconv"

	"github.com/dnote/notesync/pkg/cli/consts"
	"github.com/dnote/notesync/pkg/cli/context"
	"github.com/dnote/notesync/pkg/coordinator"
	"github.com/dnote/notesync/pkg/log"
	"github.com/dnote/notesync/pkg/sync"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"gopkg.in/yaml.v2"
)

const (
	// DefaultAPIEndpoint is the API endpoint used when none is configured
	DefaultAPIEndpoint = "http://localhost:3001/api"
	// MaxPageSize is the largest number of changelog entries per chunk
	MaxPageSize = 250
)

// Config holds notesync configuration
type Config struct {
	APIEndpoint        string `yaml:"apiEndpoint"`
	PageSize           int    `yaml:"pageSize"`
	DownloadInkImages  bool   `yaml:"downloadInkImages"`
	DownloadThumbnails bool   `yaml:"downloadThumbnails"`
	Schedule           string `yaml:"schedule"`
	MaxRounds          int    `yaml:"maxRounds"`
	LogLevel           string `yaml:"logLevel"`
	// LogFile is the path of the log file. Empty means the default path.
	LogFile string `yaml:"logFile"`
}

// Default returns the configuration written on first run
func Default(apiEndpoint string) Config {
	if apiEndpoint == "" {
		apiEndpoint = DefaultAPIEndpoint
	}

	return Config{
		APIEndpoint:        apiEndpoint,
		PageSize:           sync.DefaultPageSize,
		DownloadInkImages:  true,
		DownloadThumbnails: true,
		Schedule:           coordinator.DefaultSchedule,
		MaxRounds:          coordinator.DefaultMaxRounds,
		LogLevel:           "info",
	}
}

// Read reads the config file
func Read(paths context.Paths) (Config, error) {
	var ret Config

	b, err := os.ReadFile(paths.ConfigFile())
	if err != nil {
		return ret, errors.Wrap(err, "reading config file")
	}

	if err := yaml.Unmarshal(b, &ret); err != nil {
		return ret, errors.Wrap(err, "unmarshalling config")
	}

	return ret, nil
}

// Write writes the config to the config file
func Write(paths context.Paths, cf Config) error {
	b, err := yaml.Marshal(cf)
	if err != nil {
		return errors.Wrap(err, "marshalling config into YAML")
	}

	if err := os.WriteFile(paths.ConfigFile(), b, 0644); err != nil {
		return errors.Wrap(err, "writing the config file")
	}

	return nil
}

// Init writes the default config file if it does not exist yet
func Init(paths context.Paths, apiEndpoint string) error {
	_, err := os.Stat(paths.ConfigFile())
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrap(err, "checking if config exists")
	}

	return Write(paths, Default(apiEndpoint))
}

// Load reads the config file, applies the environment overrides and
// validates the result. Variables from the .env file of the config directory
// never override variables already set.
func Load(paths context.Paths) (Config, error) {
	if err := godotenv.Load(paths.EnvFile()); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Config{}, errors.Wrap(err, "loading env file")
	}

	cf, err := Read(paths)
	if err != nil {
		return cf, err
	}

	if err := cf.ApplyEnv(); err != nil {
		return cf, errors.Wrap(err, "applying environment")
	}
	cf.fillDefaults()

	if err := cf.Validate(); err != nil {
		return cf, errors.Wrap(err, "validating config")
	}

	return cf, nil
}

func env(name string) (string, bool) {
	return os.LookupEnv(consts.EnvPrefix + name)
}

func envBool(name string, dest *bool) error {
	v, ok := env(name)
	if !ok {
		return nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return errors.Wrapf(err, "parsing %s%s", consts.EnvPrefix, name)
	}
	*dest = b

	return nil
}

func envInt(name string, dest *int) error {
	v, ok := env(name)
	if !ok {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "parsing %s%s", consts.EnvPrefix, name)
	}
	*dest = n

	return nil
}

// ApplyEnv overrides the values set by NOTESYNC_* environment variables
func (c *Config) ApplyEnv() error {
	if v, ok := env("API_ENDPOINT"); ok {
		c.APIEndpoint = v
	}
	if v, ok := env("SCHEDULE"); ok {
		c.Schedule = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := env("LOG_FILE"); ok {
		c.LogFile = v
	}

	if err := envInt("PAGE_SIZE", &c.PageSize); err != nil {
		return err
	}
	if err := envInt("MAX_ROUNDS", &c.MaxRounds); err != nil {
		return err
	}
	if err := envBool("DOWNLOAD_INK_IMAGES", &c.DownloadInkImages); err != nil {
		return err
	}
	if err := envBool("DOWNLOAD_THUMBNAILS", &c.DownloadThumbnails); err != nil {
		return err
	}

	return nil
}

func (c *Config) fillDefaults() {
	if c.PageSize == 0 {
		c.PageSize = sync.DefaultPageSize
	}
	if c.Schedule == "" {
		c.Schedule = coordinator.DefaultSchedule
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = coordinator.DefaultMaxRounds
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

var (
	// ErrInvalidEndpoint is returned for an API endpoint that is not an http(s) URL
	ErrInvalidEndpoint = errors.New("apiEndpoint must be an http or https URL")
	// ErrInvalidPageSize is returned for a page size out of range
	ErrInvalidPageSize = errors.New("pageSize is out of range")
	// ErrInvalidMaxRounds is returned for a non positive number of rounds
	ErrInvalidMaxRounds = errors.New("maxRounds must be positive")
	// ErrInvalidLogLevel is returned for an unknown log level
	ErrInvalidLogLevel = errors.New("logLevel must be one of debug, info, warn, error")
)

// Validate checks the configuration
func (c Config) Validate() error {
	u, err := url.Parse(c.APIEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Wrapf(ErrInvalidEndpoint, "got %q", c.APIEndpoint)
	}

	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return errors.Wrapf(ErrInvalidPageSize, "got %d, want between 1 and %d", c.PageSize, MaxPageSize)
	}
	if c.MaxRounds < 1 {
		return errors.Wrapf(ErrInvalidMaxRounds, "got %d", c.MaxRounds)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(ErrInvalidLogLevel, err.Error())
	}

	if _, err := cron.Parse(c.Schedule); err != nil {
		return errors.Wrapf(err, "parsing schedule %q", c.Schedule)
	}

	return nil
}
