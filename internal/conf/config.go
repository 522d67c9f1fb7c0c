// Package conf handles the configuration of the image acquisition pipeline.
package conf

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/birdimage-go/internal/errors"
)

// Settings contains all runtime configuration. The pipeline is a fixed batch
// job, so every value has a default and a config file is optional.
type Settings struct {
	Debug bool // true to enable debug level logging

	Main   MainSettings
	Input  InputSettings
	Export ExportSettings
	Fetch  FetchSettings
	Image  ImageSettings
}

// MainSettings contains process level settings.
type MainSettings struct {
	Name string      // name of the application
	Log  LogSettings // file logging settings
}

// LogSettings contains file logging settings.
type LogSettings struct {
	Enabled bool   // true to enable file logging
	Path    string // path to log file
}

// InputSettings describes the tabular record source.
type InputSettings struct {
	CSV string // path to the input CSV file
}

// ExportSettings describes where normalized images are written.
type ExportSettings struct {
	Path string // base output directory
}

// FetchSettings contains the HTTP acquisition parameters.
type FetchSettings struct {
	Timeout     time.Duration // per request timeout
	MaxRetries  int           // attempts per record, shared between fetch and normalize
	RetryDelay  time.Duration // fixed backoff between attempts
	RecordDelay time.Duration // pacing delay after every record
}

// ImageSettings contains the normalization parameters.
type ImageSettings struct {
	Width   int // target width in pixels
	Height  int // target height in pixels
	Quality int // JPEG quality, 1-100
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration into a new Settings struct. A missing config
// file is not an error; defaults cover every value.
func Load() (*Settings, error) {
	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()

	return settings, nil
}

// initViper sets defaults and reads the optional config file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file, run on defaults.
	}

	return nil
}

// validateSettings enforces the invariants the pipeline relies on.
func validateSettings(settings *Settings) error {
	if settings.Image.Width <= 0 || settings.Image.Height <= 0 {
		return errors.Newf("target size must be positive, got %dx%d",
			settings.Image.Width, settings.Image.Height).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if settings.Image.Quality < 1 || settings.Image.Quality > 100 {
		return errors.Newf("jpeg quality must be within 1-100, got %d", settings.Image.Quality).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if settings.Fetch.MaxRetries < 1 {
		return errors.Newf("fetch max retries must be at least 1, got %d", settings.Fetch.MaxRetries).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if settings.Export.Path == "" {
		return errors.Newf("export path must not be empty").
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// Setting returns the global settings instance, loading it on first use.
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			if _, err := Load(); err != nil {
				panic(fmt.Sprintf("error loading settings: %v", err))
			}
		}
	})

	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
