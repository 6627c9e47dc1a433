package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// LocationPropertyKey is the key holding the comma separated config locations.
const LocationPropertyKey = "config.location"

// ConfigurationError reports a failure to read or persist platform configuration.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ConfigLocation is a directory the platform searches for configuration files.
type ConfigLocation struct {
	location string
}

func NewConfigLocation(location string) ConfigLocation {
	return ConfigLocation{location: strings.TrimSpace(location)}
}

func (c ConfigLocation) Path() string {
	return c.location
}

// FileExists reports whether name exists as a regular file inside the location.
func (c ConfigLocation) FileExists(name string) bool {
	info, err := os.Stat(filepath.Join(c.location, name))
	return err == nil && !info.IsDir()
}

func (c ConfigLocation) String() string {
	return c.location
}

// LocationFileStore reads the default config locations from a properties
// file and saves additions back to the same file.
type LocationFileStore struct {
	mu     sync.Mutex
	path   string
	props  *viper.Viper
	logger zerolog.Logger
}

// NewLocationFileStore opens path. A missing file is treated as empty and is
// created on the first Add.
func NewLocationFileStore(path string, logger zerolog.Logger) (*LocationFileStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")

	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, &ConfigurationError{
			Message: fmt.Sprintf("Could not read %s", path),
			Err:     err,
		}
	}

	return &LocationFileStore{
		path:   path,
		props:  v,
		logger: logger.With().Str("component", "config_location_store").Logger(),
	}, nil
}

// GetAll returns the configured locations in file order.
func (s *LocationFileStore) GetAll() []ConfigLocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := s.loadAll()
	locations := make([]ConfigLocation, 0, len(paths))
	for _, p := range paths {
		locations = append(locations, NewConfigLocation(p))
	}
	return locations
}

// Add appends location and persists the file.
func (s *LocationFileStore) Add(location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locations := append(s.loadAll(), strings.TrimSpace(location))
	return s.save(locations)
}

// Resolve returns name inside the first location that holds it. Absolute
// names, and names found in no location, are returned unchanged.
func (s *LocationFileStore) Resolve(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	for _, loc := range s.GetAll() {
		if loc.FileExists(name) {
			return filepath.Join(loc.Path(), name)
		}
	}
	return name
}

func (s *LocationFileStore) loadAll() []string {
	raw := s.props.GetString(LocationPropertyKey)
	if raw == "" {
		return nil
	}

	var result []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (s *LocationFileStore) save(locations []string) error {
	s.props.Set(LocationPropertyKey, strings.Join(locations, ","))

	if err := s.props.WriteConfigAs(s.path); err != nil {
		msg := fmt.Sprintf("Could not save %s in this location %s.", filepath.Base(s.path), filepath.Dir(s.path))
		s.logger.Error().Err(err).Msg(msg)
		return &ConfigurationError{Message: msg, Err: err}
	}
	return nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
