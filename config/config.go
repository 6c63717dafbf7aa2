// Package config loads the YAML configuration of the bench workload:
// simulated driver limits, handler policy and the submission mix.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// Size is a byte count written either as a number or as a human string
// such as "512MiB" or "1.5GB".
type Size uint64

// UnmarshalJSON accepts numbers and humanize byte strings.
func (s *Size) UnmarshalJSON(b []byte) error {
	var n uint64
	if err := json.Unmarshal(b, &n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.Wrapf(err, "invalid size %s", b)
	}
	v, err := humanize.ParseBytes(str)
	if err != nil {
		return errors.Wrapf(err, "invalid size %q", str)
	}
	*s = Size(v)
	return nil
}

// MarshalJSON writes the size in IEC units.
func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(humanize.IBytes(uint64(s)))
}

// Duration is a time.Duration written as "10s", "250ms", ...
type Duration time.Duration

// UnmarshalJSON parses a Go duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.Wrapf(err, "invalid duration %s", b)
	}
	v, err := time.ParseDuration(str)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", str)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the bench configuration.
type Config struct {
	Driver   Driver   `json:"driver"`
	Handler  Handler  `json:"handler"`
	Workload Workload `json:"workload"`
	Metrics  Metrics  `json:"metrics"`
	// LogLevel is a logrus level name ("info", "debug", "trace", ...).
	LogLevel string `json:"logLevel"`
}

// Driver configures the simulated kernel-mode driver.
type Driver struct {
	Budget          Size `json:"budget"`
	PageSize        Size `json:"pageSize"`
	PagingBandwidth Size `json:"pagingBandwidth"`
}

// Handler configures residency policy.
type Handler struct {
	EvictionOnMakeResidentAllowed bool `json:"evictionOnMakeResidentAllowed"`
}

// Workload shapes the synthetic submission stream.
type Workload struct {
	Workers     int      `json:"workers"`
	Duration    Duration `json:"duration"`
	Allocations int      `json:"allocations"`
	MinSize     Size     `json:"minSize"`
	MaxSize     Size     `json:"maxSize"`
	// FragmentedPercent of allocations are backed by fragment handles.
	FragmentedPercent int `json:"fragmentedPercent"`
	MaxFragments      int `json:"maxFragments"`
	// BatchSize is the number of allocations made resident per submission.
	BatchSize int `json:"batchSize"`
	// PressurePercent of submissions are preceded by an external trim.
	PressurePercent int `json:"pressurePercent"`
}

// Metrics configures the HTTP endpoints.
type Metrics struct {
	Addr      string `json:"addr"`
	PprofAddr string `json:"pprofAddr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Driver: Driver{
			Budget:   256 << 20,
			PageSize: 64 << 10,
		},
		Handler: Handler{EvictionOnMakeResidentAllowed: true},
		Workload: Workload{
			Workers:           4,
			Duration:          Duration(5 * time.Second),
			Allocations:       4096,
			MinSize:           64 << 10,
			MaxSize:           4 << 20,
			FragmentedPercent: 10,
			MaxFragments:      4,
			BatchSize:         8,
			PressurePercent:   1,
		},
		Metrics:  Metrics{Addr: ":8080"},
		LogLevel: "info",
	}
}

// Parse decodes YAML on top of Default() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading configuration file %q", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "configuration file %q", path)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	w := c.Workload
	switch {
	case c.Driver.Budget == 0:
		return errors.New("driver.budget must be > 0")
	case w.Workers <= 0:
		return errors.Errorf("workload.workers must be > 0, got %d", w.Workers)
	case w.Allocations <= 0:
		return errors.Errorf("workload.allocations must be > 0, got %d", w.Allocations)
	case w.MinSize == 0 || w.MinSize > w.MaxSize:
		return errors.Errorf("workload size range [%s, %s] is invalid",
			humanize.IBytes(uint64(w.MinSize)), humanize.IBytes(uint64(w.MaxSize)))
	case w.FragmentedPercent < 0 || w.FragmentedPercent > 100:
		return errors.Errorf("workload.fragmentedPercent must be in [0,100], got %d", w.FragmentedPercent)
	case w.PressurePercent < 0 || w.PressurePercent > 100:
		return errors.Errorf("workload.pressurePercent must be in [0,100], got %d", w.PressurePercent)
	case w.MaxFragments < 1:
		return errors.Errorf("workload.maxFragments must be >= 1, got %d", w.MaxFragments)
	case w.BatchSize < 1:
		return errors.Errorf("workload.batchSize must be >= 1, got %d", w.BatchSize)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "logLevel")
	}
	return nil
}

// Level returns the parsed log level. Call after Validate.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
