// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// BackendConfig carries a per-jobtype fallback executable, used when a
// jobfile's own [hucore].executable value is blank.
type BackendConfig struct {
	Type       string `yaml:"type" json:"type"`
	Executable string `yaml:"executable" json:"executable"`
}

// Config is the top-level spooler configuration, loaded from the path
// given to --config. The execution engine takes no separate backend
// configuration file; it is built from ResourceDirs alone.
type Config struct {
	SpoolDir       string          `yaml:"spool_dir" json:"spool_dir"`
	QueueName      string          `yaml:"queue_name" json:"queue_name"`
	JobfileVersion string          `yaml:"jobfile_version" json:"jobfile_version"`
	ResourceDirs   []string        `yaml:"resource_dirs" json:"resource_dirs"`
	Backends       []BackendConfig `yaml:"backends" json:"backends"`
	TickInterval   float64         `yaml:"tick_interval_seconds" json:"tick_interval_seconds"`
}

// DefaultExecutable returns the configured fallback executable for a
// jobtype, or "" if none is configured.
func (c *Config) DefaultExecutable(jobType string) string {
	for _, b := range c.Backends {
		if b.Type == jobType {
			return b.Executable
		}
	}
	return ""
}

// Load reads the YAML config file from path. A missing path is not an
// error: the spooler runs with defaults and relies on --spooldir/--resource.
func Load(path string) (*Config, error) {
	cfg := &Config{
		QueueName:      "hucore",
		JobfileVersion: "7",
		TickInterval:   0.5,
	}
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "hucore"
	}
	if cfg.JobfileVersion == "" {
		cfg.JobfileVersion = "7"
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 0.5
	}

	return cfg, nil
}
