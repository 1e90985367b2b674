// Package config implements the ambient configuration layer: a YAML file
// naming slave paths, cache sizes and quotas, loaded the way the teacher
// loads its own node config (a plain struct unmarshaled from YAML, with
// byte-size fields expressed as human-readable strings).
package config

import (
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/timmoreton/castle/cerrors"
	"github.com/timmoreton/castle/mathutil"
)

// SlaveConfig names one backing device claimed at startup.
type SlaveConfig struct {
	Path   string `yaml:"path"`
	Blocks uint64 `yaml:"blocks"`
}

// RegionConfig names one to-region quota the transfer engine enforces.
type RegionConfig struct {
	ID    uint32          `yaml:"id"`
	Quota datasize.ByteSize `yaml:"quota"`
}

// Config is the full castle engine configuration.
type Config struct {
	MetadataPath string          `yaml:"metadata_path"`
	PageCache    datasize.ByteSize `yaml:"page_cache_size"`
	VersionCap   uint32          `yaml:"version_cap"`
	Slaves       []SlaveConfig   `yaml:"slaves"`
	Regions      []RegionConfig  `yaml:"regions"`
}

// Default returns a config usable for local/dev runs.
func Default() Config {
	return Config{
		MetadataPath: "castle.mdbx",
		PageCache:    64 * datasize.MB,
		VersionCap:   900,
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, cerrors.Wrap(cerrors.IO, err, "read config %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, cerrors.Wrap(cerrors.Protocol, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field invariants a loaded config must satisfy.
func (c Config) Validate() error {
	if c.MetadataPath == "" {
		return cerrors.New(cerrors.Invalid, "metadata_path must be set")
	}
	if len(c.Slaves) == 0 {
		return cerrors.New(cerrors.Invalid, "at least one slave must be configured")
	}
	seen := make(map[uint32]bool)
	for _, r := range c.Regions {
		if seen[r.ID] {
			return cerrors.New(cerrors.Invalid, "duplicate region id %d", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// PageCacheBlocks returns the configured page cache size in blocks.
func (c Config) PageCacheBlocks() int {
	return mathutil.CeilDiv(int(uint64(c.PageCache)), 4096)
}
