package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/memtrack/provider/arena"
)

// StressConfig describes a stress workload. It can be loaded from YAML and
// overridden by flags.
type StressConfig struct {
	Workers int    `yaml:"workers" json:"workers"`
	Ops     int    `yaml:"ops" json:"ops"`
	Pools   int    `yaml:"pools" json:"pools"`
	Seed    int64  `yaml:"seed" json:"seed"`
	MinSize uint   `yaml:"min_size" json:"min_size"`
	MaxSize uint   `yaml:"max_size" json:"max_size"`
	Align   uint   `yaml:"alignment" json:"alignment"`
	Arena   Window `yaml:"arena" json:"arena"`

	// Mix is the relative weight of each operation.
	Mix OpMix `yaml:"mix" json:"mix"`
}

// Window is the address window handed to the arena provider.
type Window struct {
	Base uint64 `yaml:"base" json:"base"`
	Size uint64 `yaml:"size" json:"size"`
}

// OpMix weights the random operations of a stress worker.
type OpMix struct {
	Alloc int `yaml:"alloc" json:"alloc"`
	Free  int `yaml:"free" json:"free"`
	Split int `yaml:"split" json:"split"`
	Merge int `yaml:"merge" json:"merge"`
}

func (m OpMix) total() int { return m.Alloc + m.Free + m.Split + m.Merge }

func defaultStressConfig() StressConfig {
	return StressConfig{
		Workers: 8,
		Ops:     10000,
		Pools:   4,
		Seed:    1,
		MinSize: 16,
		MaxSize: 8192,
		Align:   16,
		Arena: Window{
			Base: uint64(arena.DefaultBase),
			Size: 1 << 28,
		},
		Mix: OpMix{Alloc: 40, Free: 30, Split: 15, Merge: 15},
	}
}

// loadStressConfig reads path over the defaults. An empty path returns the
// defaults.
func loadStressConfig(path string) (StressConfig, error) {
	cfg := defaultStressConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read stress config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse stress config %s", path)
	}
	return cfg, cfg.validate()
}

func (c StressConfig) validate() error {
	switch {
	case c.Workers < 1:
		return errors.Newf("workers must be positive, got %d", c.Workers)
	case c.Ops < 0:
		return errors.Newf("ops must not be negative, got %d", c.Ops)
	case c.Pools < 1:
		return errors.Newf("pools must be positive, got %d", c.Pools)
	case c.MinSize < 2:
		return errors.Newf("min_size must be at least 2, got %d", c.MinSize)
	case c.MaxSize < c.MinSize:
		return errors.Newf("max_size %d below min_size %d", c.MaxSize, c.MinSize)
	case c.Arena.Size == 0:
		return errors.New("arena.size must be positive")
	case c.Mix.Alloc < 0 || c.Mix.Free < 0 || c.Mix.Split < 0 || c.Mix.Merge < 0:
		return errors.New("mix weights must not be negative")
	case c.Mix.Alloc == 0:
		return errors.New("mix needs a positive alloc weight")
	}
	return nil
}
