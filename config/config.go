// Package config holds the user facing configuration of an index and the tools built on it.
package config

import (
	"encoding/json"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/pcindex/kdtree"
	"go.viam.com/pcindex/logging"
)

// IndexConfig describes how to build and query a kd-tree.
type IndexConfig struct {
	LeafSize       int    `json:"leaf_size,omitempty"`
	MaxCells       int    `json:"max_cells,omitempty"`
	LegacyPruning  bool   `json:"legacy_pruning,omitempty"`
	ParallelFactor int    `json:"parallel_factor,omitempty"`
	LogLevel       string `json:"log_level,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *IndexConfig) Validate(path string) error {
	if conf.LeafSize < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("leaf_size must be non-negative, got %d", conf.LeafSize))
	}
	if conf.MaxCells < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("max_cells must be non-negative, got %d", conf.MaxCells))
	}
	if conf.ParallelFactor < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("parallel_factor must be non-negative, got %d", conf.ParallelFactor))
	}
	if _, err := conf.Level(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	return nil
}

// Level returns the configured log level, INFO when unset.
func (conf *IndexConfig) Level() (logging.Level, error) {
	if conf.LogLevel == "" {
		return logging.INFO, nil
	}
	return logging.LevelFromString(conf.LogLevel)
}

// TreeOptions returns the kd-tree options matching the config.
func (conf *IndexConfig) TreeOptions() []kdtree.Option {
	opts := []kdtree.Option{
		kdtree.WithLeafSize(conf.LeafSize),
		kdtree.WithMaxCells(conf.MaxCells),
	}
	if conf.LegacyPruning {
		opts = append(opts, kdtree.WithLegacyPruning())
	}
	return opts
}

// FromMap decodes and validates a config from generic attributes, such as the ones produced by
// unmarshaling JSON. Unknown attributes are an error.
func FromMap(attributes map[string]interface{}) (*IndexConfig, error) {
	var conf IndexConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      &conf,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrap(err, "decoding index config")
	}
	if err := conf.Validate("index"); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Read reads a JSON config file. An empty path yields the default config.
func Read(path string) (*IndexConfig, error) {
	if path == "" {
		return &IndexConfig{}, nil
	}
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading index config")
	}
	var attributes map[string]interface{}
	if err := json.Unmarshal(data, &attributes); err != nil {
		return nil, errors.Wrapf(err, "parsing index config %q", path)
	}
	return FromMap(attributes)
}
