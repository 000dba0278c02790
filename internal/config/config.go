// Package config loads and validates the seeding configuration file
// (config.json). Errors here are always fatal: a malformed config.json
// must stop the process at startup, per the hosting system's contract.
package config

import (
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ErrConfigInvalid is wrapped with details and returned whenever
// config.json fails to parse or fails validation.
var ErrConfigInvalid = errors.New("config invalid")

const (
	defaultMaxNonSeedingTimeMs   = 72 * 60 * 60 * 1000
	defaultRequiredSeedingTimeMs = 7 * 24 * 60 * 60 * 1000
)

// SeedConfig is the decoded, validated shape of config.json.
type SeedConfig struct {
	MinUploadRate               int64   `json:"minUploadRate" validate:"gte=0"`
	MaxUploadRate               int64   `json:"maxUploadRate" validate:"gtefield=MinUploadRate"`
	SimultaneousSeed            int     `json:"simultaneousSeed"`
	Client                      string  `json:"client" validate:"required"`
	KeepTorrentWithZeroLeechers bool    `json:"keepTorrentWithZeroLeechers"`
	UploadRatioTarget           float64 `json:"uploadRatioTarget"`
	MaxNonSeedingTimeMs         int64   `json:"maxNonSeedingTimeMs"`
	RequiredSeedingTimeMs       int64   `json:"requiredSeedingTimeMs"`
	ArchiveOnTooManyFailures    bool    `json:"archiveOnTooManyFailures"`
}

// Unbounded reports whether the configured simultaneous-seed cap is -1
// (no limit on the active set size).
func (c SeedConfig) Unbounded() bool {
	return c.SimultaneousSeed == -1
}

// RatioLimitDisabled reports whether the ratio-limit archival path is
// disabled (uploadRatioTarget == -1).
func (c SeedConfig) RatioLimitDisabled() bool {
	return c.UploadRatioTarget == -1
}

var validate = validator.New()

// LoadFile reads and validates config.json at path, applying defaults for
// optional fields. Any failure is wrapped in ErrConfigInvalid.
func LoadFile(path string) (*SeedConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfigInvalid, "cannot open %s: %s", path, err)
	}
	defer f.Close()

	cfg := SeedConfig{
		UploadRatioTarget:     -1,
		MaxNonSeedingTimeMs:   defaultMaxNonSeedingTimeMs,
		RequiredSeedingTimeMs: defaultRequiredSeedingTimeMs,
	}
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(ErrConfigInvalid, "malformed json in %s: %s", path, err)
	}

	if cfg.SimultaneousSeed == 0 || (cfg.SimultaneousSeed < 0 && cfg.SimultaneousSeed != -1) {
		return nil, errors.Wrapf(ErrConfigInvalid, "simultaneousSeed must be > 0 or -1, got %d", cfg.SimultaneousSeed)
	}
	if cfg.UploadRatioTarget != -1 && cfg.UploadRatioTarget < 0 {
		return nil, errors.Wrapf(ErrConfigInvalid, "uploadRatioTarget must be >= 0 or -1, got %f", cfg.UploadRatioTarget)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrapf(ErrConfigInvalid, "%s", err)
	}

	return &cfg, nil
}
