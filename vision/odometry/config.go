// Package odometry implements the RGB-D PnP visual odometry front end: it keeps a reference
// frame, matches features against it and estimates the pose of every new frame relative to it.
package odometry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/vision/keypoints"
)

// EpipolarConfig are the fundamental matrix RANSAC parameters of the matcher.
type EpipolarConfig struct {
	Threshold     float64 `json:"threshold_px"`
	Confidence    float64 `json:"confidence"`
	MaxIterations int     `json:"max_iterations"`
	Seed          int64   `json:"seed"`
}

// FallbackConfig controls the distance filter used when the epipolar fit finds no inlier.
// A match is kept when its distance is at most max(MinDistFactor*min, MinDistFloor).
type FallbackConfig struct {
	MinDistFactor float64 `json:"min_dist_factor"`
	MinDistFloor  float64 `json:"min_dist_floor"`
	// MinGoodMatches discards fallback results with fewer matches. Zero keeps everything.
	MinGoodMatches int `json:"min_good_matches"`
}

// Config contains the parameters of the odometry engine.
type Config struct {
	KeyPoints keypoints.ORBConfig      `json:"kps"`
	Matching  keypoints.MatchingConfig `json:"matching"`
	Epipolar  EpipolarConfig           `json:"epipolar"`
	Fallback  FallbackConfig           `json:"fallback"`
	PnP       transform.PnPConfig      `json:"pnp"`
	// PyramidLevel is the level features are extracted from.
	PyramidLevel int `json:"pyramid_level"`
	// PyramidLevels is the number of levels built for frames loaded from files.
	PyramidLevels  int     `json:"pyramid_levels"`
	RateHz         float64 `json:"rate_hz"`
	RekeyThreshold int     `json:"rekey_threshold"`
}

// DefaultConfig returns the configuration the engine runs with when none is given.
func DefaultConfig() Config {
	return Config{
		KeyPoints: keypoints.DefaultORBConfig(),
		Epipolar: EpipolarConfig{
			Threshold:     3.0,
			Confidence:    0.99,
			MaxIterations: 1000,
			Seed:          1,
		},
		Fallback: FallbackConfig{
			MinDistFactor: 2.5,
			MinDistFloor:  0.02,
		},
		PnP:            transform.DefaultPnPConfig(),
		PyramidLevels:  4,
		RateHz:         30,
		RekeyThreshold: 70,
	}
}

// LoadConfig reads a json config on top of the defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	if err := json.NewDecoder(f).Decode(&config); err != nil {
		return nil, errors.Wrapf(err, "cannot decode odometry config %q", path)
	}
	if err := config.Validate(path); err != nil {
		return nil, err
	}
	return &config, nil
}

// NewConfigFromAttributes decodes loosely typed attributes, as found in a robot config, on top of
// the defaults.
func NewConfigFromAttributes(attrs map[string]interface{}) (*Config, error) {
	config := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &config,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "cannot decode odometry attributes")
	}
	if err := config.Validate("odometry"); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if err := config.KeyPoints.Validate(path + ".kps"); err != nil {
		return err
	}
	if config.Matching.MaxDist < 0 {
		return goutils.NewConfigValidationError(path+".matching", errors.New("max_dist cannot be negative"))
	}
	if err := config.Epipolar.Validate(path + ".epipolar"); err != nil {
		return err
	}
	if err := config.Fallback.Validate(path + ".fallback"); err != nil {
		return err
	}
	if err := config.PnP.Validate(path + ".pnp"); err != nil {
		return err
	}
	if config.PyramidLevels < 1 {
		return goutils.NewConfigValidationFieldRequiredError(path, "pyramid_levels")
	}
	if config.PyramidLevel < 0 || config.PyramidLevel >= config.PyramidLevels {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("pyramid_level %d must be in [0, %d)", config.PyramidLevel, config.PyramidLevels))
	}
	if config.RateHz <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "rate_hz")
	}
	if config.RekeyThreshold < 0 {
		return goutils.NewConfigValidationError(path, errors.New("rekey_threshold cannot be negative"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (c *EpipolarConfig) Validate(path string) error {
	if c.Threshold <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("threshold_px must be positive"))
	}
	if c.Confidence <= 0 || c.Confidence >= 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("confidence must be in (0, 1), got %v", c.Confidence))
	}
	if c.MaxIterations < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_iterations cannot be negative"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (c *FallbackConfig) Validate(path string) error {
	if c.MinDistFactor < 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("min_dist_factor must be >= 1, got %v", c.MinDistFactor))
	}
	if c.MinDistFloor < 0 {
		return goutils.NewConfigValidationError(path, errors.New("min_dist_floor cannot be negative"))
	}
	if c.MinGoodMatches < 0 {
		return goutils.NewConfigValidationError(path, errors.New("min_good_matches cannot be negative"))
	}
	return nil
}

func (c *EpipolarConfig) ransacParams() transform.FundamentalRANSACParams {
	return transform.FundamentalRANSACParams{
		Threshold:     c.Threshold,
		Confidence:    c.Confidence,
		MaxIterations: c.MaxIterations,
		Seed:          c.Seed,
	}
}
