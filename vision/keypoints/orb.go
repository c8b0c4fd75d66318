package keypoints

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ORBConfig contains the parameters / configs needed to compute ORB features.
type ORBConfig struct {
	// MaxKeypoints keeps only the strongest corners when positive.
	MaxKeypoints int          `json:"max_keypoints"`
	FastConf     *FASTConfig  `json:"fast"`
	BRIEFConf    *BRIEFConfig `json:"brief"`
}

// DefaultORBConfig returns oriented FAST-9 corners described by 256 bit steered BRIEF.
func DefaultORBConfig() ORBConfig {
	return ORBConfig{
		MaxKeypoints: 1000,
		FastConf: &FASTConfig{
			Threshold:      0.08,
			NMatchesCircle: 9,
			NMSWinSize:     7,
			Oriented:       true,
		},
		BRIEFConf: &BRIEFConfig{
			N:              256,
			Sampling:       normal,
			UseOrientation: true,
			PatchSize:      31,
			BlurSigma:      2,
			Seed:           1,
		},
	}
}

// LoadORBConfiguration loads a ORBConfig from a json file.
func LoadORBConfiguration(file string) (*ORBConfig, error) {
	var config ORBConfig
	//nolint:gosec
	configFile, err := os.Open(filepath.Clean(file))
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(configFile.Close)
	if err := json.NewDecoder(configFile).Decode(&config); err != nil {
		return nil, errors.Wrapf(err, "cannot decode ORB config %q", file)
	}
	if err := config.Validate(file); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate ensures all parts of the ORBConfig are valid.
func (config *ORBConfig) Validate(path string) error {
	if config.MaxKeypoints < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_keypoints cannot be negative"))
	}
	if config.FastConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "fast")
	}
	if config.BRIEFConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "brief")
	}
	if err := config.FastConf.Validate(path + ".fast"); err != nil {
		return err
	}
	return config.BRIEFConf.Validate(path + ".brief")
}

// ORB detects oriented FAST corners and describes them with steered BRIEF. It is both a
// Detector and an Extractor.
type ORB struct {
	maxKeypoints int
	fast         *FASTDetector
	brief        *BRIEFExtractor
}

// NewORB returns an ORB feature pipeline for a valid config.
func NewORB(cfg ORBConfig) (*ORB, error) {
	if err := cfg.Validate("orb"); err != nil {
		return nil, err
	}
	fast, err := NewFASTDetector(*cfg.FastConf)
	if err != nil {
		return nil, err
	}
	brief, err := NewBRIEFExtractor(*cfg.BRIEFConf)
	if err != nil {
		return nil, err
	}
	return &ORB{maxKeypoints: cfg.MaxKeypoints, fast: fast, brief: brief}, nil
}

// Detect returns the strongest FAST corners of img.
func (orb *ORB) Detect(img *image.Gray) ([]KeyPoint, error) {
	kps, err := orb.fast.Detect(img)
	if err != nil {
		return nil, err
	}
	if orb.maxKeypoints > 0 && len(kps) > orb.maxKeypoints {
		kps = kps[:orb.maxKeypoints]
	}
	return kps, nil
}

// Compute describes kps with BRIEF.
func (orb *ORB) Compute(img *image.Gray, kps []KeyPoint) ([]KeyPoint, []Descriptor, error) {
	return orb.brief.Compute(img, kps)
}
