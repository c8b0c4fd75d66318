package rimage

import (
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// ReadMonoFromFile reads any image format supported by imaging and converts it to gray.
func ReadMonoFromFile(path string) (*image.Gray, error) {
	img, err := imaging.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read mono image %q", path)
	}
	return MakeGray(img), nil
}

// ReadDepthMapFromFile reads a 16 bit PNG depth image.
func ReadDepthMapFromFile(path string) (*DepthMap, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open depth image %q", path)
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	img, err := png.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode depth image %q", path)
	}
	gray16, ok := img.(*image.Gray16)
	if !ok {
		return nil, errors.Errorf("depth image %q must be 16 bit gray, got %T", path, img)
	}
	return NewDepthMapFromGray16(gray16), nil
}

// WriteDepthMapToFile writes the depth map as a 16 bit PNG.
func WriteDepthMapToFile(dm *DepthMap, path string) (err error) {
	//nolint:gosec
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return png.Encode(f, dm.ToGray16())
}

// ReadPyramidFromFiles loads a full resolution mono and depth pair and builds nLevels levels.
func ReadPyramidFromFiles(monoPath, depthPath string, nLevels int) (*Pyramid, error) {
	mono, err := ReadMonoFromFile(monoPath)
	if err != nil {
		return nil, err
	}
	depth, err := ReadDepthMapFromFile(depthPath)
	if err != nil {
		return nil, err
	}
	return BuildPyramid(mono, depth, nLevels)
}
