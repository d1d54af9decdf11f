// Package data provides the image datasets feeding contrastive pretext-task
// training: directory scanning, SimCLR-style augmentation and a dataset
// wrapper that yields two augmented views plus pretext-transformed tiles per
// sample.
package data

import (
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DatasetNotFoundError indicates that no images were found where the
// configuration said they would be. It is fatal, raised at dataset
// construction.
type DatasetNotFoundError struct {
	Path string
}

func (e *DatasetNotFoundError) Error() string {
	return fmt.Sprintf("no images found under %q", e.Path)
}

// imageExtensions are the file extensions scanned for, lower-case.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// ListImages recursively scans dir for image files and returns their paths in
// deterministic (sorted) order. An empty result is a *DatasetNotFoundError.
func ListImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to scan %q for images", dir)
	}
	if len(paths) == 0 {
		return nil, errors.WithStack(&DatasetNotFoundError{Path: dir})
	}
	sort.Strings(paths)
	return paths, nil
}

// ListLabeledImages scans dir expecting one sub-directory per class and
// returns image paths with integer labels. Class indices follow the sorted
// sub-directory names, which are also returned. Used by the linear probe,
// which needs supervised labels.
func ListLabeledImages(dir string) (paths []string, labels []int32, classes []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "failed to read class directories under %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	sort.Strings(classes)
	if len(classes) == 0 {
		return nil, nil, nil, errors.WithStack(&DatasetNotFoundError{Path: dir})
	}
	for classIdx, class := range classes {
		classPaths, err := ListImages(filepath.Join(dir, class))
		if err != nil {
			return nil, nil, nil, err
		}
		for _, p := range classPaths {
			paths = append(paths, p)
			labels = append(labels, int32(classIdx))
		}
	}
	return paths, labels, classes, nil
}

// SplitTrainValid deterministically shuffles paths and splits off a validation
// fraction. validSize 0 yields an empty validation set.
func SplitTrainValid(paths []string, validSize float64, seed int64) (train, valid []string) {
	shuffled := append([]string(nil), paths...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	numValid := int(float64(len(shuffled)) * validSize)
	return shuffled[numValid:], shuffled[:numValid]
}

// LoadImage reads and decodes one image file.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", path)
	}
	return img, nil
}
