package data

import (
	"image"
	"image/color"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betuullm/scatsimclr/pretext"
)

func writeTestImage(t *testing.T, path string, width, height int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(3 * x), G: uint8(5 * y), B: 128, A: 255})
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, imaging.Save(img, path))
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "b.jpg"), 8, 8)
	writeTestImage(t, filepath.Join(dir, "a.png"), 8, 8)
	writeTestImage(t, filepath.Join(dir, "nested", "c.jpeg"), 8, 8)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o644))

	paths, err := ListImages(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, "a.png"), paths[0]) // sorted

	_, err = ListImages(filepath.Join(dir, "missing"))
	require.Error(t, err)
	var notFound *DatasetNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Contains(t, notFound.Path, "missing")
}

func TestListLabeledImages(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, filepath.Join(dir, "cat", "1.jpg"), 8, 8)
	writeTestImage(t, filepath.Join(dir, "cat", "2.jpg"), 8, 8)
	writeTestImage(t, filepath.Join(dir, "dog", "1.jpg"), 8, 8)

	paths, labels, classes, err := ListLabeledImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, classes)
	require.Len(t, paths, 3)
	assert.Equal(t, []int32{0, 0, 1}, labels)

	empty := t.TempDir()
	_, _, _, err = ListLabeledImages(empty)
	var notFound *DatasetNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestSplitTrainValid(t *testing.T) {
	paths := make([]string, 100)
	for i := range paths {
		paths[i] = filepath.Join("img", string(rune('a'+i%26)), "x.jpg")
	}
	train1, valid1 := SplitTrainValid(paths, 0.2, 42)
	assert.Len(t, train1, 80)
	assert.Len(t, valid1, 20)

	train2, valid2 := SplitTrainValid(paths, 0.2, 42)
	assert.Equal(t, train1, train2, "split must be deterministic for a fixed seed")
	assert.Equal(t, valid1, valid2)

	train3, _ := SplitTrainValid(paths, 0, 42)
	assert.Len(t, train3, 100)
}

func TestAugmenterOutputSize(t *testing.T) {
	aug := NewAugmenter(24)
	img := image.NewNRGBA(image.Rect(0, 0, 100, 60))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 8; i++ {
		out := aug.Augment(img, rng)
		assert.Equal(t, 24, out.Bounds().Dx())
		assert.Equal(t, 24, out.Bounds().Dy())
	}
}

func TestCenterResize(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 60))
	out := CenterResize(img, 32)
	assert.Equal(t, 32, out.Bounds().Dx())
	assert.Equal(t, 32, out.Bounds().Dy())
}

func newTestPretextDataset(t *testing.T, numImages, batchSize int, task pretext.Task) *PretextDataset {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < numImages; i++ {
		writeTestImage(t, filepath.Join(dir, string(rune('a'+i))+".jpg"), 40, 30)
	}
	paths, err := ListImages(dir)
	require.NoError(t, err)
	return NewPretextDataset("test", paths, batchSize, 12, task, NewAugmenter(12), true, 7)
}

func TestPretextDatasetYieldShapesJigsaw(t *testing.T) {
	task, err := pretext.NewJigsaw(10)
	require.NoError(t, err)
	ds := newTestPretextDataset(t, 5, 2, task)
	assert.Equal(t, 2, ds.NumBatches())

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 3)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{2, 12, 12, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 12, 12, 3}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2 * 9, 4, 4, 3}, inputs[2].Shape().Dimensions)
	assert.Equal(t, []int{2}, labels[0].Shape().Dimensions)

	for _, label := range labels[0].Value().([]int32) {
		assert.GreaterOrEqual(t, label, int32(0))
		assert.Less(t, label, int32(10))
	}
}

func TestPretextDatasetYieldShapesRotation(t *testing.T) {
	ds := newTestPretextDataset(t, 4, 2, pretext.NewRotation())

	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12, 12, 3}, inputs[2].Shape().Dimensions)
}

func TestPretextDatasetEpochAndReset(t *testing.T) {
	ds := newTestPretextDataset(t, 5, 2, pretext.NewRotation())

	for i := 0; i < ds.NumBatches(); i++ {
		_, _, _, err := ds.Yield()
		require.NoError(t, err)
	}
	// The partial last batch is dropped.
	_, _, _, err := ds.Yield()
	require.Equal(t, io.EOF, err)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}
