package pretext

import (
	"image"
	"image/color"
	"math/rand"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betuullm/scatsimclr/config"

	_ "github.com/gomlx/gomlx/backends/default"
)

func testImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func TestFromConfigSelectsTask(t *testing.T) {
	cfg := config.New()
	cfg.Pretext.Jigsaw = true
	task, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "jigsaw", task.Name())
	assert.Equal(t, cfg.Pretext.NumJigsaw, task.NumClasses())
	assert.Equal(t, 9, task.NumTiles())

	cfg = config.New()
	cfg.Pretext.Rotation = true
	task, err = FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "rotation", task.Name())
	assert.Equal(t, 4, task.NumClasses())
	assert.Equal(t, 1, task.NumTiles())
}

func TestJigsawPermutationsAreValidAndDistinct(t *testing.T) {
	task, err := NewJigsaw(30)
	require.NoError(t, err)
	perms := task.Permutations()
	require.Len(t, perms, 30)
	seen := make(map[string]bool)
	for _, perm := range perms {
		require.Len(t, perm, 9)
		hit := make([]bool, 9)
		key := ""
		for _, p := range perm {
			require.False(t, hit[p], "tile %d repeated in %v", p, perm)
			hit[p] = true
			key += string(rune('0' + p))
		}
		require.False(t, seen[key], "permutation %v repeated", perm)
		seen[key] = true
	}

	// Same seed, same table: labels stay stable across processes.
	again, err := NewJigsaw(30)
	require.NoError(t, err)
	assert.Equal(t, perms, again.Permutations())
}

func TestJigsawTransform(t *testing.T) {
	task, err := NewJigsaw(10)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))
	tiles, label := task.Transform(testImage(96, 96), rng)
	require.Len(t, tiles, 9)
	assert.GreaterOrEqual(t, label, int32(0))
	assert.Less(t, label, int32(10))
	for _, tile := range tiles {
		assert.Equal(t, 32, tile.Bounds().Dx())
		assert.Equal(t, 32, tile.Bounds().Dy())
	}
}

func TestRotationTransformLabelMatchesAngle(t *testing.T) {
	task := NewRotation()
	img := testImage(32, 32)
	rng := rand.New(rand.NewSource(3))
	sawLabel := make(map[int32]bool)
	for i := 0; i < 64; i++ {
		tiles, label := task.Transform(img, rng)
		require.Len(t, tiles, 1)
		sawLabel[label] = true
		var want image.Image
		switch label {
		case 0:
			want = img
		case 1:
			want = imaging.Rotate90(img)
		case 2:
			want = imaging.Rotate180(img)
		case 3:
			want = imaging.Rotate270(img)
		}
		assert.Equal(t, want.Bounds().Dx(), tiles[0].Bounds().Dx())
		got, wantPix := tiles[0].At(3, 5), want.At(3, 5)
		assert.Equal(t, wantPix, got, "label=%d", label)
	}
	for label := int32(0); label < 4; label++ {
		assert.True(t, sawLabel[label], "label %d never drawn in 64 samples", label)
	}
}

func headLogitsShape(t *testing.T, task Task, batchSize int) []int {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, features *Node) *Node {
		return task.HeadGraph(ctx, features)
	})
	features := make([][][]float32, batchSize)
	for b := range features {
		features[b] = make([][]float32, task.NumTiles())
		for tile := range features[b] {
			features[b][tile] = make([]float32, FeatureDim)
		}
	}
	results := exec.MustExec(features)
	return results[0].Shape().Dimensions
}

func TestJigsawHeadShapes(t *testing.T) {
	task, err := NewJigsaw(30)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, features *Node) *Node {
		return task.HeadGraph(ctx, features)
	})
	features := make([][][]float32, 4)
	for b := range features {
		features[b] = make([][]float32, 9)
		for tile := range features[b] {
			features[b][tile] = make([]float32, FeatureDim)
		}
	}
	results := exec.MustExec(features)
	assert.Equal(t, []int{4, 30}, results[0].Shape().Dimensions)

	// The per-tile stage must be 2048 -> 512 and the fuse stage (9*512) -> 4096.
	var fc1, fc2 []int
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() != "weights" {
			return
		}
		switch {
		case strings.Contains(v.Scope(), "fc1"):
			fc1 = v.Shape().Dimensions
		case strings.Contains(v.Scope(), "fc2"):
			fc2 = v.Shape().Dimensions
		}
	})
	assert.Equal(t, []int{FeatureDim, 512}, fc1)
	assert.Equal(t, []int{9 * 512, 4096}, fc2)
}

func TestRotationHeadShapes(t *testing.T) {
	task := NewRotation()
	assert.Equal(t, []int{6, 4}, headLogitsShape(t, task, 6))
}

func TestJigsawHeadRejectsWrongTileCount(t *testing.T) {
	task, err := NewJigsaw(10)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, features *Node) *Node {
		return task.HeadGraph(ctx, features)
	})
	features := make([][][]float32, 2)
	for b := range features {
		features[b] = make([][]float32, 4) // wrong: jigsaw expects 9 tiles
		for tile := range features[b] {
			features[b][tile] = make([]float32, FeatureDim)
		}
	}
	_, err = exec.Exec1(features)
	require.Error(t, err)
}
