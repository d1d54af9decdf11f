package pretext

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/betuullm/scatsimclr/config"
)

const (
	// jigsawGridSide is the tiling grid: 3x3, so 9 tiles per image.
	jigsawGridSide = 3
	jigsawTiles    = jigsawGridSide * jigsawGridSide

	// jigsawTileHidden is the per-tile representation size of the first FC stage.
	jigsawTileHidden = 512
	// jigsawFusedHidden is the size of the fused representation of all 9 tiles.
	jigsawFusedHidden = 4096

	// jigsawPermutationSeed fixes the permutation set across runs: labels stored
	// in checkpoints stay meaningful when the process restarts.
	jigsawPermutationSeed = 17
)

// Jigsaw is the 9-tile permutation-prediction task: the image is cut into a 3x3
// grid, the tiles are shuffled by one of a fixed set of permutations, and the
// head predicts which permutation was applied.
type Jigsaw struct {
	permutations [][]int
}

// NewJigsaw creates the task with a deterministic set of numPermutations tile
// permutations, chosen greedily to be far apart in Hamming distance so classes
// stay distinguishable.
func NewJigsaw(numPermutations int) (*Jigsaw, error) {
	if numPermutations <= 1 {
		return nil, config.Errorf("jigsaw needs at least 2 permutations, got %d", numPermutations)
	}
	return &Jigsaw{permutations: maxHammingPermutations(numPermutations, jigsawTiles, jigsawPermutationSeed)}, nil
}

func (j *Jigsaw) Name() string    { return "jigsaw" }
func (j *Jigsaw) NumClasses() int { return len(j.permutations) }
func (j *Jigsaw) NumTiles() int   { return jigsawTiles }

// Permutations exposes the permutation table, row p being the tile order of
// class p. Shared with tests and any offline analysis.
func (j *Jigsaw) Permutations() [][]int { return j.permutations }

// Transform cuts img into a 3x3 grid and returns the tiles reordered by a
// randomly drawn permutation, with the permutation index as label. Edge pixels
// beyond a multiple of 3 are dropped so all tiles share the same size.
func (j *Jigsaw) Transform(img image.Image, rng *rand.Rand) ([]image.Image, int32) {
	bounds := img.Bounds()
	tileW := bounds.Dx() / jigsawGridSide
	tileH := bounds.Dy() / jigsawGridSide
	label := int32(rng.Intn(len(j.permutations)))
	perm := j.permutations[label]
	tiles := make([]image.Image, jigsawTiles)
	for slot, src := range perm {
		row, col := src/jigsawGridSide, src%jigsawGridSide
		rect := image.Rect(
			bounds.Min.X+col*tileW, bounds.Min.Y+row*tileH,
			bounds.Min.X+(col+1)*tileW, bounds.Min.Y+(row+1)*tileH)
		tiles[slot] = imaging.Crop(img, rect)
	}
	return tiles, label
}

// HeadGraph builds the two-stage jigsaw head: a first FC applied to each tile
// independently (weights shared across tiles), the 9 tile representations
// concatenated into one vector, and a second FC fusing them before the
// permutation classifier.
func (j *Jigsaw) HeadGraph(ctx *context.Context, features *Node) *Node {
	g := features.Graph()
	features.AssertRank(3)
	features.AssertDims(-1, jigsawTiles, FeatureDim)
	batchSize := features.Shape().Dimensions[0]
	dtype := features.DType()

	// Per-tile stage: [B, 9, 2048] -> [B, 9, 512], same weights for every tile.
	perTile := layers.Dense(ctx.In("fc1"), features, true, jigsawTileHidden)
	perTile = activations.Relu(perTile)
	perTile = layers.DropoutNormalize(ctx.In("fc1"), perTile, Scalar(g, dtype, 0.5), true)

	// Fuse the tiles: [B, 9*512] -> [B, 4096].
	fused := Reshape(perTile, batchSize, jigsawTiles*jigsawTileHidden)
	fused = layers.Dense(ctx.In("fc2"), fused, true, jigsawFusedHidden)
	fused = activations.Relu(fused)
	fused = layers.DropoutNormalize(ctx.In("fc2"), fused, Scalar(g, dtype, 0.5), true)

	return layers.Dense(ctx.In("classification"), fused, true, len(j.permutations))
}

// maxHammingPermutations deterministically picks count permutations of size n,
// greedily maximizing the minimum pairwise Hamming distance among sampled
// candidates.
func maxHammingPermutations(count, n int, seed int64) [][]int {
	const candidatesPerPick = 100
	rng := rand.New(rand.NewSource(seed))
	chosen := make([][]int, 0, count)
	chosen = append(chosen, rng.Perm(n))
	for len(chosen) < count {
		var best []int
		bestDist := -1
		for c := 0; c < candidatesPerPick; c++ {
			candidate := rng.Perm(n)
			dist := n + 1
			for _, existing := range chosen {
				d := 0
				for i := range candidate {
					if candidate[i] != existing[i] {
						d++
					}
				}
				if d < dist {
					dist = d
				}
			}
			if dist > bestDist {
				bestDist = dist
				best = candidate
			}
		}
		chosen = append(chosen, best)
	}
	return chosen
}
