package data

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	mltrain "github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"

	"github.com/betuullm/scatsimclr/pretext"
)

// PretextDataset implements gomlx's train.Dataset for joint contrastive +
// pretext training. Each Yield produces one batch:
//
//	inputs[0]: first augmented view,  [batchSize, size, size, 3]
//	inputs[1]: second augmented view, [batchSize, size, size, 3]
//	inputs[2]: pretext tiles, [batchSize*numTiles, tileSize, tileSize, 3],
//	           sample-major (the numTiles tiles of sample 0 come first)
//	labels[0]: pretext class labels, [batchSize] int32
//
// Batches with fewer than batchSize remaining samples are dropped: the
// contrastive loss needs a fixed batch of in-batch negatives.
type PretextDataset struct {
	name      string
	paths     []string
	batchSize int
	inputSize int
	task      pretext.Task
	augmenter *Augmenter
	dtype     dtypes.DType

	mu       sync.Mutex
	rng      *rand.Rand
	order    []int
	position int
	shuffle  bool
}

// Compile-time check that the train.Dataset contract is satisfied.
var _ mltrain.Dataset = (*PretextDataset)(nil)

// NewPretextDataset creates the wrapper over a list of image paths. With
// shuffle set the sample order is re-drawn on every Reset, seeded for
// reproducibility; without it the sorted path order is kept (validation).
func NewPretextDataset(name string, paths []string, batchSize, inputSize int,
	task pretext.Task, augmenter *Augmenter, shuffle bool, seed int64) *PretextDataset {
	ds := &PretextDataset{
		name:      name,
		paths:     paths,
		batchSize: batchSize,
		inputSize: inputSize,
		task:      task,
		augmenter: augmenter,
		dtype:     dtypes.Float32,
		rng:       rand.New(rand.NewSource(seed)),
		order:     make([]int, len(paths)),
		shuffle:   shuffle,
	}
	for i := range ds.order {
		ds.order[i] = i
	}
	ds.reshuffleLocked()
	return ds
}

// NumBatches is the number of full batches one epoch yields.
func (ds *PretextDataset) NumBatches() int { return len(ds.paths) / ds.batchSize }

// Name implements train.Dataset.
func (ds *PretextDataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *PretextDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	ds.reshuffleLocked()
}

func (ds *PretextDataset) reshuffleLocked() {
	if !ds.shuffle {
		return
	}
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Yield implements train.Dataset. It is safe for concurrent use, so the
// dataset can be wrapped with datasets.CustomParallel for prefetching.
func (ds *PretextDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, rng, err := ds.nextIndices()
	if err != nil {
		return nil, nil, nil, err
	}

	viewA := make([]image.Image, 0, ds.batchSize)
	viewB := make([]image.Image, 0, ds.batchSize)
	tiles := make([]image.Image, 0, ds.batchSize*ds.task.NumTiles())
	pretextLabels := make([]int32, 0, ds.batchSize)
	for _, idx := range indices {
		img, err := LoadImage(ds.paths[idx])
		if err != nil {
			return nil, nil, nil, err
		}
		img = CenterResize(img, ds.inputSize)
		viewA = append(viewA, ds.augmenter.Augment(img, rng))
		viewB = append(viewB, ds.augmenter.Augment(img, rng))
		sampleTiles, label := ds.task.Transform(img, rng)
		if len(sampleTiles) != ds.task.NumTiles() {
			return nil, nil, nil, errors.Errorf(
				"pretext task %q produced %d tiles, expected %d",
				ds.task.Name(), len(sampleTiles), ds.task.NumTiles())
		}
		tiles = append(tiles, sampleTiles...)
		pretextLabels = append(pretextLabels, label)
	}

	toTensor := timage.ToTensor(ds.dtype)
	inputs = []*tensors.Tensor{
		toTensor.Batch(viewA),
		toTensor.Batch(viewB),
		toTensor.Batch(tiles),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(pretextLabels, ds.batchSize)}
	return nil, inputs, labels, nil
}

// nextIndices reserves the next batch worth of sample indices and returns a
// private RNG for the augmentations of this batch.
func (ds *PretextDataset) nextIndices() ([]int, *rand.Rand, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.position+ds.batchSize > len(ds.order) {
		return nil, nil, io.EOF
	}
	indices := ds.order[ds.position : ds.position+ds.batchSize]
	ds.position += ds.batchSize
	return indices, rand.New(rand.NewSource(ds.rng.Int63())), nil
}

// Parallelized wraps the dataset with a parallel prefetching reader.
func (ds *PretextDataset) Parallelized(workers int) mltrain.Dataset {
	if workers <= 0 {
		return ds
	}
	return datasets.CustomParallel(ds).Parallelism(workers).Buffer(workers).Start()
}
