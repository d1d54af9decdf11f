// scatsimclr trains a self-supervised image representation: a SimCLR-style
// contrastive objective combined with an auxiliary pretext task (jigsaw
// permutation or rotation prediction) on shared backbone features.
//
// Typical usage:
//
//	scatsimclr --config config.yaml --run stl10
//
// Each invocation creates a fresh run directory runs/<run>-<id>/ holding a
// verbatim copy of the configuration, the checkpoints and the metrics time
// series. With --eval the representation is additionally scored with a linear
// probe on the labeled splits every eval_every_n_epochs epochs.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	mltrain "github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/betuullm/scatsimclr/config"
	"github.com/betuullm/scatsimclr/data"
	"github.com/betuullm/scatsimclr/pretext"
	"github.com/betuullm/scatsimclr/probe"
	"github.com/betuullm/scatsimclr/trainer"
)

var (
	flagConfig  = flag.String("config", "config.yaml", "Path to the YAML run configuration.")
	flagRunName = flag.String("run", "scatsimclr", "Run name; the run directory is runs/<run>-<id>.")
	flagRunsDir = flag.String("runs_dir", "runs", "Directory under which run directories are created.")
	flagEval    = flag.Bool("eval", false, "Periodically score the representation with a linear probe "+
		"on the labeled train/test splits.")
	flagSeed = flag.Int64("seed", 42, "Seed for the train/valid split and the data augmentation.")
)

func assertNoError(err error) {
	if err != nil {
		log.Fatalf("Failed: %+v", err)
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	assertNoError(err)
	task, err := pretext.FromConfig(cfg)
	assertNoError(err)

	runDir := filepath.Join(*flagRunsDir, *flagRunName+"-"+uuid.NewString()[:8])
	checkpointsDir := filepath.Join(runDir, "checkpoints")
	must.M(os.MkdirAll(checkpointsDir, 0o755))
	must.M(cfg.Snapshot(checkpointsDir))

	backend := backends.MustNew()
	klog.Infof("backend: %s", backend.Name())
	klog.Infof("run directory: %s", runDir)
	klog.Infof("model %s, pretext task %s, batch size %d, %d epochs",
		cfg.Model.BaseModel, task.Name(), cfg.BatchSize, cfg.Epochs)

	trainDS, validDS := buildDatasets(cfg, task)
	ctx := context.New()
	store, err := trainer.NewDiskStore(ctx, checkpointsDir)
	assertNoError(err)
	sink := trainer.NewPlotsSink(checkpointsDir)
	defer func() { must.M(sink.Close()) }()

	var evaluator trainer.Evaluator
	if *flagEval {
		labeledTrain := filepath.Join(cfg.Dataset.DataRoot, cfg.Dataset.TrainDir)
		labeledTest := filepath.Join(cfg.Dataset.DataRoot, cfg.Dataset.TestDir)
		probeEval, err := probe.New(backend, cfg, labeledTrain, labeledTest)
		assertNoError(err)
		klog.Infof("linear probe enabled: %d classes", probeEval.NumClasses())
		evaluator = probeEval
	}

	tr, err := trainer.New(backend, ctx, cfg, trainDS, validDS, store, sink, evaluator)
	assertNoError(err)

	start := time.Now()
	state, err := tr.Run()
	assertNoError(err)

	fmt.Printf("Trained %s steps over %d epochs in %s.\n",
		humanize.Comma(int64(state.GlobalStep)), state.Epoch,
		time.Since(start).Round(time.Second))
	fmt.Printf("Best validation loss: %.4f\n", state.BestValidLoss)
	if evaluator != nil {
		fmt.Printf("Best linear probe accuracy: %.2f%%\n", 100*state.BestAccuracy)
	}
	fmt.Printf("Checkpoints in %s\n", checkpointsDir)
}

// buildDatasets lists the unlabeled training images, splits off the validation
// fraction and wraps both splits as pretext datasets. The validation dataset
// is nil when valid_size is 0.
func buildDatasets(cfg *config.Config, task pretext.Task) (trainDS, validDS mltrain.Dataset) {
	unlabeledDir := filepath.Join(cfg.Dataset.DataRoot, cfg.Dataset.TrainDir)
	paths, err := data.ListImages(unlabeledDir)
	assertNoError(err)

	trainPaths, validPaths := data.SplitTrainValid(paths, cfg.Dataset.ValidSize, *flagSeed)
	klog.Infof("dataset %s: %s training images, %s validation images",
		cfg.Dataset.Name, humanize.Comma(int64(len(trainPaths))), humanize.Comma(int64(len(validPaths))))

	augmenter := data.NewAugmenter(cfg.Dataset.InputSize)
	train := data.NewPretextDataset("train", trainPaths, cfg.BatchSize, cfg.Dataset.InputSize,
		task, augmenter, true, *flagSeed)
	trainDS = train.Parallelized(cfg.Dataset.NumWorkers)
	if len(validPaths) >= cfg.BatchSize {
		valid := data.NewPretextDataset("valid", validPaths, cfg.BatchSize, cfg.Dataset.InputSize,
			task, augmenter, false, *flagSeed)
		validDS = valid.Parallelized(cfg.Dataset.NumWorkers)
	}
	return
}
