// Package config loads and validates the run configuration for the contrastive
// pretext-task training pipeline.
//
// The configuration is a YAML file mirroring the original experiment layout
// (top-level training knobs plus `pretext`, `loss`, `model` and `dataset`
// sections). It is loaded once, validated eagerly and treated as immutable for
// the rest of the run. Hyperparameters that graph-building code needs are
// mirrored into a gomlx context with AttachToContext.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/betuullm/scatsimclr/ntxent"
)

// ConfigurationError indicates an invalid or contradictory run configuration.
// It is always raised at construction time, before any resource is allocated.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Errorf builds a *ConfigurationError with a stack trace attached.
// Match it with errors.As.
func Errorf(format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{Reason: fmt.Sprintf(format, args...)})
}

// PretextMode identifies which auxiliary self-supervised task is trained
// alongside the contrastive objective.
type PretextMode string

const (
	// JigsawMode shuffles 9 tiles of the image and predicts the permutation.
	JigsawMode PretextMode = "jigsaw"
	// RotationMode rotates the image by a multiple of 90° and predicts the angle.
	RotationMode PretextMode = "rotation"
)

// Pretext selects the auxiliary task. Exactly one of Jigsaw or Rotation must be
// enabled.
type Pretext struct {
	Jigsaw    bool `yaml:"jigsaw"`
	Rotation  bool `yaml:"rotation"`
	NumJigsaw int  `yaml:"num_jigsaw"`
}

// Loss holds the NT-Xent parameters.
type Loss struct {
	Temperature         float64 `yaml:"temperature"`
	UseCosineSimilarity bool    `yaml:"use_cosine_similarity"`
}

// Model selects the backbone. BaseModel must be one of the registered names
// (resnet18, resnet50, scatsimclr8, scatsimclr12, scatsimclr16, scatsimclr30).
type Model struct {
	BaseModel string `yaml:"base_model"`
	OutDim    int    `yaml:"out_dim"`
}

// Dataset describes where the images live and how they are shaped.
type Dataset struct {
	Name       string  `yaml:"name"`
	DataRoot   string  `yaml:"data_root"`
	TrainDir   string  `yaml:"train_dir"`
	TestDir    string  `yaml:"test_dir"`
	InputSize  int     `yaml:"input_size"`
	InputShape []int   `yaml:"input_shape"`
	NumWorkers int     `yaml:"num_workers"`
	ValidSize  float64 `yaml:"valid_size"`
}

// Config is the full, immutable run configuration.
type Config struct {
	BatchSize            int     `yaml:"batch_size"`
	Epochs               int     `yaml:"epochs"`
	LearningRate         float64 `yaml:"learning_rate"`
	WeightDecay          float64 `yaml:"weight_decay"`
	LogEveryNSteps       int     `yaml:"log_every_n_steps"`
	ValidateEveryNEpochs int     `yaml:"validate_every_n_epochs"`
	EvalEveryNEpochs     int     `yaml:"eval_every_n_epochs"`
	WarmupEpochs         int     `yaml:"warmup_epochs"`
	FineTuneFrom         string  `yaml:"fine_tune_from"`

	Pretext Pretext `yaml:"pretext"`
	Loss    Loss    `yaml:"loss"`
	Model   Model   `yaml:"model"`
	Dataset Dataset `yaml:"dataset"`

	// raw is the file contents as loaded, kept for verbatim snapshots.
	raw []byte
}

// New returns a Config with the defaults of the original experiments. Callers
// still set the pretext mode and the dataset root.
func New() *Config {
	return &Config{
		BatchSize:            80,
		Epochs:               40,
		LearningRate:         3e-4,
		WeightDecay:          1e-5,
		LogEveryNSteps:       50,
		ValidateEveryNEpochs: 1,
		EvalEveryNEpochs:     5,
		WarmupEpochs:         10,
		Pretext:              Pretext{NumJigsaw: 30},
		Loss:                 Loss{Temperature: 0.5, UseCosineSimilarity: true},
		Model:                Model{BaseModel: "resnet18", OutDim: 128},
		Dataset: Dataset{
			TrainDir:   "train",
			TestDir:    "test",
			InputSize:  96,
			InputShape: []int{96, 96, 3},
			NumWorkers: 0,
			ValidSize:  0.05,
		},
	}
}

// Load reads and validates a YAML configuration file. Unknown keys are
// rejected, catching typos early.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from %q", path)
	}
	cfg := New()
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration from %q", path)
	}
	cfg.raw = raw
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the trainer relies on. It returns a
// *ConfigurationError on the first violation.
func (c *Config) Validate() error {
	if c.BatchSize < 2 {
		return Errorf("batch_size must be >= 2 for in-batch negatives, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return Errorf("epochs must be > 0, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return Errorf("learning_rate must be > 0, got %g", c.LearningRate)
	}
	if c.Pretext.Jigsaw == c.Pretext.Rotation {
		return Errorf("exactly one pretext task must be selected (jigsaw=%v, rotation=%v)",
			c.Pretext.Jigsaw, c.Pretext.Rotation)
	}
	if c.Pretext.Jigsaw && c.Pretext.NumJigsaw <= 1 {
		return Errorf("pretext.num_jigsaw must be > 1, got %d", c.Pretext.NumJigsaw)
	}
	if c.Loss.Temperature <= 0 {
		return Errorf("loss.temperature must be > 0, got %g", c.Loss.Temperature)
	}
	if c.Model.OutDim <= 0 {
		return Errorf("model.out_dim must be > 0, got %d", c.Model.OutDim)
	}
	if c.Dataset.InputSize <= 0 {
		return Errorf("dataset.input_size must be > 0, got %d", c.Dataset.InputSize)
	}
	if len(c.Dataset.InputShape) != 3 {
		return Errorf("dataset.input_shape must be [height, width, channels], got %v", c.Dataset.InputShape)
	}
	if c.Dataset.ValidSize < 0 || c.Dataset.ValidSize >= 1 {
		return Errorf("dataset.valid_size must be in [0, 1), got %g", c.Dataset.ValidSize)
	}
	return nil
}

// PretextMode returns the selected pretext task. Validate must have passed.
func (c *Config) PretextMode() PretextMode {
	if c.Pretext.Jigsaw {
		return JigsawMode
	}
	return RotationMode
}

// AttachToContext mirrors the hyperparameters graph-building code reads into
// the context, so model and loss code stay decoupled from this package.
func (c *Config) AttachToContext(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		"batch_size":                 c.BatchSize,
		"learning_rate":              c.LearningRate,
		"adam_weight_decay":          c.WeightDecay,
		ntxent.ParamTemperature:      c.Loss.Temperature,
		ntxent.ParamCosineSimilarity: c.Loss.UseCosineSimilarity,
		"projection_dim":             c.Model.OutDim,
	})
}

// Snapshot writes a verbatim copy of the loaded configuration into dir,
// creating it (and parents) if needed. Configs built in memory are marshaled
// instead.
func (c *Config) Snapshot(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create configuration snapshot directory %q", dir)
	}
	raw := c.raw
	if raw == nil {
		var err error
		raw, err = yaml.Marshal(c)
		if err != nil {
			return errors.Wrap(err, "failed to marshal configuration for snapshot")
		}
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write configuration snapshot to %q", path)
	}
	return nil
}
