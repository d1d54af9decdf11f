package trainer

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scopes the checkpoint artifacts cover. The trainer builds the backbone and
// projection head under ScopeModel and the pretext head under ScopePretext;
// optimizer state lives elsewhere and is never persisted.
const (
	ScopeModel   = "/model"
	ScopePretext = "/pretext"
)

// Store persists checkpoint artifacts. The trainer never computes file paths:
// it only names artifacts ("model.pth", "model_final.pth", ...) and delegates
// the write. Artifacts are independent snapshots; saving one never touches
// another.
type Store interface {
	// SaveBackbone snapshots the backbone and projection-head parameters.
	SaveBackbone(artifact string) error

	// SaveHead snapshots the pretext-head parameters (the FC stages and the
	// classification layer).
	SaveHead(artifact string) error
}

// varEntry precedes each serialized tensor in a checkpoint file.
type varEntry struct {
	Scope string
	Name  string
}

// DiskStore writes artifacts into a checkpoint directory as gob streams of
// (scope, name, tensor) records. Writes are atomic-per-file: the artifact is
// assembled under a temporary name and renamed into place.
type DiskStore struct {
	ctx *context.Context
	dir string
}

// NewDiskStore creates the checkpoint directory (including parents) and
// returns a store saving variables from ctx into it.
func NewDiskStore(ctx *context.Context, dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	return &DiskStore{ctx: ctx, dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *DiskStore) Dir() string { return s.dir }

// SaveBackbone implements Store.
func (s *DiskStore) SaveBackbone(artifact string) error {
	return s.saveScope(artifact, ScopeModel)
}

// SaveHead implements Store.
func (s *DiskStore) SaveHead(artifact string) error {
	return s.saveScope(artifact, ScopePretext)
}

func (s *DiskStore) saveScope(artifact, scope string) error {
	var variables []*context.Variable
	s.ctx.InAbsPath(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		variables = append(variables, v)
	})
	if len(variables) == 0 {
		return errors.Errorf("no variables to checkpoint under scope %q, artifact %q", scope, artifact)
	}
	sort.Slice(variables, func(i, j int) bool {
		if variables[i].Scope() != variables[j].Scope() {
			return variables[i].Scope() < variables[j].Scope()
		}
		return variables[i].Name() < variables[j].Name()
	})

	finalPath := filepath.Join(s.dir, artifact)
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file %q", tmpPath)
	}
	enc := gob.NewEncoder(f)
	for _, v := range variables {
		value, err := v.Value()
		if err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to read variable %s/%s for checkpoint %q", v.Scope(), v.Name(), artifact)
		}
		if err := enc.Encode(varEntry{Scope: v.Scope(), Name: v.Name()}); err == nil {
			err = value.GobSerialize(enc)
		}
		if err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to serialize variable %s/%s to checkpoint %q", v.Scope(), v.Name(), artifact)
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to finish writing checkpoint %q", tmpPath)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return errors.Wrapf(err, "failed to move checkpoint into place at %q", finalPath)
	}
	klog.V(1).Infof("checkpoint saved: %s (%d variables from %s)", finalPath, len(variables), scope)
	return nil
}

// LoadVariables restores a checkpoint file into ctx, overwriting existing
// variable values and creating missing variables at their recorded scopes.
// A missing file surfaces as os.ErrNotExist for the caller to decide on.
func LoadVariables(ctx *context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	loaded := 0
	for {
		var entry varEntry
		err := dec.Decode(&entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "corrupt checkpoint %q after %d variables", path, loaded)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return errors.Wrapf(err, "failed to deserialize variable %s/%s from checkpoint %q",
				entry.Scope, entry.Name, path)
		}
		if v := ctx.GetVariableByScopeAndName(entry.Scope, entry.Name); v != nil {
			if err := v.SetValue(value); err != nil {
				return errors.Wrapf(err, "failed to restore variable %s/%s from checkpoint %q",
					entry.Scope, entry.Name, path)
			}
		} else {
			ctx.InAbsPath(entry.Scope).VariableWithValue(entry.Name, value)
		}
		loaded++
	}
	klog.V(1).Infof("checkpoint loaded: %s (%d variables)", path, loaded)
	return nil
}

// MemoryStore records artifact saves without touching the filesystem, in the
// order they happened. It substitutes a DiskStore in tests.
type MemoryStore struct {
	mu        sync.Mutex
	backbones []string
	heads     []string
}

func (m *MemoryStore) SaveBackbone(artifact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backbones = append(m.backbones, artifact)
	return nil
}

func (m *MemoryStore) SaveHead(artifact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads = append(m.heads, artifact)
	return nil
}

// Backbones lists the backbone artifacts saved so far.
func (m *MemoryStore) Backbones() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.backbones...)
}

// Heads lists the head artifacts saved so far.
func (m *MemoryStore) Heads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.heads...)
}
