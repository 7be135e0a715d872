package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	kindCongestion = "congestion"
	kindSignal     = "signal"
	kindScaler     = "scaler"
)

// artifact is the on-disk envelope shared by the three model blobs.
type artifact struct {
	Kind       string          `json:"kind"`
	Generation string          `json:"generation"`
	TrainedAt  time.Time       `json:"trained_at"`
	Features   []string        `json:"features"`
	Payload    json.RawMessage `json:"payload"`
}

// ArtifactPaths lists the files of one bundle. The manifest is written last and
// is the file watchers key on.
type ArtifactPaths struct {
	Congestion string
	Signal     string
	Scaler     string
	Manifest   string
}

func BundlePaths(dir, prefix string) ArtifactPaths {
	base := filepath.Join(dir, prefix)
	return ArtifactPaths{
		Congestion: base + "_congestion.model",
		Signal:     base + "_signal.model",
		Scaler:     base + "_scaler.model",
		Manifest:   base + "_features.json",
	}
}

// SaveBundle writes the three model blobs and then the feature manifest. Each
// file is replaced atomically, so a concurrent reader sees either the old or the
// new version of a file, and LoadBundle rejects any mix of generations.
func SaveBundle(dir, prefix string, b *Bundle) error {
	if b == nil || b.Congestion == nil || b.Signal == nil || b.Scaler == nil {
		return ErrModelNotTrained
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	paths := BundlePaths(dir, prefix)

	blobs := []struct {
		path    string
		kind    string
		payload any
	}{
		{paths.Congestion, kindCongestion, b.Congestion},
		{paths.Signal, kindSignal, b.Signal},
		{paths.Scaler, kindScaler, b.Scaler},
	}
	for _, blob := range blobs {
		payload, err := json.Marshal(blob.payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", blob.kind, err)
		}
		data, err := json.Marshal(artifact{
			Kind:       blob.kind,
			Generation: b.Generation,
			TrainedAt:  b.TrainedAt,
			Features:   b.FeatureNames,
			Payload:    payload,
		})
		if err != nil {
			return fmt.Errorf("encode %s: %w", blob.kind, err)
		}
		if err := writeFileAtomic(blob.path, data); err != nil {
			return fmt.Errorf("write %s: %w", blob.kind, err)
		}
	}

	manifest, err := json.Marshal(b.FeatureNames)
	if err != nil {
		return err
	}
	return writeFileAtomic(paths.Manifest, manifest)
}

// LoadBundle reads all four artifacts. Any missing file, feature-order mismatch
// or generation mismatch fails the whole load with ErrBundleIncomplete.
func LoadBundle(dir, prefix string) (*Bundle, error) {
	paths := BundlePaths(dir, prefix)

	raw, err := os.ReadFile(paths.Manifest)
	if err != nil {
		return nil, missing(paths.Manifest, err)
	}
	var features []string
	if err := json.Unmarshal(raw, &features); err != nil {
		return nil, fmt.Errorf("decode feature manifest: %w", err)
	}
	if !sameFeatures(features, FeatureNames()) {
		return nil, fmt.Errorf("%w: feature manifest does not match %d-feature layout", ErrBundleIncomplete, FeatureCount)
	}

	congestion := &GradientBoostingRegressor{}
	congMeta, err := readArtifact(paths.Congestion, kindCongestion, congestion)
	if err != nil {
		return nil, err
	}
	signal := &RandomForestRegressor{}
	signalMeta, err := readArtifact(paths.Signal, kindSignal, signal)
	if err != nil {
		return nil, err
	}
	scaler := &StandardScaler{}
	scalerMeta, err := readArtifact(paths.Scaler, kindScaler, scaler)
	if err != nil {
		return nil, err
	}

	for _, meta := range []artifact{congMeta, signalMeta, scalerMeta} {
		if meta.Generation != congMeta.Generation {
			return nil, fmt.Errorf("%w: %s is generation %s, congestion is %s",
				ErrBundleIncomplete, meta.Kind, meta.Generation, congMeta.Generation)
		}
		if !sameFeatures(meta.Features, features) {
			return nil, fmt.Errorf("%w: %s was trained on a different feature order", ErrBundleIncomplete, meta.Kind)
		}
	}
	if len(congestion.Trees) == 0 || len(signal.Trees) == 0 || len(scaler.Mean) != len(features) {
		return nil, fmt.Errorf("%w: empty model payload", ErrBundleIncomplete)
	}

	return &Bundle{
		Generation:   congMeta.Generation,
		TrainedAt:    congMeta.TrainedAt,
		FeatureNames: features,
		Congestion:   congestion,
		Signal:       signal,
		Scaler:       scaler,
	}, nil
}

func readArtifact(path, kind string, payload any) (artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return artifact{}, missing(path, err)
	}
	var a artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return artifact{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	if a.Kind != kind {
		return artifact{}, fmt.Errorf("%w: %s holds a %q artifact", ErrBundleIncomplete, path, a.Kind)
	}
	if err := json.Unmarshal(a.Payload, payload); err != nil {
		return artifact{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return a, nil
}

func missing(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s not found", ErrBundleIncomplete, filepath.Base(path))
	}
	return err
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
