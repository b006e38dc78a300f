package inference

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Sentinels matched by the typed errors below.
var (
	ErrModelNotFound   = errors.New("model not found")
	ErrFeatureMismatch = errors.New("feature mismatch")
	ErrInference       = errors.New("inference failed")
)

// Error kinds reported by Kind.
const (
	KindModelNotFound   = "model_not_found"
	KindFeatureMismatch = "feature_mismatch"
	KindInference       = "inference"
	KindUnknown         = "unknown"
)

// ModelNotFoundError reports a missing artifact together with the training
// command that produces it.
type ModelNotFoundError struct {
	Path       string
	Model      string
	Task       string
	FeatureSet string
}

// Command is the exact invocation that writes the missing artifact.
func (e *ModelNotFoundError) Command() string {
	return fmt.Sprintf("pvc-train --task %s --model %s --feature-set %s", e.Task, e.Model, e.FeatureSet)
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model not found at %s; train it with: %s", e.Path, e.Command())
}

func (e *ModelNotFoundError) Is(target error) bool {
	return target == ErrModelNotFound
}

// newModelNotFound fills the training parameters from an artifact path
// named <model>_<task>_<feature_set>.gob, falling back to the given defaults.
func newModelNotFound(path, model, task, featureSet string) *ModelNotFoundError {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(base, "_")
	if len(parts) >= 3 {
		featureSet = parts[len(parts)-1]
		task = parts[len(parts)-2]
		model = strings.Join(parts[:len(parts)-2], "_")
	}
	return &ModelNotFoundError{Path: path, Model: model, Task: task, FeatureSet: featureSet}
}

// FeatureMismatchError reports disagreement between extracted features and
// the artifact's recorded schema. Missing and Extra are sorted.
type FeatureMismatchError struct {
	Expected int
	Actual   int
	Missing  []string
	Extra    []string
}

func (e *FeatureMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "feature mismatch: expected=%d, actual=%d", e.Expected, e.Actual)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing %v", e.Missing)
	}
	if len(e.Extra) > 0 {
		fmt.Fprintf(&b, "; extra %v", e.Extra)
	}
	return b.String()
}

func (e *FeatureMismatchError) Is(target error) bool {
	return target == ErrFeatureMismatch
}

// Error wraps an unexpected failure during single-file inference.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference failed: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrInference
}

// Kind classifies an error returned by this package.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrModelNotFound):
		return KindModelNotFound
	case errors.Is(err, ErrFeatureMismatch):
		return KindFeatureMismatch
	case errors.Is(err, ErrInference):
		return KindInference
	default:
		return KindUnknown
	}
}

// Describe renders an error as a message for end users.
func Describe(err error) string {
	var notFound *ModelNotFoundError
	var mismatch *FeatureMismatchError
	var inf *Error

	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return fmt.Sprintf("Model not found at %s. Train it first with:\n  %s", notFound.Path, notFound.Command())
	case errors.As(err, &mismatch):
		msg := fmt.Sprintf("Feature mismatch: the model expects %d features but %d were extracted.", mismatch.Expected, mismatch.Actual)
		if len(mismatch.Missing) > 0 {
			msg += fmt.Sprintf("\n  missing: %s", strings.Join(mismatch.Missing, ", "))
		}
		if len(mismatch.Extra) > 0 {
			msg += fmt.Sprintf("\n  extra: %s", strings.Join(mismatch.Extra, ", "))
		}
		return msg + "\nThe model was trained with a different feature configuration; retrain it or switch feature set."
	case errors.As(err, &inf):
		return fmt.Sprintf("Inference failed while trying to %s: %v", inf.Op, inf.Err)
	default:
		return fmt.Sprintf("Unexpected error: %v", err)
	}
}
