package ml

import (
	"fmt"

	"pd-voice/internal/common"
)

// Spec describes one model family. Capability is fixed when the family is registered.
type Spec struct {
	Name       string
	Capability Capability
	New        func(Options) Classifier
}

// Registry owns the ordered set of model families used for a run.
type Registry struct {
	opts  Options
	specs []Spec
	index map[string]int
}

// DefaultSpecs returns the three families in reporting order.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Name:       common.ModelLogisticRegression,
			Capability: NativeImportance,
			New:        func(o Options) Classifier { return NewLogisticRegression(o) },
		},
		{
			Name:       common.ModelSVMRBF,
			Capability: NoNativeImportance,
			New:        func(o Options) Classifier { return NewSVM(o) },
		},
		{
			Name:       common.ModelRandomForest,
			Capability: NativeImportance,
			New:        func(o Options) Classifier { return NewRandomForest(o) },
		},
	}
}

// NewRegistry creates a registry holding the default families.
func NewRegistry(opts Options) *Registry {
	r := &Registry{opts: opts, index: make(map[string]int)}
	for _, s := range DefaultSpecs() {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// NewEmptyRegistry creates a registry with no families.
func NewEmptyRegistry(opts Options) *Registry {
	return &Registry{opts: opts, index: make(map[string]int)}
}

// Register adds a family. A family declaring NativeImportance must build
// classifiers that implement Importancer.
func (r *Registry) Register(s Spec) error {
	if s.Name == "" || s.New == nil {
		return fmt.Errorf("model definition needs a name and a constructor")
	}
	if _, dup := r.index[s.Name]; dup {
		return fmt.Errorf("model %s already registered", s.Name)
	}
	if s.Capability == NativeImportance {
		if _, ok := s.New(r.opts).(Importancer); !ok {
			return fmt.Errorf("model %s declares native importance but does not implement it", s.Name)
		}
	}
	r.index[s.Name] = len(r.specs)
	r.specs = append(r.specs, s)
	return nil
}

// Options returns the run-wide options.
func (r *Registry) Options() Options {
	return r.opts
}

// Names returns the registered family names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.specs))
	for i, s := range r.specs {
		out[i] = s.Name
	}
	return out
}

// Capability returns the declared capability of a family.
func (r *Registry) Capability(name string) (Capability, error) {
	i, ok := r.index[name]
	if !ok {
		return NoNativeImportance, fmt.Errorf("unknown model %q", name)
	}
	return r.specs[i].Capability, nil
}

// Pipeline returns a fresh unfitted pipeline for a family.
func (r *Registry) Pipeline(name string) (*Pipeline, error) {
	i, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q (registered: %v)", name, r.Names())
	}
	s := r.specs[i]
	return &Pipeline{
		Name:       s.Name,
		Capability: s.Capability,
		Scaler:     &StandardScaler{},
		Classifier: s.New(r.opts),
	}, nil
}

// Pipelines returns a fresh pipeline for every family, optionally filtered by name.
func (r *Registry) Pipelines(names ...string) ([]*Pipeline, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	out := make([]*Pipeline, 0, len(names))
	for _, n := range names {
		p, err := r.Pipeline(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
