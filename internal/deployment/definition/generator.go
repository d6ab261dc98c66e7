// Package definition derives concrete model service definitions from
// deployment revision specs, one generator per runtime variant.
package definition

import (
	"fmt"

	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
)

// RuntimeVariant is the closed set of supported model runtimes.
type RuntimeVariant string

const (
	RuntimeCustom RuntimeVariant = "custom"
	RuntimeCmd    RuntimeVariant = "cmd"
	RuntimeTGI    RuntimeVariant = "huggingface-tgi"
	RuntimeNIM    RuntimeVariant = "nim"
	RuntimeSGLang RuntimeVariant = "sglang"
)

// ModelRevisionSpec is the generator input: what the revision declares about
// the model and how to serve it.
type ModelRevisionSpec struct {
	Runtime        RuntimeVariant
	ModelPath      string
	ServiceName    string
	// DefinitionPath points at the user-supplied definition file inside the
	// model folder; only the custom variant reads it.
	DefinitionPath string
}

// HealthCheck describes how the proxy probes a served model.
type HealthCheck struct {
	Path       string `yaml:"path"`
	Interval   int    `yaml:"interval,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
}

// ModelService is one served process within a model definition.
type ModelService struct {
	Name         string       `yaml:"name"`
	ModelPath    string       `yaml:"model_path"`
	Port         int          `yaml:"port"`
	StartCommand []string     `yaml:"start_command,omitempty"`
	HealthCheck  *HealthCheck `yaml:"health_check,omitempty"`
}

// ModelDefinition is the derived, validated definition handed to the agent.
type ModelDefinition struct {
	Models []ModelService `yaml:"models"`
}

// DefinitionFileFetcher loads user-supplied definition files from the model
// folder. Only the custom variant needs it.
type DefinitionFileFetcher interface {
	FetchDefinitionFile(vfolderID string, path string) ([]byte, error)
}

// Generator derives a model definition for one runtime variant.
type Generator interface {
	Variant() RuntimeVariant
	Generate(spec *ModelRevisionSpec) (*ModelDefinition, error)
}

// Registry maps runtime variants to their generators. Built once at startup;
// read-only afterwards.
type Registry struct {
	generators map[RuntimeVariant]Generator
}

// NewRegistry builds the registry over the builtin variants. fetcher backs
// the custom variant's definition file loading.
func NewRegistry(fetcher DefinitionFileFetcher) *Registry {
	registry := &Registry{generators: make(map[RuntimeVariant]Generator)}
	for _, generator := range []Generator{
		cmdGenerator{},
		tgiGenerator{},
		nimGenerator{},
		sglangGenerator{},
		customGenerator{fetcher: fetcher},
	} {
		registry.generators[generator.Variant()] = generator
	}
	return registry
}

// Generate dispatches to the variant's generator.
func (r *Registry) Generate(spec *ModelRevisionSpec) (*ModelDefinition, error) {
	generator, ok := r.generators[spec.Runtime]
	if !ok {
		return nil, &sokovanerrors.InvalidAPIParametersError{
			Field:   "runtime_variant",
			Message: fmt.Sprintf("unsupported runtime variant %q", spec.Runtime),
		}
	}
	return generator.Generate(spec)
}

// Variants returns the supported variants, for input validation at the API
// boundary.
func (r *Registry) Variants() []RuntimeVariant {
	variants := make([]RuntimeVariant, 0, len(r.generators))
	for variant := range r.generators {
		variants = append(variants, variant)
	}
	return variants
}
