package definition

import (
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
)

// Ports the in-container service agent reserves for itself; user definitions
// may not bind them.
var reservedPorts = map[int]struct{}{
	2000: {},
	2001: {},
}

// customGenerator loads and validates a user-supplied definition file instead
// of deriving one from a builtin profile.
type customGenerator struct {
	fetcher DefinitionFileFetcher
}

func (customGenerator) Variant() RuntimeVariant {
	return RuntimeCustom
}

func (g customGenerator) Generate(spec *ModelRevisionSpec) (*ModelDefinition, error) {
	path := spec.DefinitionPath
	if path == "" {
		path = "model-definition.yaml"
	}
	raw, err := g.fetcher.FetchDefinitionFile(spec.ModelPath, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load definition file %q", path)
	}

	var def ModelDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, &sokovanerrors.InvalidAPIParametersError{
			Field:   path,
			Message: fmt.Sprintf("not a valid YAML document: %v", err),
		}
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateDefinition checks a user-supplied definition against the schema the
// service agent expects.
func ValidateDefinition(def *ModelDefinition) error {
	if len(def.Models) == 0 {
		return &sokovanerrors.InvalidAPIParametersError{
			Field:   "models",
			Message: "at least one model must be defined",
		}
	}
	for i, model := range def.Models {
		field := fmt.Sprintf("models[%d]", i)
		if model.Name == "" {
			return &sokovanerrors.InvalidAPIParametersError{
				Field:   field + ".name",
				Message: "name is required",
			}
		}
		if model.ModelPath == "" {
			return &sokovanerrors.InvalidAPIParametersError{
				Field:   field + ".model_path",
				Message: "model_path is required",
			}
		}
		if model.Port <= 0 || model.Port > 65535 {
			return &sokovanerrors.InvalidAPIParametersError{
				Field:   field + ".port",
				Message: fmt.Sprintf("port %d is out of range", model.Port),
			}
		}
		if _, reserved := reservedPorts[model.Port]; reserved {
			return &sokovanerrors.InvalidAPIParametersError{
				Field:   field + ".port",
				Message: fmt.Sprintf("port %d is reserved for internal use", model.Port),
			}
		}
		if hc := model.HealthCheck; hc != nil {
			if hc.Path == "" {
				return &sokovanerrors.InvalidAPIParametersError{
					Field:   field + ".health_check.path",
					Message: "path is required",
				}
			}
			if hc.Interval < 0 || hc.MaxRetries < 0 {
				return &sokovanerrors.InvalidAPIParametersError{
					Field:   field + ".health_check",
					Message: "interval and max_retries must not be negative",
				}
			}
		}
	}
	return nil
}
