package definition

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/common/sokovanerrors"
)

type fakeFetcher struct {
	files map[string][]byte
}

func (f fakeFetcher) FetchDefinitionFile(_ string, path string) ([]byte, error) {
	raw, ok := f.files[path]
	if !ok {
		return nil, errors.Errorf("no such file %q", path)
	}
	return raw, nil
}

func TestBuiltinVariants(t *testing.T) {
	registry := NewRegistry(fakeFetcher{})

	tests := map[string]struct {
		variant            RuntimeVariant
		expectedPort       int
		expectedHealthPath string
	}{
		"cmd serves on 8000 without health check": {
			variant:      RuntimeCmd,
			expectedPort: 8000,
		},
		"tgi serves on 3000 with /health": {
			variant:            RuntimeTGI,
			expectedPort:       3000,
			expectedHealthPath: "/health",
		},
		"nim serves on 8000 with /v1/health/ready": {
			variant:            RuntimeNIM,
			expectedPort:       8000,
			expectedHealthPath: "/v1/health/ready",
		},
		"sglang serves on 30000 with /health": {
			variant:            RuntimeSGLang,
			expectedPort:       30000,
			expectedHealthPath: "/health",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			def, err := registry.Generate(&ModelRevisionSpec{
				Runtime:   tc.variant,
				ModelPath: "/models/llama",
			})
			require.NoError(t, err)
			require.Len(t, def.Models, 1)

			model := def.Models[0]
			assert.Equal(t, tc.expectedPort, model.Port)
			assert.Equal(t, "/models/llama", model.ModelPath)
			if tc.expectedHealthPath == "" {
				assert.Nil(t, model.HealthCheck)
			} else {
				require.NotNil(t, model.HealthCheck)
				assert.Equal(t, tc.expectedHealthPath, model.HealthCheck.Path)
			}
		})
	}
}

func TestVariantIdentifiers(t *testing.T) {
	registry := NewRegistry(fakeFetcher{})
	assert.ElementsMatch(t,
		[]RuntimeVariant{"custom", "cmd", "huggingface-tgi", "nim", "sglang"},
		registry.Variants())
}

func TestGenerate_UnsupportedVariant(t *testing.T) {
	registry := NewRegistry(fakeFetcher{})
	_, err := registry.Generate(&ModelRevisionSpec{Runtime: RuntimeVariant("vllm")})

	var invalid *sokovanerrors.InvalidAPIParametersError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "runtime_variant", invalid.Field)
}

func TestCustomVariant_ValidDefinition(t *testing.T) {
	registry := NewRegistry(fakeFetcher{files: map[string][]byte{
		"model-definition.yaml": []byte(`
models:
  - name: llama
    model_path: /models/llama
    port: 8080
    health_check:
      path: /health
      max_retries: 3
`),
	}})

	def, err := registry.Generate(&ModelRevisionSpec{
		Runtime:   RuntimeCustom,
		ModelPath: "vfolder-1",
	})
	require.NoError(t, err)
	require.Len(t, def.Models, 1)
	assert.Equal(t, "llama", def.Models[0].Name)
	assert.Equal(t, 8080, def.Models[0].Port)
	require.NotNil(t, def.Models[0].HealthCheck)
	assert.Equal(t, 3, def.Models[0].HealthCheck.MaxRetries)
}

func TestCustomVariant_SchemaViolations(t *testing.T) {
	tests := map[string]struct {
		yaml          string
		expectedField string
	}{
		"no models": {
			yaml:          `models: []`,
			expectedField: "models",
		},
		"missing name": {
			yaml: `
models:
  - model_path: /models/llama
    port: 8080
`,
			expectedField: "models[0].name",
		},
		"missing model path": {
			yaml: `
models:
  - name: llama
    port: 8080
`,
			expectedField: "models[0].model_path",
		},
		"port out of range": {
			yaml: `
models:
  - name: llama
    model_path: /models/llama
    port: 70000
`,
			expectedField: "models[0].port",
		},
		"reserved port": {
			yaml: `
models:
  - name: llama
    model_path: /models/llama
    port: 2000
`,
			expectedField: "models[0].port",
		},
		"health check without path": {
			yaml: `
models:
  - name: llama
    model_path: /models/llama
    port: 8080
    health_check:
      max_retries: 3
`,
			expectedField: "models[0].health_check.path",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			registry := NewRegistry(fakeFetcher{files: map[string][]byte{
				"model-definition.yaml": []byte(tc.yaml),
			}})
			_, err := registry.Generate(&ModelRevisionSpec{
				Runtime:   RuntimeCustom,
				ModelPath: "vfolder-1",
			})

			var invalid *sokovanerrors.InvalidAPIParametersError
			require.True(t, errors.As(err, &invalid), "expected InvalidAPIParametersError, got %v", err)
			assert.Equal(t, tc.expectedField, invalid.Field)
		})
	}
}

func TestCustomVariant_NotYAML(t *testing.T) {
	registry := NewRegistry(fakeFetcher{files: map[string][]byte{
		"model-definition.yaml": []byte("models: [unbalanced"),
	}})
	_, err := registry.Generate(&ModelRevisionSpec{
		Runtime:   RuntimeCustom,
		ModelPath: "vfolder-1",
	})

	var invalid *sokovanerrors.InvalidAPIParametersError
	assert.True(t, errors.As(err, &invalid))
}
