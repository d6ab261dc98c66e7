package definition

// Builtin runtime profiles. Ports and health endpoints follow the upstream
// serving frameworks' defaults.

type cmdGenerator struct{}

func (cmdGenerator) Variant() RuntimeVariant {
	return RuntimeCmd
}

func (cmdGenerator) Generate(spec *ModelRevisionSpec) (*ModelDefinition, error) {
	return &ModelDefinition{
		Models: []ModelService{
			{
				Name:      serviceName(spec, "image-model"),
				ModelPath: spec.ModelPath,
				Port:      8000,
			},
		},
	}, nil
}

type tgiGenerator struct{}

func (tgiGenerator) Variant() RuntimeVariant {
	return RuntimeTGI
}

func (tgiGenerator) Generate(spec *ModelRevisionSpec) (*ModelDefinition, error) {
	return &ModelDefinition{
		Models: []ModelService{
			{
				Name:      serviceName(spec, "tgi-model"),
				ModelPath: spec.ModelPath,
				Port:      3000,
				HealthCheck: &HealthCheck{
					Path: "/health",
				},
			},
		},
	}, nil
}

type nimGenerator struct{}

func (nimGenerator) Variant() RuntimeVariant {
	return RuntimeNIM
}

func (nimGenerator) Generate(spec *ModelRevisionSpec) (*ModelDefinition, error) {
	return &ModelDefinition{
		Models: []ModelService{
			{
				Name:      serviceName(spec, "nim-model"),
				ModelPath: spec.ModelPath,
				Port:      8000,
				HealthCheck: &HealthCheck{
					Path: "/v1/health/ready",
				},
			},
		},
	}, nil
}

type sglangGenerator struct{}

func (sglangGenerator) Variant() RuntimeVariant {
	return RuntimeSGLang
}

func (sglangGenerator) Generate(spec *ModelRevisionSpec) (*ModelDefinition, error) {
	return &ModelDefinition{
		Models: []ModelService{
			{
				Name:      serviceName(spec, "sglang-model"),
				ModelPath: spec.ModelPath,
				Port:      30000,
				HealthCheck: &HealthCheck{
					Path: "/health",
				},
			},
		},
	}, nil
}

func serviceName(spec *ModelRevisionSpec, fallback string) string {
	if spec.ServiceName != "" {
		return spec.ServiceName
	}
	return fallback
}
