package mysql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
	"github.com/openfroyo/froyo-mysql/pkg/resources"
)

// ProviderVersion is reported in provider metadata.
const ProviderVersion = "1.0.0"

// Applier executes a plan against a host.
type Applier interface {
	Apply(ctx context.Context, plan *resources.Plan) (*engine.Run, error)
}

// Provider exposes MySQL instances through the engine.Provider contract.
type Provider struct {
	applier Applier
	probe   ProbeConfig
}

var _ engine.Provider = (*Provider)(nil)

// NewProvider creates a provider. applier may be nil for plan-only use.
func NewProvider(applier Applier, probe ProbeConfig) *Provider {
	return &Provider{applier: applier, probe: probe}
}

// Metadata returns information about this provider.
func (p *Provider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Name:        ResourceType,
		Version:     ProviderVersion,
		Description: "MySQL server instances on Debian and Ubuntu",
		RequiredCapabilities: []string{
			string(protocol.CommandTypePkgEnsure),
			string(protocol.CommandTypeServiceEnsure),
			string(protocol.CommandTypeFileWrite),
			string(protocol.CommandTypeFileDelete),
			string(protocol.CommandTypeDirEnsure),
			string(protocol.CommandTypeGroupEnsure),
			string(protocol.CommandTypeUserEnsure),
			string(protocol.CommandTypeExec),
		},
	}
}

// Schema returns the descriptor schema.
func (p *Provider) Schema() (*engine.ProviderSchema, error) {
	actions := make([]string, 0, len(Actions()))
	for _, a := range Actions() {
		actions = append(actions, string(a))
	}
	return &engine.ProviderSchema{
		Version: "1",
		ResourceTypes: map[string]*engine.ResourceTypeSchema{
			ResourceType: {
				Name:         ResourceType,
				Description:  "A mysqld instance with its own configuration, data, run and log directories",
				ConfigSchema: ServiceSchema,
				Actions:      actions,
			},
		},
	}, nil
}

// Validate checks a JSON descriptor.
func (p *Provider) Validate(ctx context.Context, config json.RawMessage) error {
	_, err := DecodeService(config)
	return err
}

// Plan expands the descriptor for the requested action.
func (p *Provider) Plan(ctx context.Context, req engine.PlanRequest) (*engine.PlanResponse, error) {
	svc, err := DecodeService(req.Config)
	if err != nil {
		return nil, err
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		return nil, engine.NewPermanentError("invalid action", err).WithCode(engine.ErrCodeValidation)
	}

	plan, err := Plan(svc, action)
	if err != nil {
		return nil, engine.NewPermanentError("failed to plan", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(svc.MysqlName())
	}

	resp := &engine.PlanResponse{Plan: plan}
	if action == ActionDelete {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("data directory %s is kept", svc.DataDir))
	}
	return resp, nil
}

// Apply hands the plan to the applier.
func (p *Provider) Apply(ctx context.Context, req engine.ApplyRequest) (*engine.ApplyResponse, error) {
	if p.applier == nil {
		return nil, engine.NewPermanentError("provider has no executor", nil).WithCode(engine.ErrCodeInternal)
	}
	if req.Plan == nil {
		return nil, engine.NewPermanentError("no plan to apply", nil).WithCode(engine.ErrCodeValidation)
	}
	run, err := p.applier.Apply(ctx, req.Plan)
	return &engine.ApplyResponse{Run: run}, err
}

// Read probes the instance over its socket, or TCP when a probe host is
// configured.
func (p *Provider) Read(ctx context.Context, req engine.ReadRequest) (*engine.ReadResponse, error) {
	svc, err := DecodeService(req.Config)
	if err != nil {
		return nil, err
	}
	state, err := svc.Probe(ctx, p.probe)
	if err != nil {
		return nil, engine.NewTransientError("failed to probe instance", err).WithResource(svc.MysqlName())
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return &engine.ReadResponse{State: raw, Exists: state.Reachable}, nil
}

// DecodeService decodes and resolves a JSON descriptor. Unknown fields are
// rejected.
func DecodeService(raw json.RawMessage) (Service, error) {
	var svc Service
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&svc); err != nil {
		return Service{}, engine.NewPermanentError("failed to decode descriptor", err).WithCode(engine.ErrCodeValidation)
	}
	resolved, err := Resolve(svc)
	if err != nil {
		return Service{}, engine.NewPermanentError("invalid descriptor", err).WithCode(engine.ErrCodeValidation)
	}
	return resolved, nil
}
