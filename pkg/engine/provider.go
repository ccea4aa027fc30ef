package engine

import (
	"context"
	"encoding/json"

	"github.com/openfroyo/froyo-mysql/pkg/resources"
)

// Provider turns a resource descriptor into ordered declarations and hands
// them to an executor. Providers never talk to hosts directly except to
// observe them in Read.
type Provider interface {
	// Metadata returns information about this provider.
	Metadata() ProviderMetadata

	// Schema returns the schema of the descriptors this provider accepts.
	Schema() (*ProviderSchema, error)

	// Validate checks a descriptor without planning it.
	Validate(ctx context.Context, config json.RawMessage) error

	// Plan expands a descriptor and lifecycle action into declarations.
	Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error)

	// Apply executes a plan produced by Plan.
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error)

	// Read observes the live state of the resource.
	Read(ctx context.Context, req ReadRequest) (*ReadResponse, error)
}

// PlanRequest contains the parameters for a Plan operation.
type PlanRequest struct {
	// Config is the resource descriptor.
	Config json.RawMessage `json:"config"`

	// Action is the lifecycle action to plan.
	Action string `json:"action"`
}

// PlanResponse contains the result of a Plan operation.
type PlanResponse struct {
	Plan *resources.Plan `json:"plan"`

	// Warnings are non-fatal remarks about the plan.
	Warnings []string `json:"warnings,omitempty"`
}

// ApplyRequest contains the parameters for an Apply operation.
type ApplyRequest struct {
	Plan *resources.Plan `json:"plan"`
}

// ApplyResponse contains the result of an Apply operation.
type ApplyResponse struct {
	Run *Run `json:"run"`
}

// ReadRequest contains the parameters for a Read operation.
type ReadRequest struct {
	Config json.RawMessage `json:"config"`
}

// ReadResponse contains the result of a Read operation.
type ReadResponse struct {
	// State is the observed state of the resource.
	State json.RawMessage `json:"state"`

	// Exists indicates whether the resource exists.
	Exists bool `json:"exists"`
}

// ProviderSchema describes the descriptors a provider accepts.
type ProviderSchema struct {
	// Version is the schema version.
	Version string `json:"version"`

	// ResourceTypes maps resource type names to their schemas.
	ResourceTypes map[string]*ResourceTypeSchema `json:"resource_types"`
}

// ResourceTypeSchema defines the schema for a resource type.
type ResourceTypeSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// ConfigSchema is the CUE definition descriptors are unified with.
	ConfigSchema string `json:"config_schema"`

	// Actions lists the lifecycle actions Plan accepts.
	Actions []string `json:"actions"`
}

// ProviderMetadata contains information about a provider.
type ProviderMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`

	// RequiredCapabilities lists the runner command types the provider
	// emits.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}
