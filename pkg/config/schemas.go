package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/froyo-mysql/pkg/mysql"
)

// schemaFilePrefix marks schema positions in errors.
const schemaFilePrefix = "schema/"

// DescriptorsSchema is the registry name of the descriptor document schema.
const DescriptorsSchema = "descriptors"

// descriptorsSchema wraps the service schema in the document layout.
const descriptorsSchema = mysql.ServiceSchema + `
#Descriptors: {
	services: [string]: #Service
}
`

// SchemaRegistry manages CUE schemas for validation. Values compiled by
// the registry share its cue.Context and can be unified with each other.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]schema
	mu      sync.RWMutex
}

type schema struct {
	value cue.Value
	// definition is the path data is unified with, e.g. "#Service".
	definition string
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]schema),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	if err := sr.RegisterSchema(mysql.ResourceType, mysql.ServiceSchema, "#Service"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(DescriptorsSchema, descriptorsSchema, "#Descriptors"); err != nil {
		panic(err)
	}
}

// Context returns the cue.Context schemas are compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles src and registers the definition inside it under
// name.
func (sr *SchemaRegistry) RegisterSchema(name, src, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(schemaFilePrefix+name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}

	sr.schemas[name] = schema{value: def, definition: definition}
	return nil
}

// GetSchema returns the registered definition.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	s, ok := sr.schemas[name]
	return s.value, ok
}

// Unify unifies val with the named schema without validating the result.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	def, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	return def.Unify(val), nil
}

// ValidateAgainstSchema encodes data and checks it against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, name string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(name, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateService checks a single descriptor against the service schema.
func (sr *SchemaRegistry) ValidateService(ctx context.Context, svc mysql.Service) error {
	return sr.ValidateAgainstSchema(ctx, mysql.ResourceType, svc)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
