package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/types"
)

// SchemaValidator validates inject content against the parameter schema of
// its contract. Compiled schemas are cached per contract.
type SchemaValidator struct {
	mu      sync.Mutex
	schemas map[string]cachedSchema
}

type cachedSchema struct {
	source []byte
	schema *jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]cachedSchema)}
}

// Validate checks content against contract.ParameterSchema. A contract
// without a schema accepts anything.
func (v *SchemaValidator) Validate(contract types.InjectorContract, content json.RawMessage) error {
	if len(contract.ParameterSchema) == 0 {
		return nil
	}

	schema, err := v.compile(contract)
	if err != nil {
		return injector.NewConfigurationError("SchemaValidator.Validate", err).
			WithContext(map[string]any{"contract_id": contract.ID})
	}

	var doc any = map[string]any{}
	if len(bytes.TrimSpace(content)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return injector.NewValidationError("SchemaValidator.Validate",
				fmt.Errorf("%w: %v", injector.ErrInvalidContent, err))
		}
	}

	if err := schema.Validate(doc); err != nil {
		return injector.NewValidationError("SchemaValidator.Validate",
			fmt.Errorf("%w: %v", injector.ErrInvalidContent, err)).
			WithContext(map[string]any{"contract_id": contract.ID})
	}
	return nil
}

func (v *SchemaValidator) compile(contract types.InjectorContract) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.schemas[contract.ID]; ok && bytes.Equal(c.source, contract.ParameterSchema) {
		return c.schema, nil
	}

	url := fmt.Sprintf("contract-%s.json", contract.ID)
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, bytes.NewReader(contract.ParameterSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	v.schemas[contract.ID] = cachedSchema{
		source: append([]byte(nil), contract.ParameterSchema...),
		schema: schema,
	}
	return schema, nil
}
