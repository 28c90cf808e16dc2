package guardian

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
)

// DefaultPayloadSchemas are the envelope schemas applied when the policy
// profile names none. Types without a schema accept any object.
var DefaultPayloadSchemas = map[contracts.InterventionType]string{
	contracts.TypePurchase: `{
		"type": "object",
		"required": ["amount"],
		"properties": {
			"amount": {"type": "number", "minimum": 0},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3}
		}
	}`,
	contracts.TypeShareData: `{
		"type": "object",
		"required": ["recipient"],
		"properties": {"recipient": {"type": "string", "minLength": 1}}
	}`,
	contracts.TypeSchedule: `{
		"type": "object",
		"properties": {"hour": {"type": "integer", "minimum": 0, "maximum": 23}}
	}`,
	contracts.TypeMessage: `{
		"type": "object",
		"properties": {"channel": {"type": "string"}, "body": {"type": "string"}}
	}`,
}

// SchemaSet holds one compiled JSON Schema per intervention type.
type SchemaSet struct {
	schemas map[contracts.InterventionType]*jsonschema.Schema
}

// NewSchemaSet compiles the given schemas.
func NewSchemaSet(raw map[contracts.InterventionType]string) (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[contracts.InterventionType]*jsonschema.Schema, len(raw))}
	for t, src := range raw {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://exoskull.schemas.local/payload/%s.schema.json", t)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("payload schema %s load failed: %w", t, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("payload schema %s compile failed: %w", t, err)
		}
		set.schemas[t] = compiled
	}
	return set, nil
}

// Validate checks the intervention payload against its type's schema.
func (s *SchemaSet) Validate(in *contracts.Intervention) error {
	schema, ok := s.schemas[in.Type]
	if !ok {
		return nil
	}
	// Round-trip through JSON so Go numeric types validate as JSON numbers.
	raw, err := json.Marshal(in.Payload)
	if err != nil {
		return fmt.Errorf("payload not serialisable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return schema.Validate(doc)
}
