package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const verdictSchemaURL = "verdict.json"

// verdictSchema is the structural contract of the model's JSON answer.
const verdictSchema = `{
  "type": "object",
  "required": ["validityFactor"],
  "properties": {
    "validityFactor": {"type": "number", "minimum": 0, "maximum": 1},
    "descriptionOfAnalysis": {"type": "string"}
  }
}`

func compileVerdictSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(verdictSchemaURL, strings.NewReader(verdictSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(verdictSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateAgainst checks data against schema.
func validateAgainst(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
