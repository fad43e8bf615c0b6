package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// outputSchema checks the envelope only. Claims are checked one by one so a
// single bad claim does not discard its siblings.
const outputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["claims"],
  "properties": {
    "claims": {
      "type": "array",
      "items": {"type": "object"}
    }
  }
}`

var compiledOutputSchema = mustCompile("statute://extract/output.json", outputSchema)

func mustCompile(url, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// ParseOutput validates raw model output and splits it into one raw message
// per claim
func ParseOutput(data []byte) ([]json.RawMessage, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("model output is not json: %w", err)
	}
	if err := compiledOutputSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("model output schema: %w", err)
	}

	var env struct {
		Claims []json.RawMessage `json:"claims"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("model output: %w", err)
	}
	return env.Claims, nil
}
