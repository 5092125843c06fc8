package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema constrains inbound envelopes at the boundary. Extension
// attributes are allowed; only the CloudEvents core is pinned down.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["specversion", "type", "source", "id"],
  "properties": {
    "specversion": {"const": "1.0"},
    "type": {"type": "string", "minLength": 1},
    "source": {"type": "string", "minLength": 1},
    "id": {"type": "string", "minLength": 1},
    "time": {"type": "string", "format": "date-time"},
    "datacontenttype": {"type": "string"}
  }
}`

var compiledEnvelopeSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://nexus.schemas.local/cloudevent.schema.json"
	if err := c.AddResource(url, strings.NewReader(envelopeSchema)); err != nil {
		panic(fmt.Sprintf("events: schema load failed: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("events: schema compile failed: %v", err))
	}
	return s
}

// ValidateEnvelopeJSON checks raw envelope JSON against the CloudEvents
// schema before the bytes reach the log.
func ValidateEnvelopeJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("envelope is not valid JSON: %w", err)
	}
	if err := compiledEnvelopeSchema.Validate(v); err != nil {
		return fmt.Errorf("envelope rejected by schema: %w", err)
	}
	return nil
}
