package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const eventSchemaURL = "calsync://event.schema.json"

const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title", "date"],
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 1024},
		"description": {"type": "string"},
		"date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
		"startTime": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"},
		"endTime": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$"}
	},
	"dependentRequired": {"endTime": ["startTime"]}
}`

func compileEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(eventSchemaURL)
}

func validateBody(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return schema.Validate(inst)
}
