package api

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

const sendPDFSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "to": {"type": "string", "minLength": 1},
    "pdfBase64": {"type": "string", "minLength": 1},
    "fileName": {"type": "string"},
    "caption": {"type": "string"}
  },
  "required": ["sessionId", "to", "pdfBase64"]
}`

const startSessionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "description": {"type": "string", "maxLength": 512}
  }
}`

type schemas struct {
	sendPDF      *jsonschema.Schema
	startSession *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	sendPDF, err := compiler.Compile([]byte(sendPDFSchema))
	if err != nil {
		return nil, fmt.Errorf("compile send-pdf schema: %w", err)
	}
	startSession, err := compiler.Compile([]byte(startSessionSchema))
	if err != nil {
		return nil, fmt.Errorf("compile session schema: %w", err)
	}
	return &schemas{sendPDF: sendPDF, startSession: startSession}, nil
}

func validateBody(schema *jsonschema.Schema, body []byte) error {
	result := schema.ValidateJSON(body)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
