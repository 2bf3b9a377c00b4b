package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://astrtown.ai/schemas/"

var payloadSchemas = map[string]string{
	TypeConnected:  "connected.schema.json",
	TypeAuthError:  "auth_error.schema.json",
	TypeCommandAck: "command_ack.schema.json",
}

// Validator checks control-frame payloads against the bundled JSON schemas.
// World events are not validated; their payloads are open-ended.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range payloadSchemas {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	v := &Validator{schemas: map[string]*jsonschema.Schema{}}
	for typ, name := range payloadSchemas {
		s, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.schemas[typ] = s
	}
	return v, nil
}

// ValidatePayload returns nil for frame types without a schema.
func (v *Validator) ValidatePayload(env Envelope) error {
	if v == nil {
		return nil
	}
	s, ok := v.schemas[env.Type]
	if !ok {
		return nil
	}
	var doc any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &doc); err != nil {
			return fmt.Errorf("%s payload: %w", env.Type, err)
		}
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s payload: %w", env.Type, err)
	}
	return nil
}
