package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://dynstack.ai/schemas/"

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func loadSchemas() {
	c := jsonschema.NewCompiler()
	names := []string{"hello.schema.json", "world.schema.json"}
	for _, n := range names {
		raw, err := schemaFS.ReadFile("schemas/" + n)
		if err != nil {
			schemaErr = err
			return
		}
		if err := c.AddResource(schemaBase+n, bytes.NewReader(raw)); err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", n, err)
			return
		}
	}
	schemas = make(map[string]*jsonschema.Schema, len(names))
	for _, n := range names {
		s, err := c.Compile(schemaBase + n)
		if err != nil {
			schemaErr = fmt.Errorf("compile %s: %w", n, err)
			return
		}
		schemas[n] = s
	}
}

func validate(name string, raw []byte) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schemas[name].Validate(v)
}

// ValidateHello checks a raw HELLO message against the embedded schema.
func ValidateHello(raw []byte) error { return validate("hello.schema.json", raw) }

// ValidateWorld checks a raw WORLD message against the embedded schema.
// Structural completeness (production, buffers, handover present) is left to
// the planner so that it can answer with an empty schedule.
func ValidateWorld(raw []byte) error { return validate("world.schema.json", raw) }
