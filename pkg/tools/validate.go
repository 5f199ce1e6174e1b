// Package tools validates tool-call arguments produced by the model against
// the tool's declared JSON Schema before the host's tool handler runs.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nickcecere/llmpipe/pkg/llm"
)

// Find returns the definition named name from defs, or nil.
func Find(defs []llm.ToolDefinition, name string) *llm.ToolDefinition {
	for i := range defs {
		if defs[i].Name == name {
			return &defs[i]
		}
	}
	return nil
}

// ValidateArgs validates the raw JSON argument text against the tool's
// Parameters schema. An empty schema accepts anything. An uncompilable
// schema fails open — callers should not break on a bad schema the model
// had no part in.
func ValidateArgs(def llm.ToolDefinition, args string) error {
	if len(def.Parameters) == 0 {
		return nil
	}

	schema, err := compileSchema(def.Parameters)
	if err != nil {
		return nil
	}

	if args == "" {
		args = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(args)))
	if err != nil {
		return fmt.Errorf("tool %q arguments are not valid JSON: %w", def.Name, err)
	}
	if err := schema.Validate(inst); err != nil {
		return formatValidationError(def.Name, args, err)
	}
	return nil
}

// compileSchema unmarshals the schema bytes and compiles them. A fresh
// compiler is used each time to avoid resource-collision errors.
func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const url = "mem://tool/schema"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

func formatValidationError(toolName, args string, err error) error {
	var pretty bytes.Buffer
	if json.Indent(&pretty, []byte(args), "", "  ") != nil {
		pretty.WriteString(args)
	}
	return fmt.Errorf("tool %q argument validation failed:\n%v\n\nReceived:\n%s",
		toolName, err, pretty.String())
}
