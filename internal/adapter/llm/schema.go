package llm

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

const generateSchema = `{
  "type": "object",
  "required": ["cards"],
  "properties": {
    "cards": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title":     {"type": "string", "minLength": 1},
          "content":   {"type": "string"},
          "column_id": {"type": "string"},
          "tags":      {"type": "array", "items": {"type": "string"}},
          "tasks":     {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const modifySchema = `{
  "type": "object",
  "properties": {
    "title":      {"type": "string", "minLength": 1},
    "content":    {"type": "string"},
    "tags":       {"type": "array", "items": {"type": "string"}},
    "properties": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

const moveSchema = `{
  "type": "object",
  "required": ["moves"],
  "properties": {
    "moves": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["card_id", "to_column_id"],
        "properties": {
          "card_id":      {"type": "string", "minLength": 1},
          "to_column_id": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

// schemaSet holds the compiled output schema of each action.
type schemaSet struct {
	generate *jsonschema.Schema
	modify   *jsonschema.Schema
	move     *jsonschema.Schema
}

func compileSchemas() (schemaSet, error) {
	var set schemaSet
	for _, s := range []struct {
		name string
		src  string
		dst  **jsonschema.Schema
	}{
		{"generate", generateSchema, &set.generate},
		{"modify", modifySchema, &set.modify},
		{"move", moveSchema, &set.move},
	} {
		compiled, err := jsonschema.NewCompiler().Compile([]byte(s.src))
		if err != nil {
			return schemaSet{}, fmt.Errorf("compile %s schema: %w", s.name, err)
		}
		*s.dst = compiled
	}
	return set, nil
}
