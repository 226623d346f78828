package basescript

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/google/jsonschema-go/jsonschema"
)

// decodeConfig parses configYAML into a generic document, then validates
// and default-fills it against schema (nil schema skips both steps,
// leaving the decoded document as-is).
func decodeConfig(configYAML string, schema *jsonschema.Schema) (map[string]any, error) {
	var doc map[string]any
	if configYAML != "" {
		if err := yaml.Unmarshal([]byte(configYAML), &doc); err != nil {
			return nil, fmt.Errorf("basescript: parse config: %w", err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if schema == nil {
		return doc, nil
	}

	applyDefaults(schema, doc)

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("basescript: resolve schema: %w", err)
	}
	if err := resolved.Validate(doc); err != nil {
		return nil, fmt.Errorf("basescript: config failed schema validation: %w", err)
	}
	return doc, nil
}

// applyDefaults fills in doc's missing properties from schema's declared
// defaults, recursing into nested object properties that are present in
// doc (a missing nested object is not created). jsonschema
// validation alone never mutates the document, so this is a deliberate,
// minimal default-filling pass layered on top of it.
func applyDefaults(schema *jsonschema.Schema, doc map[string]any) {
	for name, prop := range schema.Properties {
		if prop == nil {
			continue
		}
		if _, present := doc[name]; present {
			if prop.Type == "object" && len(prop.Properties) > 0 {
				if nested, ok := doc[name].(map[string]any); ok {
					applyDefaults(prop, nested)
				}
			}
			continue
		}
		if prop.Default != nil {
			doc[name] = prop.Default
		}
	}
}
