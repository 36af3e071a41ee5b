// Package validation performs structural checks on tool inputs before they
// reach an adapter. It intentionally avoids semantic parsing (no bash/sql
// validation); the goal is catching obviously malformed calls across all
// tools in a domain-agnostic way.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"cortex/internal/domain"
)

// BuildToolSchemaMap builds a {toolName: inputSchema} map from the API tool
// list. Only explicit schemas are preserved, keeping validation shallow and
// portable across adapters.
func BuildToolSchemaMap(toolDefs []domain.ToolSpec) map[string]domain.InputSchema {
	schemaMap := map[string]domain.InputSchema{}
	for _, tool := range toolDefs {
		name := strings.TrimSpace(tool.Name)
		if name != "" && tool.InputSchema.Type != "" {
			schemaMap[name] = tool.InputSchema
		}
	}
	return schemaMap
}

// ValidateToolInput returns a descriptive error string for malformed input,
// or "" when the input passes. The strings are returned verbatim to the model
// as tool results, so they stay human-readable.
func ValidateToolInput(toolName string, toolInput any, schema *domain.InputSchema) string {
	if schema == nil {
		return ""
	}

	input, isMap := toolInput.(map[string]any)
	if schema.Type == "object" && !isMap {
		return fmt.Sprintf("%s expects object input, got %s", toolName, typeName(toolInput))
	}
	if !isMap {
		return fmt.Sprintf("%s expects dict input, got %s", toolName, typeName(toolInput))
	}

	var missing []string
	for _, key := range schema.Required {
		if _, ok := input[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Sprintf("%s missing required keys: %s", toolName, formatKeyList(missing))
	}

	if schema.AdditionalPropertiesFalse() {
		var unknown []string
		for key := range input {
			if _, ok := schema.Properties[key]; !ok {
				unknown = append(unknown, key)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return fmt.Sprintf("%s input had unknown keys: %s", toolName, formatKeyList(unknown))
		}
	}

	// Deterministic property order keeps the first reported error stable.
	propKeys := make([]string, 0, len(schema.Properties))
	for key := range schema.Properties {
		propKeys = append(propKeys, key)
	}
	sort.Strings(propKeys)

	for _, key := range propKeys {
		value, ok := input[key]
		if !ok {
			continue
		}
		switch schema.Properties[key].Type {
		case "string":
			s, isString := value.(string)
			if !isString || strings.TrimSpace(s) == "" {
				return fmt.Sprintf("%s requires non-empty string %s, got %s", toolName, key, reprValue(value))
			}
		case "object":
			if _, isObj := value.(map[string]any); !isObj {
				return fmt.Sprintf("%s requires object %s, got %s", toolName, key, reprValue(value))
			}
		case "array":
			if _, isArr := value.([]any); !isArr {
				return fmt.Sprintf("%s requires array %s, got %s", toolName, key, reprValue(value))
			}
		}
	}
	return ""
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "str"
	case bool:
		return "bool"
	case float64, int:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func formatKeyList(keys []string) string {
	quoted := make([]string, len(keys))
	for i, key := range keys {
		quoted[i] = fmt.Sprintf("'%s'", key)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func reprValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "None"
	case string:
		return fmt.Sprintf("'%s'", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
