package broker

import (
	"encoding/json"
	"fmt"
)

// validateArguments checks raw against a minimal JSON-Schema subset:
// {"type":"object","properties":{...},"required":[...]}. This mirrors
// the shape of the teacher's tool Parameters maps (spec §3 "Arguments
// parse against the declared schema if the descriptor supplies one").
// A nil schema means the descriptor declared none, per spec §4.2 rule
// 2: no schema means arguments are accepted as-is.
func validateArguments(schema map[string]any, raw []byte) error {
	if schema == nil {
		return nil
	}

	var args map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	required, _ := schema["required"].([]string)
	if required == nil {
		if anySlice, ok := schema["required"].([]any); ok {
			for _, r := range anySlice {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	if properties == nil {
		return nil
	}
	for field, value := range args {
		propSchema, declared := properties[field]
		if !declared {
			continue // open schema: extra fields are tolerated
		}
		propMap, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		wantType, _ := propMap["type"].(string)
		if wantType == "" {
			continue
		}
		if !jsonTypeMatches(wantType, value) {
			return fmt.Errorf("argument %q: want type %s", field, wantType)
		}
	}
	return nil
}

func jsonTypeMatches(want string, value any) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
