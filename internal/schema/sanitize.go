// Package schema sanitizes Anthropic tool input_schema documents so
// they satisfy Google's stricter protobuf-backed schema validator.
package schema

// unsupportedKeywords are stripped wherever they appear; Google's
// validator rejects the request outright if it sees them.
var unsupportedKeywords = map[string]bool{
	"$schema":              true,
	"$id":                  true,
	"$ref":                 true,
	"$defs":                true,
	"definitions":          true,
	"patternProperties":    true,
	"additionalItems":      true,
	"contains":             true,
	"propertyNames":        true,
	"if":                   true,
	"then":                 true,
	"else":                 true,
	"default":              true,
}

// Sanitize returns a cleaned copy of schema, recursing into properties,
// items, and the allOf/anyOf/oneOf combinators (which Google doesn't
// support; their member schemas are merged/flattened into the parent
// object on a best-effort basis instead of being dropped outright).
func Sanitize(schemaVal map[string]any) map[string]any {
	return sanitizeNode(schemaVal).(map[string]any)
}

func sanitizeNode(node any) any {
	switch v := node.(type) {
	case map[string]any:
		return sanitizeObject(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeNode(item)
		}
		return out
	default:
		return node
	}
}

func sanitizeObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if unsupportedKeywords[k] {
			continue
		}
		switch k {
		case "exclusiveMinimum":
			if n, ok := toFloat(v); ok {
				out["minimum"] = n + 1
			}
			continue
		case "exclusiveMaximum":
			if n, ok := toFloat(v); ok {
				out["maximum"] = n - 1
			}
			continue
		case "allOf", "anyOf", "oneOf":
			merged := mergeCombinator(v)
			for mk, mv := range merged {
				if _, exists := out[mk]; !exists {
					out[mk] = mv
				}
			}
			continue
		}
		out[k] = sanitizeNode(v)
	}
	coerceNullableType(out)
	return out
}

// mergeCombinator flattens a list of alternative schemas into one
// object by taking the first object-typed alternative, sanitized. This
// is lossy but keeps the tool usable instead of rejected outright.
func mergeCombinator(v any) map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	for _, alt := range list {
		if obj, ok := alt.(map[string]any); ok {
			return sanitizeObject(obj)
		}
	}
	return nil
}

// coerceNullableType turns a JSON-Schema `"type": ["string", "null"]`
// union — which Google's schema doesn't accept — into a single type
// plus `"nullable": true`.
func coerceNullableType(obj map[string]any) {
	list, ok := obj["type"].([]any)
	if !ok {
		return
	}
	var primary string
	nullable := false
	for _, t := range list {
		s, _ := t.(string)
		if s == "null" {
			nullable = true
			continue
		}
		if primary == "" {
			primary = s
		}
	}
	if primary == "" {
		primary = "string"
	}
	obj["type"] = primary
	if nullable {
		obj["nullable"] = true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
