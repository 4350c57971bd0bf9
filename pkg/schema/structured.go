package schema

import "sort"

// ForStructuredGeneration rewrites a streamlined output schema into the form
// providers accept for schema-guided decoding: objects get
// additionalProperties=false, every property becomes required, and
// originally-optional properties are made nullable via anyOf[T, null] so the
// decoder can always emit them.
func ForStructuredGeneration(schemaMap map[string]any) map[string]any {
	if schemaMap == nil {
		return nil
	}
	out := deepCopy(schemaMap)
	strictify(out)
	return out
}

func strictify(node map[string]any) {
	if node["type"] == "object" {
		node["additionalProperties"] = false

		props, _ := node["properties"].(map[string]any)
		required := map[string]bool{}
		if reqs, ok := node["required"].([]any); ok {
			for _, r := range reqs {
				if name, ok := r.(string); ok {
					required[name] = true
				}
			}
		}

		var allRequired []any
		for name, prop := range props {
			pm, ok := prop.(map[string]any)
			if !ok {
				continue
			}
			if !required[name] && !isNullable(pm) {
				props[name] = map[string]any{
					"anyOf": []any{pm, map[string]any{"type": "null"}},
				}
			}
			allRequired = append(allRequired, name)
		}
		if len(allRequired) > 0 {
			node["required"] = sortedAny(allRequired)
		}
	}

	for _, key := range []string{"properties", "$defs"} {
		if children, ok := node[key].(map[string]any); ok {
			for _, child := range children {
				if cm, ok := child.(map[string]any); ok {
					strictify(cm)
				}
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		strictify(items)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if variants, ok := node[key].([]any); ok {
			for _, variant := range variants {
				if vm, ok := variant.(map[string]any); ok {
					strictify(vm)
				}
			}
		}
	}
}

func isNullable(node map[string]any) bool {
	variants, ok := node["anyOf"].([]any)
	if !ok {
		return false
	}
	for _, v := range variants {
		if vm, ok := v.(map[string]any); ok && vm["type"] == "null" {
			return true
		}
	}
	return false
}

// IsCompatibleWithStructuredGeneration reports whether a schema can be used
// for provider-side schema-guided decoding. Schemas with remaining refs
// (cyclic) or non-object roots fall back to JSON-object mode.
func IsCompatibleWithStructuredGeneration(schemaMap map[string]any) bool {
	if schemaMap == nil {
		return false
	}
	if schemaMap["type"] != "object" {
		return false
	}
	return !containsRef(schemaMap)
}

func containsRef(node any) bool {
	switch val := node.(type) {
	case map[string]any:
		if _, ok := val["$ref"]; ok {
			return true
		}
		for _, child := range val {
			if containsRef(child) {
				return true
			}
		}
	case []any:
		for _, child := range val {
			if containsRef(child) {
				return true
			}
		}
	}
	return false
}

func sortedAny(values []any) []any {
	strs := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			strs = append(strs, s)
		}
	}
	sort.Strings(strs)
	out := make([]any, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}
