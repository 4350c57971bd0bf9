package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// reflectSchema derives a tool input schema from a Go argument struct.
// Required fields come from jsonschema:"required" tags; definitions are
// inlined so the schema ships to providers as a single object.
func reflectSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	s := reflector.Reflect(new(T))

	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflecting tool schema: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("reflecting tool schema: %v", err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

func decodeArgs[T any](input map[string]any) (T, error) {
	var args T
	raw, err := json.Marshal(input)
	if err != nil {
		return args, err
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, err
	}
	return args, nil
}
