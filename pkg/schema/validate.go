package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/modelgateway/relay/pkg/apierror"
)

// Validate checks payload against a streamlined schema. Validation failures
// come back as bad_request errors carrying the validator's message.
func Validate(schemaMap map[string]any, payload any) error {
	if schemaMap == nil {
		return nil
	}

	compiled, err := compile(schemaMap)
	if err != nil {
		return err
	}

	// The validator wants plain decoded JSON values; round-trip anything
	// that may contain struct types.
	normalized, err := normalizeValue(payload)
	if err != nil {
		return apierror.Wrap(err, apierror.KindBadRequest, "payload is not valid JSON")
	}

	if err := compiled.Validate(normalized); err != nil {
		return apierror.Wrap(err, apierror.KindBadRequest, validationMessage(err))
	}
	return nil
}

func compile(schemaMap map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalizeSchema(schemaMap)); err != nil {
		return nil, apierror.Wrap(err, apierror.KindBadRequest, "invalid schema")
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, apierror.Wrap(err, apierror.KindBadRequest, fmt.Sprintf("invalid schema: %v", err))
	}
	return compiled, nil
}

func validationMessage(err error) string {
	var verr *jsonschema.ValidationError
	if ok := asValidationError(err, &verr); ok {
		return verr.Error()
	}
	return err.Error()
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		*target = verr
		return true
	}
	return false
}

// normalizeValue round-trips payload through JSON so the validator sees
// map[string]any / []any / float64 values only.
func normalizeValue(payload any) (any, error) {
	switch payload.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return payload, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeSchema(schemaMap map[string]any) any {
	out, err := normalizeValue(schemaMap)
	if err != nil {
		return schemaMap
	}
	return out
}
