// Package schema implements the JSON-schema handling the run engine depends
// on: streamlining on ingestion (ref inlining, nullability normalization,
// metadata removal, canonical internal $defs), validation of payloads against
// streamlined schemas, and the transformations applied before handing a
// schema to a provider for schema-guided decoding.
package schema

import (
	"fmt"
	"strings"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/hashing"
)

// Internal $defs recognized in user schemas and replaced with canonical
// forms on ingestion.
const (
	DefFile          = "File"
	DefImage         = "Image"
	DefAudio         = "Audio"
	DefPDF           = "PDF"
	DefDatetimeLocal = "DatetimeLocal"
)

// RawMessagesFormat marks an input schema as a raw message sequence.
const RawMessagesFormat = "messages"

// RawMessageFormat marks an output schema as a raw message.
const RawMessageFormat = "message"

// metadataKeys are dropped during streamlining. Descriptions are kept; they
// are forwarded to providers.
var metadataKeys = map[string]bool{
	"$schema":    true,
	"$id":        true,
	"$comment":   true,
	"title":      true,
	"examples":   true,
	"readOnly":   true,
	"writeOnly":  true,
	"deprecated": true,
}

// canonicalDefs are the internal file definitions in their canonical form.
var canonicalDefs = map[string]map[string]any{
	DefFile: {
		"type": "object",
		"properties": map[string]any{
			"url":          map[string]any{"type": "string"},
			"data":         map[string]any{"type": "string"},
			"content_type": map[string]any{"type": "string"},
		},
	},
	DefImage: {
		"type": "object",
		"format": "image",
		"properties": map[string]any{
			"url":          map[string]any{"type": "string"},
			"data":         map[string]any{"type": "string"},
			"content_type": map[string]any{"type": "string"},
		},
	},
	DefAudio: {
		"type": "object",
		"format": "audio",
		"properties": map[string]any{
			"url":          map[string]any{"type": "string"},
			"data":         map[string]any{"type": "string"},
			"content_type": map[string]any{"type": "string"},
		},
	},
	DefPDF: {
		"type": "object",
		"format": "pdf",
		"properties": map[string]any{
			"url":          map[string]any{"type": "string"},
			"data":         map[string]any{"type": "string"},
			"content_type": map[string]any{"type": "string"},
		},
	},
	DefDatetimeLocal: {
		"type": "object",
		"properties": map[string]any{
			"date":     map[string]any{"type": "string", "format": "date"},
			"local_time": map[string]any{"type": "string", "format": "time"},
			"timezone": map[string]any{"type": "string"},
		},
	},
}

// IsFileRef reports whether name designates one of the internal file defs
// (everything except DatetimeLocal).
func IsFileRef(name string) bool {
	switch name {
	case DefFile, DefImage, DefAudio, DefPDF:
		return true
	}
	return false
}

type streamliner struct {
	defs map[string]any
	// processingRefs guards against cyclic $ref chains; a ref already on the
	// stack is kept as-is instead of being inlined.
	processingRefs map[string]bool
}

// Streamline canonicalizes a user-supplied JSON schema: internal refs are
// inlined (cycles kept as refs), metadata keys are dropped, nullability is
// normalized to anyOf[T, null], and the internal file defs are replaced with
// their canonical forms. The input map is not mutated.
func Streamline(raw map[string]any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	s := &streamliner{processingRefs: make(map[string]bool)}
	if defs, ok := raw["$defs"].(map[string]any); ok {
		s.defs = defs
	} else if defs, ok := raw["definitions"].(map[string]any); ok {
		s.defs = defs
	}

	out, err := s.node(raw)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, apierror.New(apierror.KindBadRequest, "schema root must be an object")
	}
	delete(m, "$defs")
	delete(m, "definitions")
	return m, nil
}

func (s *streamliner) node(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		return s.object(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := s.node(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s *streamliner) object(m map[string]any) (any, error) {
	if ref, ok := m["$ref"].(string); ok {
		return s.resolveRef(ref, m)
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		if metadataKeys[k] {
			continue
		}
		n, err := s.node(v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	normalizeNullability(out)
	return out, nil
}

func (s *streamliner) resolveRef(ref string, node map[string]any) (any, error) {
	name, ok := localRefName(ref)
	if !ok {
		return nil, apierror.Newf(apierror.KindBadRequest, "unsupported schema ref %q", ref)
	}

	if canonical, ok := canonicalDefs[name]; ok {
		out := deepCopy(canonical)
		if desc, ok := node["description"].(string); ok {
			out["description"] = desc
		}
		return out, nil
	}

	target, ok := s.defs[name]
	if !ok {
		return nil, apierror.Newf(apierror.KindBadRequest, "schema ref %q not found in $defs", ref)
	}
	if s.processingRefs[name] {
		// Cycle: keep the ref so the schema stays finite.
		return map[string]any{"$ref": ref}, nil
	}
	s.processingRefs[name] = true
	defer delete(s.processingRefs, name)

	inlined, err := s.node(target)
	if err != nil {
		return nil, err
	}
	if m, ok := inlined.(map[string]any); ok {
		if desc, ok := node["description"].(string); ok && m["description"] == nil {
			m = deepCopy(m)
			m["description"] = desc
		}
		return m, nil
	}
	return inlined, nil
}

func localRefName(ref string) (string, bool) {
	for _, prefix := range []string{"#/$defs/", "#/definitions/"} {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix), true
		}
	}
	return "", false
}

// normalizeNullability rewrites type arrays ["T","null"] and oneOf pairs
// into the canonical anyOf[T, {"type":"null"}] form.
func normalizeNullability(m map[string]any) {
	if types, ok := m["type"].([]any); ok {
		var nonNull []any
		sawNull := false
		for _, t := range types {
			if t == "null" {
				sawNull = true
			} else {
				nonNull = append(nonNull, t)
			}
		}
		if sawNull && len(nonNull) == 1 {
			variant := deepCopy(m)
			delete(variant, "type")
			variant["type"] = nonNull[0]
			delete(m, "type")
			for k := range m {
				delete(m, k)
			}
			m["anyOf"] = []any{variant, map[string]any{"type": "null"}}
			return
		}
	}

	// oneOf [T, null] is equivalent to anyOf for nullability purposes.
	if oneOf, ok := m["oneOf"].([]any); ok && isNullablePair(oneOf) {
		m["anyOf"] = oneOf
		delete(m, "oneOf")
	}
}

func isNullablePair(variants []any) bool {
	if len(variants) != 2 {
		return false
	}
	for _, v := range variants {
		if vm, ok := v.(map[string]any); ok && vm["type"] == "null" {
			return true
		}
	}
	return false
}

// IsRawMessagesInput reports whether the input schema marks the agent as
// prompt-driven (input is a message sequence).
func IsRawMessagesInput(schema map[string]any) bool {
	return schema != nil && schema["format"] == RawMessagesFormat
}

// IsRawMessageOutput reports whether the output schema marks the output as a
// single raw message.
func IsRawMessageOutput(schema map[string]any) bool {
	return schema == nil || schema["format"] == RawMessageFormat
}

// ID computes the stable digest identifying a streamlined (input, output)
// schema pair. Identical streamlined schemas yield the same id within an
// agent.
func ID(input, output map[string]any) (string, error) {
	h, err := hashing.ShortHash(map[string]any{
		"input_schema":  input,
		"output_schema": output,
	})
	if err != nil {
		return "", fmt.Errorf("schema id: %w", err)
	}
	return h, nil
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
