// Package version models the immutable run-property bundles agents execute
// with, their deterministic ids, and reference resolution against stored
// versions and deployments.
package version

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/hashing"
	"github.com/modelgateway/relay/pkg/model"
)

// MessageTemplate is one templated message in a version's prompt.
type MessageTemplate struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Properties is the property bundle a version is hashed from. Pointer fields
// distinguish unset from zero.
type Properties struct {
	Model            string            `json:"model,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	MaxTokens        *int              `json:"max_tokens,omitempty"`
	ToolChoice       string            `json:"tool_choice,omitempty"`
	EnabledTools     []string          `json:"enabled_tools,omitempty"`
	ReasoningEffort  string            `json:"reasoning_effort,omitempty"`
	Messages         []MessageTemplate `json:"messages,omitempty"`
	Instructions     string            `json:"instructions,omitempty"`
	OutputSchema     map[string]any    `json:"output_schema,omitempty"`
	StructuredOutput *bool             `json:"structured_output,omitempty"`
}

var knownPropertyKeys = map[string]bool{
	"model": true, "provider": true, "temperature": true, "top_p": true,
	"presence_penalty": true, "frequency_penalty": true, "max_tokens": true,
	"tool_choice": true, "enabled_tools": true, "reasoning_effort": true,
	"messages": true, "instructions": true, "output_schema": true,
	"structured_output": true,
}

// FromMap decodes raw inline properties, rejecting unknown keys and dropping
// explicit nulls.
func FromMap(raw map[string]any) (*Properties, error) {
	cleaned := make(map[string]any, len(raw))
	for key, value := range raw {
		if !knownPropertyKeys[key] {
			return nil, apierror.Newf(apierror.KindInvalidRunOptions,
				"unknown version property %q", key)
		}
		if value == nil {
			continue
		}
		cleaned[key] = value
	}

	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return nil, apierror.Wrap(err, apierror.KindBadRequest, "unencodable version properties")
	}
	dec := json.NewDecoder(strings.NewReader(string(encoded)))
	dec.DisallowUnknownFields()
	props := &Properties{}
	if err := dec.Decode(props); err != nil {
		return nil, apierror.Wrap(err, apierror.KindInvalidRunOptions, "malformed version properties")
	}
	return props, nil
}

var toolMentionPattern = regexp.MustCompile(`@[a-zA-Z][a-zA-Z0-9_-]*`)

// Sanitize validates the properties against the catalog and normalizes them:
// ranges enforced, enabled_tools unioned with @mentions from instructions,
// reasoning effort checked. Returns the sanitized copy; the input is not
// modified.
func Sanitize(props *Properties, catalog *model.Catalog) (*Properties, error) {
	out := *props

	if out.Provider != "" && !model.KnownProvider(model.Provider(out.Provider)) {
		return nil, apierror.Newf(apierror.KindInvalidRunOptions,
			"unknown provider %q", out.Provider)
	}
	if out.Model != "" {
		entry, ok := catalog.Get(out.Model)
		if !ok {
			return nil, apierror.Newf(apierror.KindInvalidRunOptions,
				"unknown model %q", out.Model)
		}
		if out.Provider != "" && !entry.SupportsProvider(model.Provider(out.Provider)) {
			return nil, apierror.Newf(apierror.KindInvalidRunOptions,
				"model %q is not served by provider %q", out.Model, out.Provider)
		}
	}

	if err := checkRange("temperature", out.Temperature, 0, 2); err != nil {
		return nil, err
	}
	if err := checkRange("top_p", out.TopP, 0, 1); err != nil {
		return nil, err
	}
	if err := checkRange("presence_penalty", out.PresencePenalty, -2, 2); err != nil {
		return nil, err
	}
	if err := checkRange("frequency_penalty", out.FrequencyPenalty, -2, 2); err != nil {
		return nil, err
	}
	if out.MaxTokens != nil && *out.MaxTokens <= 0 {
		return nil, apierror.New(apierror.KindInvalidRunOptions, "max_tokens must be positive")
	}
	switch out.ReasoningEffort {
	case "", "minimal", "low", "medium", "high":
	default:
		return nil, apierror.Newf(apierror.KindInvalidRunOptions,
			"invalid reasoning_effort %q", out.ReasoningEffort)
	}
	switch out.ToolChoice {
	case "", "auto", "none", "required", "any":
	default:
		return nil, apierror.Newf(apierror.KindInvalidRunOptions,
			"invalid tool_choice %q", out.ToolChoice)
	}

	// union explicit enabled_tools with @mentions in the instructions
	tools := map[string]bool{}
	for _, tool := range out.EnabledTools {
		tools[tool] = true
	}
	for _, mention := range toolMentionPattern.FindAllString(out.Instructions, -1) {
		tools[mention] = true
	}
	if len(tools) > 0 {
		names := make([]string, 0, len(tools))
		for name := range tools {
			names = append(names, name)
		}
		sort.Strings(names)
		out.EnabledTools = names
	}

	return &out, nil
}

func checkRange(name string, value *float64, lo, hi float64) error {
	if value == nil {
		return nil
	}
	if *value < lo || *value > hi {
		return apierror.Newf(apierror.KindInvalidRunOptions,
			"%s must be between %g and %g, got %g", name, lo, hi, *value)
	}
	return nil
}

// Hash returns the deterministic 32-hex id of the normalized properties.
func Hash(props *Properties) string {
	encoded, err := json.Marshal(props)
	if err != nil {
		// Properties marshals from plain data; failure means a programming bug.
		panic(fmt.Sprintf("version properties marshal: %v", err))
	}
	var asMap map[string]any
	_ = json.Unmarshal(encoded, &asMap)
	return hashing.MustShortHash(asMap)
}

// IsDifferentVersion reports whether sanitization changed the identity.
func IsDifferentVersion(original, sanitized *Properties) bool {
	return Hash(original) != Hash(sanitized)
}

// promptFingerprint hashes the prompt-level subset of the properties: the
// parts whose change bumps the major version.
func promptFingerprint(props *Properties) string {
	return hashing.MustShortHash(map[string]any{
		"messages":      props.Messages,
		"instructions":  props.Instructions,
		"output_schema": props.OutputSchema,
	})
}

// BumpKind says which semver component a property change implies.
type BumpKind int

const (
	BumpNone BumpKind = iota
	BumpMinor
	BumpMajor
)

// CompareForBump classifies the change from prev to next: prompt-level
// changes (messages, instructions, output schema) are major; any other
// difference is minor.
func CompareForBump(prev, next *Properties) BumpKind {
	if Hash(prev) == Hash(next) {
		return BumpNone
	}
	if promptFingerprint(prev) != promptFingerprint(next) {
		return BumpMajor
	}
	return BumpMinor
}
