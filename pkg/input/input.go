// Package input builds the provider message list from a resolved version and
// validated task input: structured payloads are checked against the input
// schema and mined for files; raw-messages payloads are parsed into canonical
// form; prompt templates are rendered with the input variables.
package input

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/hashing"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/schema"
	"github.com/modelgateway/relay/pkg/template"
	"github.com/modelgateway/relay/pkg/version"
)

// Built is the pipeline's outcome.
type Built struct {
	// Messages is the full list to send to the provider.
	Messages []protocol.Message
	// CanonicalInput is the record persisted with the run: the validated
	// payload with files replaced by positional placeholders.
	CanonicalInput any
	// Files are the extracted payload files, indexed by placeholder position.
	Files []*protocol.File
	// UsedVariables holds the top-level input keys consumed by templates.
	UsedVariables map[string]bool
}

// Hash is the stable digest of the canonical input. File references enter as
// their URL or content hash, never as raw bytes.
func (b *Built) Hash() string {
	refs := make([]string, len(b.Files))
	for i, f := range b.Files {
		refs[i] = f.HashReference()
	}
	return hashing.MustShortHash(map[string]any{
		"input": b.CanonicalInput,
		"files": refs,
	})
}

// filePlaceholder is the in-payload stand-in for the i-th extracted file.
func filePlaceholder(i int) string { return fmt.Sprintf("<file:%d>", i) }

// Build runs the pipeline for one request.
func Build(inputSchema map[string]any, props *version.Properties, rawInput json.RawMessage) (*Built, error) {
	if schema.IsRawMessagesInput(inputSchema) {
		return buildRawMessages(props, rawInput)
	}
	return buildStructured(inputSchema, props, rawInput)
}

func buildStructured(inputSchema map[string]any, props *version.Properties, rawInput json.RawMessage) (*Built, error) {
	var payload any
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, &payload); err != nil {
			return nil, apierror.Wrap(err, apierror.KindBadRequest, "task input is not valid JSON")
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	if inputSchema != nil {
		if err := schema.Validate(inputSchema, payload); err != nil {
			return nil, err
		}
	}

	var files []*protocol.File
	canonical := extractFiles(payload, &files)

	variables, _ := canonical.(map[string]any)
	if variables == nil {
		variables = map[string]any{}
	}

	built := &Built{
		CanonicalInput: canonical,
		Files:          files,
		UsedVariables:  map[string]bool{},
	}
	if err := renderMessages(built, props, variables, files, true); err != nil {
		return nil, err
	}
	return built, nil
}

func buildRawMessages(props *version.Properties, rawInput json.RawMessage) (*Built, error) {
	var wrapper struct {
		Messages  []protocol.Message `json:"messages"`
		Variables map[string]any     `json:"variables"`
	}
	if err := json.Unmarshal(rawInput, &wrapper); err != nil {
		// bare message arrays are accepted too
		if jsonErr := json.Unmarshal(rawInput, &wrapper.Messages); jsonErr != nil {
			return nil, apierror.Wrap(err, apierror.KindBadRequest, "task input is not a message list")
		}
	}
	if len(wrapper.Messages) == 0 {
		return nil, apierror.New(apierror.KindBadRequest, "task input carries no messages")
	}

	var files []*protocol.File
	for i := range wrapper.Messages {
		for j := range wrapper.Messages[i].Content {
			block := &wrapper.Messages[i].Content[j]
			if block.Kind == protocol.ContentFile && block.File != nil {
				files = append(files, block.File)
			}
		}
	}

	built := &Built{
		CanonicalInput: map[string]any{"messages": wrapper.Messages},
		Files:          files,
		UsedVariables:  map[string]bool{},
	}

	variables := wrapper.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	if err := renderMessages(built, props, variables, nil, false); err != nil {
		return nil, err
	}
	built.Messages = append(built.Messages, wrapper.Messages...)
	return built, nil
}

// renderMessages expands the version's prompt into built.Messages: templated
// messages first, then the legacy instructions path, then any structured
// variables not consumed by a template.
func renderMessages(built *Built, props *version.Properties, variables map[string]any, files []*protocol.File, structured bool) error {
	for _, tmpl := range props.Messages {
		content := tmpl.Content
		if template.Contains(content) {
			rendered, used, err := template.Render(content, variables)
			if err != nil {
				return err
			}
			content = rendered
			for key := range used {
				built.UsedVariables[key] = true
			}
		}
		built.Messages = append(built.Messages, protocol.Message{
			Role:    protocol.Role(tmpl.Role),
			Content: []protocol.Content{{Kind: protocol.ContentText, Text: content}},
		})
	}

	if props.Instructions != "" {
		content := props.Instructions
		if template.Contains(content) {
			rendered, used, err := template.Render(content, variables)
			if err != nil {
				return err
			}
			content = rendered
			for key := range used {
				built.UsedVariables[key] = true
			}
		}
		// instructions become the leading system message
		built.Messages = append([]protocol.Message{{
			Role:    protocol.RoleSystem,
			Content: []protocol.Content{{Kind: protocol.ContentText, Text: content}},
		}}, built.Messages...)
	}

	if !structured {
		return nil
	}

	// leftover variables become a trailing user message; files ride along as
	// file blocks replacing their placeholders
	leftover := make([]string, 0, len(variables))
	for key := range variables {
		if !built.UsedVariables[key] {
			leftover = append(leftover, key)
		}
	}
	sort.Strings(leftover)

	var blocks []protocol.Content
	if len(leftover) > 0 {
		var b strings.Builder
		for _, key := range leftover {
			fmt.Fprintf(&b, "%s: %s\n\n", key, stringifyVariable(variables[key]))
		}
		blocks = append(blocks, protocol.Content{
			Kind: protocol.ContentText,
			Text: strings.TrimSuffix(b.String(), "\n\n"),
		})
	}
	for _, file := range files {
		blocks = append(blocks, protocol.Content{Kind: protocol.ContentFile, File: file})
	}
	if len(blocks) > 0 {
		built.Messages = append(built.Messages, protocol.Message{
			Role:    protocol.RoleUser,
			Content: blocks,
		})
	}
	return nil
}

func stringifyVariable(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

// extractFiles walks the payload and replaces file-shaped objects with
// positional placeholders, appending each file to files in walk order. Maps
// are walked in sorted key order so placeholder positions are deterministic.
func extractFiles(payload any, files *[]*protocol.File) any {
	switch value := payload.(type) {
	case map[string]any:
		if file, ok := asFile(value); ok {
			index := len(*files)
			*files = append(*files, file)
			return filePlaceholder(index)
		}
		out := make(map[string]any, len(value))
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			out[key] = extractFiles(value[key], files)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = extractFiles(item, files)
		}
		return out
	default:
		return payload
	}
}

// asFile recognizes the canonical file object shape: url and/or data plus an
// optional content_type, and nothing else.
func asFile(m map[string]any) (*protocol.File, bool) {
	url, _ := m["url"].(string)
	data, _ := m["data"].(string)
	if url == "" && data == "" {
		return nil, false
	}
	contentType, _ := m["content_type"].(string)
	for key := range m {
		switch key {
		case "url", "data", "content_type", "storage_url":
		default:
			return nil, false
		}
	}
	file := &protocol.File{URL: url, Data: data, ContentType: contentType}
	if storage, ok := m["storage_url"].(string); ok {
		file.StorageURL = storage
	}
	return file, true
}
