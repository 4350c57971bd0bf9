package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FileFormat is the coarse classification derived from a file's content type.
type FileFormat string

const (
	FileFormatImage    FileFormat = "image"
	FileFormatAudio    FileFormat = "audio"
	FileFormatPDF      FileFormat = "pdf"
	FileFormatDocument FileFormat = "document"
)

// File is a payload-embedded file: a URL, base64 data, or both.
type File struct {
	URL         string `json:"url,omitempty"`
	Data        string `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	// StorageURL is set once the file has been hoisted to object storage.
	StorageURL string `json:"storage_url,omitempty"`
}

// Format infers the coarse file format from the content type.
func (f *File) Format() FileFormat {
	ct := strings.ToLower(f.ContentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return FileFormatImage
	case strings.HasPrefix(ct, "audio/"):
		return FileFormatAudio
	case ct == "application/pdf":
		return FileFormatPDF
	default:
		return FileFormatDocument
	}
}

// ContentHash returns a stable digest of the inline data, used for cache
// fingerprints and storage keys. Empty when no inline data is present.
func (f *File) ContentHash() string {
	if f.Data == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		raw = []byte(f.Data)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashReference is the representation a file contributes to input hashes:
// its URL when remote, otherwise its content hash. Raw bytes never enter a
// fingerprint.
func (f *File) HashReference() string {
	if f.URL != "" {
		return f.URL
	}
	return f.ContentHash()
}

// ContentKind discriminates the block types inside a message.
type ContentKind string

const (
	ContentText            ContentKind = "text"
	ContentFile            ContentKind = "file"
	ContentToolCallRequest ContentKind = "tool_call_request"
	ContentToolCallResult  ContentKind = "tool_call_result"
	ContentReasoning       ContentKind = "reasoning"
)

// Content is one ordered block within a message. Exactly one payload field is
// set, matching Kind.
type Content struct {
	Kind ContentKind `json:"kind"`

	Text        string           `json:"text,omitempty"`
	File        *File            `json:"file,omitempty"`
	ToolRequest *ToolCallRequest `json:"tool_call_request,omitempty"`
	ToolResult  *ToolCallResult  `json:"tool_call_result,omitempty"`
	Reasoning   string           `json:"reasoning,omitempty"`
}

// Message is the canonical form every provider adapter builds from and
// standardizes back to.
type Message struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`
}

// TextMessage builds a single-block text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []Content{{Kind: ContentText, Text: text}}}
}

// Text concatenates the text blocks of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Kind == ContentText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ToolRequests returns the tool-call-request blocks of the message.
func (m *Message) ToolRequests() []*ToolCallRequest {
	var out []*ToolCallRequest
	for _, c := range m.Content {
		if c.Kind == ContentToolCallRequest && c.ToolRequest != nil {
			out = append(out, c.ToolRequest)
		}
	}
	return out
}

// Files returns the file blocks of the message.
func (m *Message) Files() []*File {
	var out []*File
	for _, c := range m.Content {
		if c.Kind == ContentFile && c.File != nil {
			out = append(out, c.File)
		}
	}
	return out
}

// ToolCallRequest is a provider-emitted request to invoke a tool.
type ToolCallRequest struct {
	ID       string         `json:"id,omitempty"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input,omitempty"`
}

// ToolCallResult is the outcome of a tool invocation, fed back to the
// provider. Error is populated instead of Result when the tool failed; the
// model still sees it.
type ToolCallResult struct {
	ID       string `json:"id"`
	ToolName string `json:"tool_name,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ToolCall is the persisted record of one executed tool invocation.
type ToolCall struct {
	ID              string         `json:"id"`
	ToolName        string         `json:"tool_name"`
	Input           map[string]any `json:"input,omitempty"`
	Result          any            `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
}

// ReasoningStep is one segment of provider-exposed thinking.
type ReasoningStep struct {
	Step string `json:"step"`
}

const hostedToolPrefix = "@"

// IsHostedToolName reports whether the canonical tool name designates a
// hosted tool.
func IsHostedToolName(name string) bool {
	return strings.HasPrefix(name, hostedToolPrefix)
}

// ProviderSafeToolName maps a canonical tool name to a form accepted by
// provider APIs, which typically restrict names to [a-zA-Z0-9_].
func ProviderSafeToolName(name string) string {
	name = strings.ReplaceAll(name, "-", "__")
	return strings.ReplaceAll(name, "@", "_at_")
}

// CanonicalToolName reverses ProviderSafeToolName.
func CanonicalToolName(name string) string {
	name = strings.ReplaceAll(name, "_at_", "@")
	return strings.ReplaceAll(name, "__", "-")
}
