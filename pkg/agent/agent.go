// Package agent models agents and their schema history. Agents are created
// lazily on first use; schema ids increase monotonically as the input/output
// schema pair changes.
package agent

import (
	"regexp"
	"time"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/schema"
)

// Schema is one streamlined input/output schema pair in an agent's history.
type Schema struct {
	SchemaID     int            `json:"schema_id" bson:"schema_id"`
	InputSchema  map[string]any `json:"input_schema,omitempty" bson:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" bson:"output_schema,omitempty"`
	// Digest identifies the streamlined pair; identical pairs share an id.
	Digest    string    `json:"digest" bson:"digest"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Agent is a tenant-scoped named entity with a schema history.
type Agent struct {
	ID        string    `json:"id" bson:"_id"`
	UID       int64     `json:"uid" bson:"uid"`
	TenantUID int64     `json:"tenant_uid" bson:"tenant_uid"`
	Schemas   []Schema  `json:"schemas" bson:"schemas"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// ValidateID checks the URL-safe agent id format.
func ValidateID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return apierror.Newf(apierror.KindBadRequest,
			"agent id %q must be URL-safe (letters, digits, - and _)", id)
	}
	return nil
}

// Streamline canonicalizes a raw schema pair and computes its digest.
func Streamline(inputSchema, outputSchema map[string]any) (*Schema, error) {
	in, err := schema.Streamline(inputSchema)
	if err != nil {
		return nil, err
	}
	out, err := schema.Streamline(outputSchema)
	if err != nil {
		return nil, err
	}
	digest, err := schema.ID(in, out)
	if err != nil {
		return nil, err
	}
	return &Schema{
		InputSchema:  in,
		OutputSchema: out,
		Digest:       digest,
	}, nil
}

// FindSchema returns the schema with the given id, or nil.
func (a *Agent) FindSchema(schemaID int) *Schema {
	for i := range a.Schemas {
		if a.Schemas[i].SchemaID == schemaID {
			return &a.Schemas[i]
		}
	}
	return nil
}

// FindSchemaByDigest returns the schema with the given digest, or nil.
func (a *Agent) FindSchemaByDigest(digest string) *Schema {
	for i := range a.Schemas {
		if a.Schemas[i].Digest == digest {
			return &a.Schemas[i]
		}
	}
	return nil
}

// LatestSchema returns the highest-numbered schema, or nil for a fresh agent.
func (a *Agent) LatestSchema() *Schema {
	if len(a.Schemas) == 0 {
		return nil
	}
	latest := &a.Schemas[0]
	for i := range a.Schemas {
		if a.Schemas[i].SchemaID > latest.SchemaID {
			latest = &a.Schemas[i]
		}
	}
	return latest
}

// AdoptSchema returns the agent's schema matching the streamlined pair,
// appending a new monotonically-numbered entry when the pair is new.
func (a *Agent) AdoptSchema(pair *Schema, now time.Time) *Schema {
	if existing := a.FindSchemaByDigest(pair.Digest); existing != nil {
		return existing
	}
	next := 1
	if latest := a.LatestSchema(); latest != nil {
		next = latest.SchemaID + 1
	}
	entry := *pair
	entry.SchemaID = next
	entry.CreatedAt = now
	a.Schemas = append(a.Schemas, entry)
	a.UpdatedAt = now
	return &a.Schemas[len(a.Schemas)-1]
}
