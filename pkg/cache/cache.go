// Package cache maps content-addressed run keys to prior successful run ids.
// Entries reference runs; they never duplicate payload.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Mode is the request's cache policy.
type Mode string

const (
	// ModeAuto serves a cached run only when the resolved version matches
	// exactly, and writes on success.
	ModeAuto Mode = "auto"
	// ModeAlways serves any cached run for the key without a provider call.
	ModeAlways Mode = "always"
	// ModeNever skips the cache entirely.
	ModeNever Mode = "never"
)

// ParseMode validates a request value, defaulting empty to auto.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "":
		return ModeAuto, true
	case ModeAuto, ModeAlways, ModeNever:
		return Mode(s), true
	}
	return "", false
}

// Key identifies one cacheable computation.
type Key struct {
	TenantUID int64
	AgentUID  int64
	SchemaID  int
	VersionID string
	InputHash string
}

func (k Key) String() string {
	return fmt.Sprintf("runcache:%d:%d:%d:%s:%s",
		k.TenantUID, k.AgentUID, k.SchemaID, k.VersionID, k.InputHash)
}

// Cache stores run-id mappings with first-writer-wins semantics.
type Cache interface {
	// Get returns the cached run id, or "" on miss.
	Get(ctx context.Context, key Key) (string, error)
	// PutIfAbsent stores the mapping unless one exists; returns whether this
	// call won the write.
	PutIfAbsent(ctx context.Context, key Key, runID string, ttl time.Duration) (bool, error)
}
