package cache

import (
	"fmt"
	"strings"
)

// keyPrefix namespaces every cache key.
const keyPrefix = "nhle"

// schemaVersion is bumped whenever the cached payload layout changes so
// stale entries from older builds are never decoded.
const schemaVersion = "v1"

// DetailKey identifies the cached detail fields of one list entry.
type DetailKey struct {
	// ListEntry is the natural key of the building.
	ListEntry int64

	// Namespace separates independent deployments sharing a Redis (optional).
	Namespace string
}

// String generates a deterministic cache key string.
// Format: nhle[:namespace]:detail:v1:<list_entry>
//
// Example:
//
//	nhle:detail:v1:1001234
func (k DetailKey) String() string {
	parts := []string{keyPrefix}
	if ns := strings.Trim(k.Namespace, ":"); ns != "" {
		parts = append(parts, ns)
	}
	parts = append(parts, "detail", schemaVersion, fmt.Sprintf("%d", k.ListEntry))
	return strings.Join(parts, ":")
}

// Pattern returns the SCAN pattern matching every detail key in namespace.
func Pattern(namespace string) string {
	return DetailKey{Namespace: namespace}.prefix() + "*"
}

func (k DetailKey) prefix() string {
	s := k.String()
	return s[:strings.LastIndex(s, ":")+1]
}
