package rediskey

import (
	"fmt"
	"strings"
)

// Key namespaces shared across services.
const (
	ActivityDedupePrefix = "activity:dedupe"
	SequencePrefix       = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildActivityDedupeKey returns "activity:dedupe:{source}:{externalID}".
// The source is lowercased so "Strava" and "strava" guard the same activity.
func BuildActivityDedupeKey(source, externalID string) string {
	return NamespaceKey(ActivityDedupePrefix, fmt.Sprintf("%s:%s", strings.ToLower(source), externalID))
}

// BuildSequenceKey returns "seq:{prefix}:{day}".
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s", prefix, day))
}
