// Copyright 2025 James Ross
package queue

import "fmt"

// Classes enumerates the best-effort priority classes every job-kind
// partition is split into.
var Classes = []string{"high", "normal"}

// Key returns the Redis list key backing one job-kind/priority-class partition.
func Key(prefix, kind, class string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, kind, class)
}

// ProcessingKey returns the per-worker in-flight list BRPOPLPUSH drains into.
func ProcessingKey(prefix, workerID string) string {
	return fmt.Sprintf("%s:processing:%s", prefix, workerID)
}

// Keys returns every partition key for the given job kinds.
func Keys(prefix string, kinds []string) []string {
	keys := make([]string, 0, len(kinds)*len(Classes))
	for _, kind := range kinds {
		for _, class := range Classes {
			keys = append(keys, Key(prefix, kind, class))
		}
	}
	return keys
}
