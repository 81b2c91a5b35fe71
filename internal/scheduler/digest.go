package scheduler

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Digest computes a stable fingerprint of registry scheduling state, stored
// in each checkpoint so recovery can tell whether the registry moved since
// the snapshot.
func Digest(tasks []Task) string {
	keys := make([]string, 0, len(tasks))
	for _, t := range tasks {
		keys = append(keys, fmt.Sprintf("%s=%s/%d", t.ID, t.Status, t.RetryCount))
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
