package upstream

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Fingerprint builds a deterministic digest of a logical request. Two
// requests with the same service, endpoint and parameter values produce the
// same fingerprint regardless of parameter order; any value difference
// produces a different one. It is used as the cache and deduplication key.
func Fingerprint(service, endpoint string, params map[string]string) string {
	h := fnv.New64a()
	h.Write([]byte(service))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))

	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(params[k]))
		}
	}

	return fmt.Sprintf("%s:%x", service, h.Sum64())
}
