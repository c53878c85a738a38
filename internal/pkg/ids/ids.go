// Package ids generates sortable unique identifiers.
package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// ULID returns a new ULID string. IDs generated in the same millisecond are
// strictly increasing.
func ULID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// New returns prefix_ULID, e.g. "job_01J9Z3...".
func New(prefix string) string {
	if prefix == "" {
		return ULID()
	}
	return prefix + "_" + ULID()
}
