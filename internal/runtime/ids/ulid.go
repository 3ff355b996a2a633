package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a time-sortable ULID encoded as a 26-character string.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Prefixed returns a ULID prefixed with the given kind, e.g. "exec_01H...".
// Used for execution, subscription, and event identifiers so log lines stay
// self-describing.
func Prefixed(kind string) string {
	if kind == "" {
		return NewULID()
	}
	return kind + "_" + NewULID()
}
