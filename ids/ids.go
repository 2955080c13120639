// Package ids generates the two flavors of identifier this module needs:
// short-lived, human-readable ids for log correlation (adapted from the
// teacher's generateHumanReadableID) and opaque unique ids for long-lived
// objects (subscription handles, pooled connections).
package ids

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var seq atomic.Uint64

// HumanReadable returns "{kind}-{YYYYMMDD-HHMMSS}-{seq}". The sequence
// suffix disambiguates ids minted within the same wall-clock second, which
// the teacher's original timestamp-only scheme could not.
func HumanReadable(kind string) string {
	n := seq.Add(1)
	return fmt.Sprintf("%s-%s-%d", kind, time.Now().Format("20060102-150405"), n)
}

// Opaque returns a random UUIDv4 string, for identifiers that must be
// unique across process restarts and carry no semantic meaning.
func Opaque() string {
	return uuid.NewString()
}
