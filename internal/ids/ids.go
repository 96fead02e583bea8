package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes used for entity identifiers.
const (
	PrefixRequest  = "req"
	PrefixMatch    = "mat"
	PrefixDonation = "don"
	PrefixUser     = "usr"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewWithPrefix returns "<prefix>_<ulid>" in lower case, e.g. req_01hx....
func NewWithPrefix(prefix string) string {
	id := strings.ToLower(New())
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
