package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier for host documents and layers.
func New() string {
	return uuid.NewString()
}

// Short returns the first block of a new identifier, used where a readable
// suffix is enough (scratch document names, run ids in logs).
func Short() string {
	s := New()
	if i := strings.IndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	return s
}
